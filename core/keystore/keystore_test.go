// SPDX-FileCopyrightText: © 2026 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

package keystore

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/relaynet/core/peer"
	"github.com/katzenpost/relaynet/core/wire"
)

var (
	testKeysOnce sync.Once
	testKeys     [2]*KeyPair
)

func testKeyPairs(t *testing.T) (*KeyPair, *KeyPair) {
	testKeysOnce.Do(func() {
		for i := range testKeys {
			k, err := GenerateKeyPair()
			if err != nil {
				panic(err)
			}
			testKeys[i] = k
		}
	})
	return testKeys[0], testKeys[1]
}

func TestEncryptDecrypt(t *testing.T) {
	require := require.New(t)
	a, b := testKeyPairs(t)

	require.Equal(KeyBits, a.Public.N.BitLen())
	require.Equal(190, MaxPlaintextLength(a.Public))

	msg := bytes.Repeat([]byte{'x'}, MaxPlaintextLength(a.Public))
	ct, err := Encrypt(msg, a.Public)
	require.NoError(err)
	require.Len(ct, a.Public.Size())

	pt, err := Decrypt(ct, a.Private)
	require.NoError(err)
	require.Equal(msg, pt)

	_, err = Decrypt(ct, b.Private)
	require.ErrorIs(err, ErrDecryption)

	_, err = Encrypt(append(msg, 'x'), a.Public)
	require.ErrorIs(err, ErrPlaintextTooLarge)
}

func TestSealOpen(t *testing.T) {
	require := require.New(t)
	a, b := testKeyPairs(t)

	msg := bytes.Repeat([]byte("onion"), 1000)
	sealed, err := Seal(msg, a.Public)
	require.NoError(err)
	require.Len(sealed, len(msg)+SealOverhead(a.Public))

	pt, err := Open(sealed, a.Private)
	require.NoError(err)
	require.Equal(msg, pt)

	_, err = Open(sealed, b.Private)
	require.ErrorIs(err, ErrDecryption)

	sealed[len(sealed)-1] ^= 0xff
	_, err = Open(sealed, a.Private)
	require.ErrorIs(err, ErrDecryption)

	_, err = Open(sealed[:10], a.Private)
	require.ErrorIs(err, ErrDecryption)
}

func TestPEM(t *testing.T) {
	require := require.New(t)
	a, _ := testKeyPairs(t)

	privPEM, err := a.PrivatePEM()
	require.NoError(err)
	k, err := KeyPairFromPEM(privPEM)
	require.NoError(err)
	require.True(a.Private.Equal(k.Private))

	pkcs1 := pem.EncodeToMemory(&pem.Block{Type: rsaKeyPEMType, Bytes: x509.MarshalPKCS1PrivateKey(a.Private)})
	k, err = KeyPairFromPEM(pkcs1)
	require.NoError(err)
	require.True(a.Public.Equal(k.Public))

	pub, err := PublicKeyFromPEM(a.PublicPEM())
	require.NoError(err)
	require.True(a.Public.Equal(pub))

	_, err = PublicKeyFromPEM(privPEM)
	require.Error(err)
	_, err = KeyPairFromPEM([]byte("not a key"))
	require.Error(err)
}

func TestStore(t *testing.T) {
	require := require.New(t)
	a, b := testKeyPairs(t)

	s := New(a, nil)
	require.Equal(a, s.ServerKeyPair())
	require.Nil(s.ClientKeyPair())

	n1 := peer.New(peer.Addr{IP: "127.0.0.1", Port: 9801}, "n1", true)
	n2 := peer.New(peer.Addr{IP: "127.0.0.1", Port: 9802}, "n2", false)

	s.AddPeer(n1)
	s.AddPeer(n2)
	_, ok := s.Lookup(n1)
	require.False(ok)
	require.Len(s.Peers(), 2)
	require.Empty(s.KnownKeys())

	pkt := wire.NewPacket(wire.Stop, n1.Addr(), []byte("ping"))
	_, err := s.EncryptPacket(pkt, n1)
	require.ErrorIs(err, ErrUnknownPeerKey)
	var keyErr *UnknownPeerKeyError
	require.ErrorAs(err, &keyErr)
	require.True(keyErr.Peer.Equal(n1))

	require.NoError(s.SetKeyPEM(n1, a.PublicPEM()))
	s.SetKey(n2, b.Public)

	// Re-registering must not forget the key.
	s.AddPeer(peer.New(n1.Addr(), "renamed", true))
	key, ok := s.Lookup(n1)
	require.True(ok)
	require.True(a.Public.Equal(key))
	id, ok := s.Identity(n1.Addr())
	require.True(ok)
	require.Equal("renamed", id.Name)
	require.True(id.IsCore)

	// An anonymous identity for the same address keeps the metadata.
	s.AddPeer(peer.New(n1.Addr(), "", false))
	id, ok = s.Identity(n1.Addr())
	require.True(ok)
	require.Equal("renamed", id.Name)
	require.True(id.IsCore)
	require.Equal([]peer.Identity{id, n2}, s.KnownKeys())

	ct, err := s.EncryptPacket(pkt, n1)
	require.NoError(err)
	got, err := s.DecryptPacket(ct)
	require.NoError(err)
	require.Equal(pkt, got)

	ct, err = s.EncryptPacket(pkt, n2)
	require.NoError(err)
	_, err = s.DecryptPacket(ct)
	require.ErrorIs(err, ErrDecryption)

	_, err = New(nil, b).DecryptPacket(ct)
	require.Error(err)
}
