// SPDX-FileCopyrightText: © 2026 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

package circuit

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/relaynet/core/keystore"
	"github.com/katzenpost/relaynet/core/peer"
	"github.com/katzenpost/relaynet/core/wire"
)

type testHop struct {
	id peer.Identity
	ks *keystore.Store
}

func newTestHops(t *testing.T, n int) []testHop {
	hops := make([]testHop, n)
	for i := range hops {
		k, err := keystore.GenerateKeyPair()
		require.NoError(t, err)
		hops[i] = testHop{
			id: peer.New(peer.Addr{IP: "127.0.0.1", Port: uint16(9801 + i)}, "", true),
			ks: keystore.New(k, nil),
		}
	}
	return hops
}

func clientStore(hops []testHop) *keystore.Store {
	ks := keystore.New(nil, nil)
	for _, h := range hops {
		ks.SetKey(h.id, h.ks.ServerKeyPair().Public)
	}
	return ks
}

func TestOnionRoundTrip(t *testing.T) {
	require := require.New(t)

	hops := newTestHops(t, 3)
	a, b, c := hops[0], hops[1], hops[2]
	path := Path{a.id, b.id, c.id}
	payload := []byte("the final payload P")

	onion, err := NewBuilder(clientStore(hops)).BuildOnion(path, payload)
	require.NoError(err)
	require.Equal(wire.Forward, onion.Kind)
	require.Equal(a.id.Addr(), onion.Dest())
	require.Len(onion.Body, len(payload)+Overhead(3))

	// B and C cannot open A's layer.
	_, err = Peel(b.ks, onion)
	require.ErrorIs(err, keystore.ErrDecryption)
	_, err = Peel(c.ks, onion)
	require.ErrorIs(err, keystore.ErrDecryption)

	toB, err := Peel(a.ks, onion)
	require.NoError(err)
	require.Equal(wire.Forward, toB.Kind)
	require.Equal(b.id.Addr(), toB.Dest())
	require.False(bytes.Contains(onion.Body, payload))
	require.False(bytes.Contains(toB.Body, payload))

	toC, err := Peel(b.ks, toB)
	require.NoError(err)
	require.Equal(wire.Forward, toC.Kind)
	require.Equal(c.id.Addr(), toC.Dest())
	require.False(bytes.Contains(toC.Body, payload))

	stop, err := Peel(c.ks, toC)
	require.NoError(err)
	require.Equal(wire.Stop, stop.Kind)
	require.Equal(c.id.Addr(), stop.Dest())
	require.Equal(payload, stop.Body)

	_, err = Peel(c.ks, stop)
	require.Error(err)
}

func TestSingleHopOnion(t *testing.T) {
	require := require.New(t)

	hops := newTestHops(t, 1)
	onion, err := NewBuilder(clientStore(hops)).BuildOnion(Path{hops[0].id}, []byte("direct"))
	require.NoError(err)

	stop, err := Peel(hops[0].ks, onion)
	require.NoError(err)
	require.Equal(wire.Stop, stop.Kind)
	require.Equal([]byte("direct"), stop.Body)
}

func TestMissingKey(t *testing.T) {
	require := require.New(t)

	hops := newTestHops(t, 2)
	ks := clientStore(hops)
	stranger := peer.New(peer.Addr{IP: "127.0.0.9", Port: 9999}, "", false)
	ks.AddPeer(stranger)

	b := NewBuilder(ks)
	onion, err := b.BuildOnion(Path{hops[0].id, stranger, hops[1].id}, []byte("ping"))
	require.Nil(onion)
	require.ErrorIs(err, ErrCircuitKeyMissing)
	var keyErr *KeyMissingError
	require.ErrorAs(err, &keyErr)
	require.True(keyErr.Hop.Equal(stranger))

	_, err = b.BuildOnion(nil, []byte("ping"))
	require.ErrorIs(err, ErrEmptyPath)
}

func TestPayloadLimit(t *testing.T) {
	require := require.New(t)

	hops := newTestHops(t, 2)
	b := NewBuilder(clientStore(hops))
	path := Path{hops[0].id, hops[1].id}

	_, err := b.BuildOnion(path, make([]byte, MaxPayloadLength(2)))
	require.NoError(err)

	_, err = b.BuildOnion(path, make([]byte, MaxPayloadLength(2)+1))
	require.ErrorIs(err, wire.ErrBodyTooLarge)
}

func TestSelect(t *testing.T) {
	require := require.New(t)

	var candidates []peer.Identity
	for i := 0; i < 5; i++ {
		candidates = append(candidates, peer.New(peer.Addr{IP: "10.0.0.1", Port: uint16(7000 + i)}, "", true))
	}
	// Duplicates only count once.
	candidates = append(candidates, candidates[0])

	for i := 0; i < 20; i++ {
		p, err := Select(candidates, 3, nil)
		require.NoError(err)
		require.Equal(3, p.Len())
		seen := make(map[peer.Addr]bool)
		for _, h := range p {
			require.False(seen[h.Addr()])
			seen[h.Addr()] = true
		}
	}

	p, err := Select(candidates, 5, nil)
	require.NoError(err)
	require.Equal(5, p.Len())

	_, err = Select(candidates, 6, nil)
	require.ErrorIs(err, ErrNotEnoughPeers)
	_, err = Select(candidates, 0, nil)
	require.Error(err)

	path := Path{}.Append(candidates[0]).Append(candidates[1])
	require.Equal("[10.0.0.1:7000 -> 10.0.0.1:7001]", path.String())
	require.Equal(candidates[0], path.First())
	require.Equal(candidates[1], path.Last())
}
