// SPDX-FileCopyrightText: © 2026 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

// Package keystore holds a node's keypairs and the public keys of its peers.
package keystore

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/katzenpost/relaynet/core/peer"
	"github.com/katzenpost/relaynet/core/wire"
)

// ErrUnknownPeerKey is the error returned when encrypting for a peer whose
// public key has not been exchanged yet.
var ErrUnknownPeerKey = errors.New("keystore: unknown peer key")

var errNoServerKey = errors.New("keystore: no server keypair")

// UnknownPeerKeyError is the error returned by EncryptPacket when no key is
// on file for Peer.
type UnknownPeerKeyError struct {
	Peer peer.Identity
}

func (e *UnknownPeerKeyError) Error() string {
	return fmt.Sprintf("keystore: no public key for peer %v", e.Peer)
}

// Is makes errors.Is(err, ErrUnknownPeerKey) match.
func (e *UnknownPeerKeyError) Is(target error) bool {
	return target == ErrUnknownPeerKey
}

type entry struct {
	id  peer.Identity
	key *rsa.PublicKey
}

// Store is a key store.  It is safe for concurrent use.
type Store struct {
	sync.RWMutex

	server *KeyPair
	client *KeyPair

	peers map[peer.Addr]*entry
}

// New returns a Store owning the given keypairs.  Either may be nil for a
// node that only runs one role.
func New(server, client *KeyPair) *Store {
	return &Store{
		server: server,
		client: client,
		peers:  make(map[peer.Addr]*entry),
	}
}

// ServerKeyPair returns the keypair used by the relay role.
func (s *Store) ServerKeyPair() *KeyPair {
	return s.server
}

// ClientKeyPair returns the keypair used by the client role.
func (s *Store) ClientKeyPair() *KeyPair {
	return s.client
}

// AddPeer registers a peer.  The key of an already known peer is retained,
// and its metadata is merged: a non-empty Name replaces the old one, and the
// core flag is only ever set, never cleared.
func (s *Store) AddPeer(id peer.Identity) {
	s.Lock()
	defer s.Unlock()

	if e, ok := s.peers[id.Addr()]; ok {
		e.merge(id)
		return
	}
	s.peers[id.Addr()] = &entry{id: id}
}

func (e *entry) merge(id peer.Identity) {
	if id.Name != "" {
		e.id.Name = id.Name
	}
	e.id.IsCore = e.id.IsCore || id.IsCore
}

// SetKey records the public key of a peer, registering it if needed.
func (s *Store) SetKey(id peer.Identity, key *rsa.PublicKey) {
	s.Lock()
	defer s.Unlock()

	if e, ok := s.peers[id.Addr()]; ok {
		e.key = key
		return
	}
	s.peers[id.Addr()] = &entry{id: id, key: key}
}

// SetKeyPEM parses and records a PEM encoded public key.
func (s *Store) SetKeyPEM(id peer.Identity, b []byte) error {
	key, err := PublicKeyFromPEM(b)
	if err != nil {
		return err
	}
	s.SetKey(id, key)
	return nil
}

// Lookup returns the public key of a peer, if one is on file.
func (s *Store) Lookup(id peer.Identity) (*rsa.PublicKey, bool) {
	s.RLock()
	defer s.RUnlock()

	e, ok := s.peers[id.Addr()]
	if !ok || e.key == nil {
		return nil, false
	}
	return e.key, true
}

// Identity returns the registered identity for an address.
func (s *Store) Identity(addr peer.Addr) (peer.Identity, bool) {
	s.RLock()
	defer s.RUnlock()

	e, ok := s.peers[addr]
	if !ok {
		return peer.Identity{}, false
	}
	return e.id, true
}

// Peers returns every registered peer, ordered by address.
func (s *Store) Peers() []peer.Identity {
	return s.collect(func(*entry) bool { return true })
}

// KnownKeys returns every registered peer with a key on file, ordered by
// address.
func (s *Store) KnownKeys() []peer.Identity {
	return s.collect(func(e *entry) bool { return e.key != nil })
}

func (s *Store) collect(fn func(*entry) bool) []peer.Identity {
	s.RLock()
	defer s.RUnlock()

	ids := make([]peer.Identity, 0, len(s.peers))
	for _, e := range s.peers {
		if fn(e) {
			ids = append(ids, e.id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].IP != ids[j].IP {
			return ids[i].IP < ids[j].IP
		}
		return ids[i].Port < ids[j].Port
	})
	return ids
}

// EncryptPacket serializes pkt and seals it for the peer id.
func (s *Store) EncryptPacket(pkt *wire.Packet, id peer.Identity) ([]byte, error) {
	key, ok := s.Lookup(id)
	if !ok {
		return nil, &UnknownPeerKeyError{Peer: id}
	}
	b, err := pkt.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return Seal(b, key)
}

// DecryptPacket opens a sealed packet with the server private key.
func (s *Store) DecryptPacket(b []byte) (*wire.Packet, error) {
	if s.server == nil {
		return nil, errNoServerKey
	}
	pt, err := Open(b, s.server.Private)
	if err != nil {
		return nil, err
	}
	return wire.Decode(pt)
}

// Open decrypts a sealed payload addressed to this node's server key.
func (s *Store) Open(b []byte) ([]byte, error) {
	if s.server == nil {
		return nil, errNoServerKey
	}
	return Open(b, s.server.Private)
}
