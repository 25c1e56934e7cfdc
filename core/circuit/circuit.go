// SPDX-FileCopyrightText: © 2026 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

// Package circuit builds and peels layered encrypted packets.
package circuit

import (
	"crypto/rsa"
	"errors"
	"fmt"

	"github.com/katzenpost/relaynet/core/keystore"
	"github.com/katzenpost/relaynet/core/peer"
	"github.com/katzenpost/relaynet/core/wire"
)

// ErrCircuitKeyMissing is the error returned when a hop of the path has no
// public key on file.
var ErrCircuitKeyMissing = errors.New("circuit: hop key missing")

var errNotForward = errors.New("circuit: not a FORWARD packet")

// KeyMissingError is the error returned by BuildOnion for the first hop
// without a public key.
type KeyMissingError struct {
	Hop peer.Identity
}

func (e *KeyMissingError) Error() string {
	return fmt.Sprintf("circuit: no public key for hop %v", e.Hop)
}

// Is makes errors.Is(err, ErrCircuitKeyMissing) match.
func (e *KeyMissingError) Is(target error) bool {
	return target == ErrCircuitKeyMissing
}

// Builder constructs onions using the keys held by a key store.
type Builder struct {
	ks *keystore.Store
}

// NewBuilder returns a new Builder.
func NewBuilder(ks *keystore.Store) *Builder {
	return &Builder{ks: ks}
}

// BuildOnion wraps payload in one encryption layer per hop of path, and
// returns the plaintext envelope to be sent to the first hop.
//
// Only the first hop can open the envelope body, revealing a FORWARD packet
// addressed to the second hop, and so on.  The destination finds a STOP
// packet carrying payload.
func (b *Builder) BuildOnion(path Path, payload []byte) (*wire.Packet, error) {
	if path.Len() == 0 {
		return nil, ErrEmptyPath
	}

	// Resolve every key up front so that a missing key fails before any
	// encryption happens.
	keys := make([]*rsa.PublicKey, path.Len())
	for i, hop := range path {
		k, ok := b.ks.Lookup(hop)
		if !ok {
			return nil, &KeyMissingError{Hop: hop}
		}
		keys[i] = k
	}

	last := path.Len() - 1
	layer, err := seal(wire.NewPacket(wire.Stop, path[last].Addr(), payload), keys[last])
	if err != nil {
		return nil, err
	}
	for i := last - 1; i >= 0; i-- {
		next := path[i+1].Addr()
		if layer, err = seal(wire.NewPacket(wire.Forward, next, layer), keys[i]); err != nil {
			return nil, err
		}
	}
	if len(layer) > wire.MaxBodyLength {
		return nil, fmt.Errorf("%w: onion of %d bytes", wire.ErrBodyTooLarge, len(layer))
	}
	return wire.NewPacket(wire.Forward, path.First().Addr(), layer), nil
}

func seal(pkt *wire.Packet, key *rsa.PublicKey) ([]byte, error) {
	b, err := pkt.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return keystore.Seal(b, key)
}

// Overhead returns how many bytes the envelope body of an onion over n hops
// adds to a payload.
func Overhead(n int) int {
	return n * (wire.HeaderLength + keystore.SealOverheadLength)
}

// MaxPayloadLength returns the largest payload an onion over n hops can
// carry.
func MaxPayloadLength(n int) int {
	return wire.MaxBodyLength - Overhead(n)
}

// Peel removes the layer of a FORWARD packet addressed to this node,
// returning the inner packet.
func Peel(ks *keystore.Store, pkt *wire.Packet) (*wire.Packet, error) {
	if pkt.Kind != wire.Forward {
		return nil, errNotForward
	}
	return ks.DecryptPacket(pkt.Body)
}
