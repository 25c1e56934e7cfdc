// SPDX-FileCopyrightText: © 2026 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

package circuit

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"

	"github.com/katzenpost/relaynet/core/peer"
)

var (
	// ErrEmptyPath is the error returned when building an onion over a
	// path without hops.
	ErrEmptyPath = errors.New("circuit: empty path")

	// ErrNotEnoughPeers is the error returned by Select when there are fewer
	// candidates than requested hops.
	ErrNotEnoughPeers = errors.New("circuit: not enough peers")
)

// Path is an ordered list of hops.  The last hop is the destination, every
// hop before it is a relay.
type Path []peer.Identity

// Append returns the path extended by hop.
func (p Path) Append(hop peer.Identity) Path {
	return append(p, hop)
}

// Len returns the number of hops.
func (p Path) Len() int {
	return len(p)
}

// First returns the entry hop.
func (p Path) First() peer.Identity {
	return p[0]
}

// Last returns the destination.
func (p Path) Last() peer.Identity {
	return p[len(p)-1]
}

func (p Path) String() string {
	s := make([]string, 0, len(p))
	for _, h := range p {
		s = append(s, h.Addr().String())
	}
	return "[" + strings.Join(s, " -> ") + "]"
}

// Select picks depth distinct hops out of candidates, uniformly at random.
// A nil r uses crypto/rand.
func Select(candidates []peer.Identity, depth int, r io.Reader) (Path, error) {
	if depth <= 0 {
		return nil, fmt.Errorf("circuit: invalid depth %d", depth)
	}
	if r == nil {
		r = rand.Reader
	}

	uniq := make([]peer.Identity, 0, len(candidates))
	seen := make(map[peer.Addr]bool)
	for _, c := range candidates {
		if seen[c.Addr()] {
			continue
		}
		seen[c.Addr()] = true
		uniq = append(uniq, c)
	}
	if len(uniq) < depth {
		return nil, fmt.Errorf("%w: want %d, have %d", ErrNotEnoughPeers, depth, len(uniq))
	}

	// Partial Fisher-Yates, the first depth entries are the selection.
	for i := 0; i < depth; i++ {
		n, err := rand.Int(r, big.NewInt(int64(len(uniq)-i)))
		if err != nil {
			return nil, err
		}
		j := i + int(n.Int64())
		uniq[i], uniq[j] = uniq[j], uniq[i]
	}
	return Path(uniq[:depth]), nil
}
