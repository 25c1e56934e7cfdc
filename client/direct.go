// SPDX-FileCopyrightText: © 2026 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"context"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/katzenpost/relaynet/core/keystore"
	"github.com/katzenpost/relaynet/core/link"
	"github.com/katzenpost/relaynet/core/peer"
	"github.com/katzenpost/relaynet/core/wire"
)

// dialog runs fn over a fresh direct dialog with id.
func (c *Client) dialog(ctx context.Context, id peer.Identity, fn func(*link.Link) error) error {
	l, err := link.Dial(ctx, c.linkCfg, id.Addr())
	if err != nil {
		return err
	}
	defer l.Close()

	reply, err := l.Exchange(wire.Control(wire.Hello))
	if err != nil {
		return err
	}
	if reply.Kind != wire.Okay {
		return fmt.Errorf("%w: %v to HELLO", link.ErrUnexpectedReply, reply.Kind)
	}
	if err = fn(l); err != nil {
		return err
	}

	// Best effort, the peer closes after acknowledging.
	l.Exchange(wire.Control(wire.Exit))
	return nil
}

func expect(reply *wire.Packet, kind wire.MessageKind) error {
	switch reply.Kind {
	case kind:
		return nil
	case wire.Deny, wire.Block:
		return fmt.Errorf("%w: %v", ErrDenied, reply.Kind)
	default:
		return fmt.Errorf("%w: %v instead of %v", link.ErrUnexpectedReply, reply.Kind, kind)
	}
}

// Echo sends msg to id and returns what the peer echoed.
func (c *Client) Echo(ctx context.Context, id peer.Identity, msg []byte) ([]byte, error) {
	var echoed []byte
	err := c.dialog(ctx, id, func(l *link.Link) error {
		reply, err := l.Exchange(&wire.Packet{Kind: wire.Echo, Body: msg})
		if err != nil {
			return err
		}
		if err = expect(reply, wire.Echo); err != nil {
			return err
		}
		echoed = reply.Body
		return nil
	})
	return echoed, err
}

// SendText delivers a plaintext message directly to id.
func (c *Client) SendText(ctx context.Context, id peer.Identity, msg string) error {
	return c.dialog(ctx, id, func(l *link.Link) error {
		reply, err := l.Exchange(&wire.Packet{Kind: wire.Text, Body: []byte(msg)})
		if err != nil {
			return err
		}
		return expect(reply, wire.Okay)
	})
}

// SendSealed delivers msg directly to id, sealed under its key.
func (c *Client) SendSealed(ctx context.Context, id peer.Identity, msg []byte) error {
	key, ok := c.ks.Lookup(id)
	if !ok {
		return &keystore.UnknownPeerKeyError{Peer: id}
	}
	sealed, err := keystore.Seal(msg, key)
	if err != nil {
		return err
	}
	return c.dialog(ctx, id, func(l *link.Link) error {
		reply, err := l.Exchange(&wire.Packet{Kind: wire.Enc, Body: sealed})
		if err != nil {
			return err
		}
		return expect(reply, wire.Okay)
	})
}

// Peers asks id for the peers it knows of.
func (c *Client) Peers(ctx context.Context, id peer.Identity) ([]peer.Identity, error) {
	var peers []peer.Identity
	err := c.dialog(ctx, id, func(l *link.Link) error {
		reply, err := l.Exchange(wire.Control(wire.Peers))
		if err != nil {
			return err
		}
		if err = expect(reply, wire.Peers); err != nil {
			return err
		}
		if err = cbor.Unmarshal(reply.Body, &peers); err != nil {
			return fmt.Errorf("client: bad PEERS body: %w", err)
		}
		return nil
	})
	return peers, err
}

// Shutdown asks id to shut down.  Peers only honor this when configured to.
func (c *Client) Shutdown(ctx context.Context, id peer.Identity) error {
	l, err := link.Dial(ctx, c.linkCfg, id.Addr())
	if err != nil {
		return err
	}
	defer l.Close()

	reply, err := l.Exchange(wire.Control(wire.Hello))
	if err != nil {
		return err
	}
	if err = expect(reply, wire.Okay); err != nil {
		return err
	}
	if reply, err = l.Exchange(wire.Control(wire.Shutdown)); err != nil {
		return err
	}
	return expect(reply, wire.Okay)
}
