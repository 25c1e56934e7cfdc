// SPDX-FileCopyrightText: © 2026 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

// Package link implements the outbound side of a relay dialog.
package link

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/relaynet/core/peer"
	"github.com/katzenpost/relaynet/core/transport"
	"github.com/katzenpost/relaynet/core/wire"
)

var (
	// ErrHopTimeout is the error returned when a peer fails to reply in
	// time.
	ErrHopTimeout = errors.New("link: hop timed out")

	// ErrBlocked is the error returned when a peer refuses the connection
	// because it is at capacity.
	ErrBlocked = errors.New("link: peer is at capacity")

	// ErrKeyDenied is the error returned when a peer refuses key exchange.
	ErrKeyDenied = errors.New("link: key exchange denied")

	// ErrUnexpectedReply is the error returned when a peer replies with a
	// packet the protocol does not allow at that point.
	ErrUnexpectedReply = errors.New("link: unexpected reply")

	// ErrClosed is the error returned when using a closed Link.
	ErrClosed = errors.New("link: closed")
)

// Config is the Link configuration.
type Config struct {
	// Transport is the transport name, see core/transport.
	Transport string

	// Timeout bounds every Exchange.  Zero disables the bound.
	Timeout time.Duration

	// ConnectTimeout bounds dialing.
	ConnectTimeout time.Duration

	// Log is the logger used by the Link, may be nil.
	Log *logging.Logger
}

// Link is a client dialog with one peer.  The dialog stays open across
// exchanges until Close is called.
type Link struct {
	sync.Mutex

	cfg     *Config
	addr    peer.Addr
	conn    net.Conn
	timeout time.Duration

	greeted bool
	closed  bool
}

// Dial opens a Link to addr.
func Dial(ctx context.Context, cfg *Config, addr peer.Addr) (*Link, error) {
	conn, err := transport.Dial(ctx, cfg.Transport, addr.String(), cfg.ConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("link: failed to dial %v: %w", addr, err)
	}
	if cfg.Log != nil {
		cfg.Log.Debugf("Connected to %v (%v).", addr, cfg.Transport)
	}
	return &Link{
		cfg:     cfg,
		addr:    addr,
		conn:    conn,
		timeout: cfg.Timeout,
	}, nil
}

// Addr returns the address of the peer.
func (l *Link) Addr() peer.Addr {
	return l.addr
}

// SetTimeout overrides the per exchange timeout of the Link.
func (l *Link) SetTimeout(d time.Duration) {
	l.Lock()
	defer l.Unlock()
	l.timeout = d
}

// Exchange writes pkt and returns the peer's reply.  The first exchange also
// consumes the peer's HELLO or BLOCK.
func (l *Link) Exchange(pkt *wire.Packet) (*wire.Packet, error) {
	l.Lock()
	defer l.Unlock()

	if l.closed {
		return nil, ErrClosed
	}
	if l.timeout > 0 {
		l.conn.SetDeadline(time.Now().Add(l.timeout))
		defer l.conn.SetDeadline(time.Time{})
	}

	if err := wire.WritePacket(l.conn, pkt); err != nil {
		return nil, l.mapError(err)
	}

	if !l.greeted {
		ctrl, err := wire.ReadPacket(l.conn)
		if err != nil {
			return nil, l.mapError(err)
		}
		switch ctrl.Kind {
		case wire.Hello:
			l.greeted = true
		case wire.Block:
			l.closeLocked()
			return nil, ErrBlocked
		default:
			l.closeLocked()
			return nil, fmt.Errorf("%w: %v instead of HELLO", ErrUnexpectedReply, ctrl.Kind)
		}
	}

	reply, err := wire.ReadPacket(l.conn)
	if err != nil {
		return nil, l.mapError(err)
	}
	return reply, nil
}

func (l *Link) mapError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrHopTimeout, l.addr)
	}
	return fmt.Errorf("link: %v: %w", l.addr, err)
}

// Close closes the Link.
func (l *Link) Close() error {
	l.Lock()
	defer l.Unlock()
	return l.closeLocked()
}

func (l *Link) closeLocked() error {
	if l.closed {
		return nil
	}
	l.closed = true
	return l.conn.Close()
}

// FetchKey asks the peer at addr for its public key, and returns the PEM
// encoded key.  The dialog is closed afterwards.
func FetchKey(ctx context.Context, cfg *Config, addr peer.Addr) ([]byte, error) {
	l, err := Dial(ctx, cfg, addr)
	if err != nil {
		return nil, err
	}
	defer l.Close()

	reply, err := l.Exchange(wire.Control(wire.GetKey))
	switch {
	case errors.Is(err, ErrBlocked):
		return nil, fmt.Errorf("%w: %v", ErrKeyDenied, err)
	case err != nil:
		return nil, err
	}

	switch reply.Kind {
	case wire.IsKey:
		if len(reply.Body) == 0 {
			return nil, fmt.Errorf("%w: empty ISKEY", ErrUnexpectedReply)
		}
		return reply.Body, nil
	case wire.Block, wire.Deny:
		return nil, ErrKeyDenied
	default:
		return nil, fmt.Errorf("%w: %v to GETKEY", ErrUnexpectedReply, reply.Kind)
	}
}
