// SPDX-FileCopyrightText: © 2026 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

// Package transport provides the stream transports relays talk over.
package transport

import (
	"context"
	"fmt"
	"net"
	"time"
)

const (
	// TCP is plain TCP.
	TCP = "tcp"

	// QUIC is a single QUIC stream per connection.
	QUIC = "quic"

	// KeepAliveInterval is the TCP keep alive interval.
	KeepAliveInterval = 3 * time.Minute
)

// IsValid returns true iff name is a supported transport.
func IsValid(name string) bool {
	switch name {
	case TCP, QUIC:
		return true
	default:
		return false
	}
}

// Listen starts a listener for the named transport on addr.
func Listen(name, addr string) (net.Listener, error) {
	switch name {
	case TCP, "":
		return net.Listen("tcp", addr)
	case QUIC:
		return listenQUIC(addr)
	default:
		return nil, fmt.Errorf("transport: unsupported transport '%v'", name)
	}
}

// Dial connects to addr over the named transport.  A zero timeout only
// relies on ctx.
func Dial(ctx context.Context, name, addr string, timeout time.Duration) (net.Conn, error) {
	if timeout > 0 {
		var cancelFn context.CancelFunc
		ctx, cancelFn = context.WithTimeout(ctx, timeout)
		defer cancelFn()
	}
	switch name {
	case TCP, "":
		dialer := net.Dialer{
			KeepAlive: KeepAliveInterval,
		}
		return dialer.DialContext(ctx, "tcp", addr)
	case QUIC:
		return dialQUIC(ctx, addr)
	default:
		return nil, fmt.Errorf("transport: unsupported transport '%v'", name)
	}
}
