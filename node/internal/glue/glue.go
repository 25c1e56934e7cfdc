// SPDX-FileCopyrightText: © 2026 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

// Package glue implements the glue structure that ties all the internal
// subpackages together.
package glue

import (
	"net"

	"github.com/katzenpost/relaynet/config"
	"github.com/katzenpost/relaynet/core/keystore"
	"github.com/katzenpost/relaynet/core/log"
	"github.com/katzenpost/relaynet/core/wire"
)

// Glue is the structure that binds the internal components together.
type Glue interface {
	Config() *config.Config
	LogBackend() *log.Backend
	KeyStore() *keystore.Store

	// Deliver hands a payload addressed to this node to the application.
	Deliver(wire.MessageKind, []byte)

	// OnRemoteShutdown is called once a peer successfully asked the node
	// to shut down.  It must not block.
	OnRemoteShutdown()
}

// Listener is the connection manager.
type Listener interface {
	Halt()
	StopAccepting()
	Sessions() int
	Reap() int
	Addr() net.Addr
}
