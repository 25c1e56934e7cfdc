// SPDX-FileCopyrightText: © 2026 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

// Package node provides the relay node.
package node

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/relaynet/client"
	"github.com/katzenpost/relaynet/config"
	"github.com/katzenpost/relaynet/core/keystore"
	"github.com/katzenpost/relaynet/core/log"
	"github.com/katzenpost/relaynet/core/peer"
	"github.com/katzenpost/relaynet/core/wire"
	"github.com/katzenpost/relaynet/core/worker"
	"github.com/katzenpost/relaynet/node/internal/glue"
	"github.com/katzenpost/relaynet/node/internal/incoming"
	"github.com/katzenpost/relaynet/node/internal/instrument"
	"github.com/katzenpost/relaynet/node/internal/keycache"
)

const deliveryQueueLength = 64

// ErrNoServerKey is the error returned when a node is created without a
// server key pair.
var ErrNoServerKey = errors.New("node: no server key pair")

// Delivery is a payload addressed to this node.
type Delivery struct {
	Kind    wire.MessageKind
	Payload []byte
}

// Node is a relay node.
type Node struct {
	worker.Worker

	cfg *config.Config
	ks  *keystore.Store

	listener glue.Listener
	client   *client.Client
	keyCache *keycache.Cache
	metrics  *instrument.Server

	logBackend *log.Backend
	log        *logging.Logger

	deliveryCh chan *Delivery

	remoteShutdownCh   chan interface{}
	remoteShutdownOnce sync.Once
	haltedCh           chan interface{}
	haltOnce           sync.Once
}

type nodeGlue struct {
	n *Node
}

func (g *nodeGlue) Config() *config.Config {
	return g.n.cfg
}

func (g *nodeGlue) LogBackend() *log.Backend {
	return g.n.logBackend
}

func (g *nodeGlue) KeyStore() *keystore.Store {
	return g.n.ks
}

func (g *nodeGlue) Deliver(kind wire.MessageKind, b []byte) {
	select {
	case g.n.deliveryCh <- &Delivery{Kind: kind, Payload: b}:
	default:
		g.n.log.Warningf("Delivery queue full, dropping %v payload.", kind)
	}
}

func (g *nodeGlue) OnRemoteShutdown() {
	g.n.remoteShutdownOnce.Do(func() {
		close(g.n.remoteShutdownCh)
		go g.n.Shutdown()
	})
}

func (n *Node) initDataDir() error {
	const dirMode = os.ModeDir | 0700
	d := n.cfg.Node.DataDir
	if d == "" {
		return nil
	}

	// Initialize the data directory, by ensuring that it exists (or can be
	// created), and that it has the appropriate permissions.
	if fi, err := os.Lstat(d); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("node: failed to stat() DataDir: %v", err)
		}
		if err = os.Mkdir(d, dirMode); err != nil {
			return fmt.Errorf("node: failed to create DataDir: %v", err)
		}
	} else {
		if !fi.IsDir() {
			return fmt.Errorf("node: DataDir '%v' is not a directory", d)
		}
		if fi.Mode() != dirMode {
			return fmt.Errorf("node: DataDir '%v' has invalid permissions '%v'", d, fi.Mode())
		}
	}
	return nil
}

func (n *Node) initLogging() error {
	p := n.cfg.Logging.File
	if !n.cfg.Logging.Disable && p != "" && !filepath.IsAbs(p) && n.cfg.Node.DataDir != "" {
		p = filepath.Join(n.cfg.Node.DataDir, p)
	}

	var err error
	n.logBackend, err = log.New(p, n.cfg.Logging.Level, n.cfg.Logging.Disable)
	if err == nil {
		n.log = n.logBackend.GetLogger("node")
	}
	return err
}

func (n *Node) initKeyCache() error {
	if n.cfg.Node.DataDir == "" {
		return nil
	}

	var err error
	f := filepath.Join(n.cfg.Node.DataDir, keycache.FileName)
	if n.keyCache, err = keycache.New(f); err != nil {
		return err
	}
	entries, bad, err := n.keyCache.Load()
	if err != nil {
		return err
	}
	restored := 0
	for _, e := range entries {
		if err := n.ks.SetKeyPEM(e.Peer, e.PEM); err != nil {
			n.log.Warningf("Dropping unusable cached key of %v: %v", e.Peer, err)
			n.keyCache.Remove(e.Peer.Addr())
			continue
		}
		restored++
	}
	if bad > 0 {
		n.log.Warningf("Removed %d corrupted key cache entries.", bad)
	}
	n.log.Noticef("Restored %d cached peer keys.", restored)
	return nil
}

func (n *Node) recordPeerKey(id peer.Identity, b []byte) {
	if n.keyCache == nil {
		return
	}
	if err := n.keyCache.Put(id, b); err != nil {
		n.log.Warningf("Failed to cache key of %v: %v", id, err)
	}
}

func (n *Node) bootstrap() {
	n.client.FetchCoreKeys(n.Context())
}

// Config returns the node configuration.
func (n *Node) Config() *config.Config {
	return n.cfg
}

// KeyStore returns the node key store.
func (n *Node) KeyStore() *keystore.Store {
	return n.ks
}

// LogBackend returns the node log backend.
func (n *Node) LogBackend() *log.Backend {
	return n.logBackend
}

// Client returns the client role of the node.
func (n *Node) Client() *client.Client {
	return n.client
}

// Addr returns the address the node accepts connections on.
func (n *Node) Addr() net.Addr {
	return n.listener.Addr()
}

// Sessions returns the number of tracked inbound sessions.
func (n *Node) Sessions() int {
	return n.listener.Sessions()
}

// Deliveries returns the channel payloads addressed to this node are
// written to.
func (n *Node) Deliveries() <-chan *Delivery {
	return n.deliveryCh
}

// RemoteShutdownCh returns a channel that is closed when a peer shuts the
// node down.
func (n *Node) RemoteShutdownCh() <-chan interface{} {
	return n.remoteShutdownCh
}

// RotateLog reopens the log file.
func (n *Node) RotateLog() error {
	return n.logBackend.Rotate()
}

// Shutdown cleanly shuts down a given Node instance.
func (n *Node) Shutdown() {
	n.haltOnce.Do(func() { n.halt() })
}

// Wait waits till the node is terminated for any reason.
func (n *Node) Wait() {
	<-n.haltedCh
}

func (n *Node) halt() {
	n.log.Noticef("Starting graceful shutdown.")

	// Stop accepting, and close every inbound session.
	if n.listener != nil {
		n.listener.Halt()
	}

	// Stop the key bootstrap, then close the client's own dialogs.
	n.Worker.Halt()
	if n.client != nil {
		n.client.Teardown()
	}

	if n.metrics != nil {
		n.metrics.Close()
	}
	if n.keyCache != nil {
		n.keyCache.Close()
	}

	n.log.Noticef("Shutdown complete.")
	close(n.haltedCh)
}

// New returns a new Node instance parameterized with the specified
// configuration and key store.
func New(cfg *config.Config, ks *keystore.Store) (*Node, error) {
	if ks == nil || ks.ServerKeyPair() == nil {
		return nil, ErrNoServerKey
	}

	n := &Node{
		cfg:              cfg,
		ks:               ks,
		deliveryCh:       make(chan *Delivery, deliveryQueueLength),
		remoteShutdownCh: make(chan interface{}),
		haltedCh:         make(chan interface{}),
	}

	// Do the early initialization and bring up logging.
	if err := n.initDataDir(); err != nil {
		return nil, err
	}
	if err := n.initLogging(); err != nil {
		return nil, err
	}

	n.log.Notice("Starting relay node.")
	if cfg.Logging.Level == "DEBUG" {
		n.log.Warning("Debug logging is enabled.")
	}
	if cfg.Debug.EnableRemoteShutdown {
		n.log.Warning("Remote shutdown is enabled.")
	}

	for _, v := range cfg.Peers {
		ks.AddPeer(v.Identity())
	}

	// Past this point, failures need to call n.Shutdown() to do cleanup.
	isOk := false
	defer func() {
		if !isOk {
			n.Shutdown()
		}
	}()

	if err := n.initKeyCache(); err != nil {
		n.log.Errorf("Failed to open key cache: %v", err)
		return nil, err
	}

	var err error
	if cfg.Node.MetricsAddress != "" {
		if n.metrics, err = instrument.Init(cfg.Node.MetricsAddress); err != nil {
			n.log.Errorf("Failed to start metrics: %v", err)
			return nil, err
		}
		n.log.Noticef("Serving metrics on: %v", n.metrics.Addr())
	}

	n.client = client.New(cfg, ks, n.logBackend, client.WithKeyHook(n.recordPeerKey))

	if n.listener, err = incoming.New(&nodeGlue{n}); err != nil {
		return nil, err
	}

	if len(cfg.CorePeers()) > 0 {
		n.Go(n.bootstrap)
	}

	isOk = true
	return n, nil
}
