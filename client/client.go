// SPDX-FileCopyrightText: © 2026 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

// Package client implements the client role of a relay node: key exchange,
// path selection and onion submission.
package client

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	mrand "math/rand/v2"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/relaynet/config"
	"github.com/katzenpost/relaynet/core/circuit"
	"github.com/katzenpost/relaynet/core/keystore"
	"github.com/katzenpost/relaynet/core/link"
	"github.com/katzenpost/relaynet/core/log"
	"github.com/katzenpost/relaynet/core/peer"
	"github.com/katzenpost/relaynet/core/retry"
	"github.com/katzenpost/relaynet/core/wire"
)

var (
	// ErrNoPath is the error returned when sending without any hop set.
	ErrNoPath = errors.New("client: no path")

	// ErrDenied is the error returned when a peer refuses a request.
	ErrDenied = errors.New("client: request denied")
)

// KeyHook is called with every key learned through key exchange.
type KeyHook func(peer.Identity, []byte)

// Option configures a Client.
type Option func(*Client)

// WithKeyHook sets the hook called on every learned key.
func WithKeyHook(fn KeyHook) Option {
	return func(c *Client) {
		c.keyHook = fn
	}
}

// Client talks to relays on behalf of the local node.
type Client struct {
	sync.Mutex

	cfg     *config.Config
	ks      *keystore.Store
	log     *logging.Logger
	linkCfg *link.Config
	builder *circuit.Builder
	keyHook KeyHook

	path      circuit.Path
	autoDepth int
	rerouteAt time.Time
	first     *link.Link
}

// New returns a new Client.
func New(cfg *config.Config, ks *keystore.Store, backend *log.Backend, opts ...Option) *Client {
	c := &Client{
		cfg:     cfg,
		ks:      ks,
		log:     backend.GetLogger("client"),
		builder: circuit.NewBuilder(ks),
	}
	c.linkCfg = &link.Config{
		Transport:      cfg.Node.Transport,
		Timeout:        time.Duration(cfg.Debug.HopTimeout) * time.Millisecond,
		ConnectTimeout: time.Duration(cfg.Debug.ConnectTimeout) * time.Millisecond,
		Log:            backend.GetLogger("link"),
	}
	for _, opt := range opts {
		opt(c)
	}
	for _, id := range cfg.CorePeers() {
		ks.AddPeer(id)
	}
	return c
}

// FetchKey exchanges keys with id and records the result.
func (c *Client) FetchKey(ctx context.Context, id peer.Identity) error {
	b, err := link.FetchKey(ctx, c.linkCfg, id.Addr())
	if err != nil {
		return err
	}
	if err = c.ks.SetKeyPEM(id, b); err != nil {
		return fmt.Errorf("client: bad key from %v: %w", id, err)
	}
	c.log.Debugf("Learned key of %v.", id)
	if c.keyHook != nil {
		c.keyHook(id, b)
	}
	return nil
}

// FetchCoreKeys exchanges keys with every configured core peer, retrying
// transient failures, and returns how many core peers have a usable key.
func (c *Client) FetchCoreKeys(ctx context.Context) int {
	policy := retry.DefaultPolicy()
	policy.MaxAttempts = c.cfg.Client.ConnectAttempts

	core := c.cfg.CorePeers()
	loaded := 0
	for _, id := range core {
		err := retry.Do(ctx, policy, func(attempt int) error {
			if attempt > 0 {
				c.log.Debugf("Retrying key exchange with %v (attempt %d).", id, attempt+1)
			}
			return c.FetchKey(ctx, id)
		})
		switch {
		case err == nil:
			loaded++
		default:
			if _, ok := c.ks.Lookup(id); ok {
				c.log.Warningf("Key exchange with %v failed, using cached key: %v", id, err)
				loaded++
			} else {
				c.log.Warningf("Key exchange with %v failed: %v", id, err)
			}
		}
	}
	c.log.Noticef("Loaded %d/%d peer keys.", loaded, len(core))
	return loaded
}

// AddHop appends id to the current path.
func (c *Client) AddHop(id peer.Identity) {
	c.Lock()
	defer c.Unlock()

	c.ks.AddPeer(id)
	c.path = c.path.Append(id)
	c.autoDepth = 0
}

// AutoRoute replaces the current path with depth distinct core peers with
// known keys, picked at random.
func (c *Client) AutoRoute(depth int) (circuit.Path, error) {
	c.Lock()
	defer c.Unlock()

	if err := c.autoRouteLocked(depth); err != nil {
		return nil, err
	}
	return c.pathLocked(), nil
}

func (c *Client) autoRouteLocked(depth int) error {
	self := c.cfg.Node.ListenAddr()
	var candidates []peer.Identity
	for _, id := range c.ks.KnownKeys() {
		if id.IsCore && id.Addr() != self {
			candidates = append(candidates, id)
		}
	}
	path, err := circuit.Select(candidates, depth, rand.Reader)
	if err != nil {
		return err
	}

	minLife := time.Duration(c.cfg.Client.MinRerouteTimeout) * time.Millisecond
	maxLife := time.Duration(c.cfg.Client.MaxRerouteTimeout) * time.Millisecond
	life := minLife
	if maxLife > minLife {
		life += mrand.N(maxLife - minLife)
	}

	c.closeFirstLocked()
	c.path = path
	c.autoDepth = depth
	c.rerouteAt = time.Now().Add(life)
	c.log.Debugf("Selected path %v, valid for %v.", path, life)
	return nil
}

// Path returns a copy of the current path.
func (c *Client) Path() circuit.Path {
	c.Lock()
	defer c.Unlock()
	return c.pathLocked()
}

func (c *Client) pathLocked() circuit.Path {
	return append(circuit.Path(nil), c.path...)
}

// BuildAndSend wraps payload into an onion over the current path, sends it
// to the first hop and returns the reply.  The dialog with the first hop is
// kept open for subsequent sends.
func (c *Client) BuildAndSend(ctx context.Context, payload []byte) (*wire.Packet, error) {
	c.Lock()
	defer c.Unlock()

	if c.path.Len() == 0 {
		return nil, ErrNoPath
	}
	if c.autoDepth > 0 && time.Now().After(c.rerouteAt) {
		c.log.Debugf("Path expired, selecting a new one.")
		if err := c.autoRouteLocked(c.autoDepth); err != nil {
			return nil, err
		}
	}

	onion, err := c.builder.BuildOnion(c.path, payload)
	if err != nil {
		return nil, err
	}

	first := c.path.First().Addr()
	if c.first != nil && c.first.Addr() != first {
		c.closeFirstLocked()
	}
	if c.first == nil {
		if c.first, err = link.Dial(ctx, c.linkCfg, first); err != nil {
			return nil, err
		}
	}
	// Every hop may wait a full hop timeout on the next one.
	c.first.SetTimeout(c.linkCfg.Timeout * time.Duration(c.path.Len()+1))

	c.log.Debugf("Sending %d byte payload over %v.", len(payload), c.path)
	reply, err := c.first.Exchange(onion)
	if err != nil {
		c.closeFirstLocked()
		return nil, err
	}
	if reply.Kind == wire.Deny {
		// A relay that could not reach its next hop ends the session, so
		// the next send has to redial.
		c.closeFirstLocked()
	}
	return reply, nil
}

// Teardown ends the dialog with the first hop, which propagates the EXIT
// along the circuit, and clears the path.
func (c *Client) Teardown() {
	c.Lock()
	defer c.Unlock()

	if c.first != nil {
		if _, err := c.first.Exchange(wire.Control(wire.Exit)); err != nil {
			c.log.Debugf("EXIT to %v failed: %v", c.first.Addr(), err)
		}
	}
	c.closeFirstLocked()
	c.path = nil
	c.autoDepth = 0
}

func (c *Client) closeFirstLocked() {
	if c.first != nil {
		c.first.Close()
		c.first = nil
	}
}
