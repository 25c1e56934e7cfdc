// SPDX-FileCopyrightText: © 2026 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

// Package config provides the relay node configuration.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/net/idna"

	"github.com/BurntSushi/toml"

	"github.com/katzenpost/relaynet/core/peer"
	"github.com/katzenpost/relaynet/core/transport"
	"github.com/katzenpost/relaynet/core/wire"
)

const (
	defaultAddress           = "127.0.0.1:7877"
	defaultLogLevel          = "NOTICE"
	defaultMaxConnections    = 5
	defaultReclaimInterval   = 30 * 1000  // 30 sec.
	defaultMinRerouteTimeout = 60 * 1000  // 60 sec.
	defaultMaxRerouteTimeout = 300 * 1000 // 5 min.
	defaultConnectAttempts   = 3
	defaultHandshakeTimeout  = 30 * 1000 // 30 sec.
	defaultDrainTimeout      = 5 * 1000  // 5 sec.
	defaultHopTimeout        = 10 * 1000 // 10 sec.
	defaultConnectTimeout    = 60 * 1000 // 60 sec.
	defaultReapJoinTimeout   = 10        // 10 ms.

	defaultServerKeyFile = "server.private.pem"
	defaultClientKeyFile = "client.private.pem"
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Node is the relay node configuration.
type Node struct {
	// Identifier is the human readable identifier for the node.
	Identifier string

	// Address is the ip:port the node listens on.
	Address string

	// Transport is the transport used for every connection, "tcp" or
	// "quic".
	Transport string

	// MaxConnections is the maximum number of concurrently tracked
	// sessions.
	MaxConnections int

	// ReclaimInterval is the interval at which finished sessions are
	// reclaimed in milliseconds.
	ReclaimInterval int

	// DataDir is the absolute path to the node's state files.  When empty
	// nothing is persisted.
	DataDir string

	// MetricsAddress is the address/port to bind the prometheus metrics
	// endpoint to.
	MetricsAddress string

	// ServerPrivateKeyFile is the server key file, relative paths are
	// resolved against DataDir.
	ServerPrivateKeyFile string

	// ClientPrivateKeyFile is the client key file, relative paths are
	// resolved against DataDir.
	ClientPrivateKeyFile string
}

// ListenAddr returns the parsed listen address.
func (nCfg *Node) ListenAddr() peer.Addr {
	addr, err := peer.ParseAddr(nCfg.Address)
	if err != nil {
		// Validated by FixupAndValidate.
		panic(err)
	}
	return addr
}

func (nCfg *Node) applyDefaults() {
	if nCfg.Address == "" {
		nCfg.Address = defaultAddress
	}
	if nCfg.Transport == "" {
		nCfg.Transport = transport.TCP
	}
	if nCfg.MaxConnections <= 0 {
		nCfg.MaxConnections = defaultMaxConnections
	}
	if nCfg.ReclaimInterval <= 0 {
		nCfg.ReclaimInterval = defaultReclaimInterval
	}
	if nCfg.ServerPrivateKeyFile == "" {
		nCfg.ServerPrivateKeyFile = defaultServerKeyFile
	}
	if nCfg.ClientPrivateKeyFile == "" {
		nCfg.ClientPrivateKeyFile = defaultClientKeyFile
	}
}

func (nCfg *Node) validate() error {
	addr, err := peer.ParseAddr(nCfg.Address)
	if err != nil {
		return fmt.Errorf("config: Node: Address '%v' is invalid: %v", nCfg.Address, err)
	}
	if len(addr.IP) > wire.MaxDestIPLength {
		return fmt.Errorf("config: Node: Address '%v' is invalid: IP longer than %d bytes", nCfg.Address, wire.MaxDestIPLength)
	}
	nCfg.Transport = strings.ToLower(nCfg.Transport)
	if !transport.IsValid(nCfg.Transport) {
		return fmt.Errorf("config: Node: Transport '%v' is invalid", nCfg.Transport)
	}
	if nCfg.DataDir != "" && !filepath.IsAbs(nCfg.DataDir) {
		return fmt.Errorf("config: Node: DataDir '%v' is not an absolute path", nCfg.DataDir)
	}
	if nCfg.MetricsAddress != "" {
		if _, err := netip.ParseAddrPort(nCfg.MetricsAddress); err != nil {
			return fmt.Errorf("config: Node: MetricsAddress '%v' is invalid: %v", nCfg.MetricsAddress, err)
		}
	}
	return nil
}

// KeyFile resolves a key file name against DataDir.
func (nCfg *Node) KeyFile(f string) string {
	if filepath.IsAbs(f) || nCfg.DataDir == "" {
		return f
	}
	return filepath.Join(nCfg.DataDir, f)
}

// Peer is a statically configured peer.
type Peer struct {
	// Name is the human readable name of the peer.
	Name string

	// Address is the ip:port of the peer.
	Address string

	// IsCore marks the peer as part of the core relay set used for
	// automatic routing.
	IsCore bool
}

// Identity returns the peer identity.
func (pCfg *Peer) Identity() peer.Identity {
	addr, err := peer.ParseAddr(pCfg.Address)
	if err != nil {
		// Validated by FixupAndValidate.
		panic(err)
	}
	return peer.New(addr, pCfg.Name, pCfg.IsCore)
}

func (pCfg *Peer) validate() error {
	addr, err := peer.ParseAddr(pCfg.Address)
	if err != nil {
		return fmt.Errorf("config: Peer: Address '%v' is invalid: %v", pCfg.Address, err)
	}
	// Peers are packet destinations, their IP must fit the frame header.
	if len(addr.IP) > wire.MaxDestIPLength {
		return fmt.Errorf("config: Peer: Address '%v' is invalid: IP longer than %d bytes", pCfg.Address, wire.MaxDestIPLength)
	}
	return nil
}

// Client is the client role configuration.
type Client struct {
	// MinRerouteTimeout is the minimum lifetime of an automatically
	// selected path in milliseconds.
	MinRerouteTimeout int

	// MaxRerouteTimeout is the maximum lifetime of an automatically
	// selected path in milliseconds.
	MaxRerouteTimeout int

	// ConnectAttempts is the number of attempts made when fetching the key
	// of a core peer.
	ConnectAttempts int
}

func (cCfg *Client) applyDefaults() {
	if cCfg.MinRerouteTimeout <= 0 {
		cCfg.MinRerouteTimeout = defaultMinRerouteTimeout
	}
	if cCfg.MaxRerouteTimeout <= 0 {
		cCfg.MaxRerouteTimeout = defaultMaxRerouteTimeout
	}
	if cCfg.ConnectAttempts <= 0 {
		cCfg.ConnectAttempts = defaultConnectAttempts
	}
}

func (cCfg *Client) validate() error {
	if cCfg.MinRerouteTimeout > cCfg.MaxRerouteTimeout {
		return fmt.Errorf("config: Client: MinRerouteTimeout %v exceeds MaxRerouteTimeout %v", cCfg.MinRerouteTimeout, cCfg.MaxRerouteTimeout)
	}
	return nil
}

// Debug is the relay node debug configuration.
type Debug struct {
	// HandshakeTimeout specifies the maximum time a connection may take to
	// send its first packet in milliseconds.
	HandshakeTimeout int

	// DrainTimeout specifies the maximum time spent reading the first
	// packet of a rejected connection in milliseconds.
	DrainTimeout int

	// HopTimeout specifies the maximum time a downstream hop may take to
	// reply in milliseconds.
	HopTimeout int

	// ConnectTimeout specifies the maximum time a connection can take to
	// establish in milliseconds.
	ConnectTimeout int

	// ReapJoinTimeout specifies how long the reaper waits on a single
	// session in milliseconds.
	ReapJoinTimeout int

	// DisableKeyExchange makes the node refuse GETKEY requests.
	DisableKeyExchange bool

	// EnableRemoteShutdown lets peers stop the node with SHUTDOWN.  This
	// option should only be used for testing.
	EnableRemoteShutdown bool
}

func (dCfg *Debug) applyDefaults() {
	if dCfg.HandshakeTimeout <= 0 {
		dCfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if dCfg.DrainTimeout <= 0 {
		dCfg.DrainTimeout = defaultDrainTimeout
	}
	if dCfg.HopTimeout <= 0 {
		dCfg.HopTimeout = defaultHopTimeout
	}
	if dCfg.ConnectTimeout <= 0 {
		dCfg.ConnectTimeout = defaultConnectTimeout
	}
	if dCfg.ReapJoinTimeout <= 0 {
		dCfg.ReapJoinTimeout = defaultReapJoinTimeout
	}
}

// Logging is the relay node logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl
	return nil
}

// Config is the top level relay node configuration.
type Config struct {
	Node    *Node
	Logging *Logging
	Peers   []*Peer
	Client  *Client
	Debug   *Debug
}

// CorePeers returns the identities of the configured core peers.
func (cfg *Config) CorePeers() []peer.Identity {
	var ids []peer.Identity
	for _, v := range cfg.Peers {
		if v.IsCore {
			ids = append(ids, v.Identity())
		}
	}
	return ids
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.  Most people should call one of the Load variants
// instead.
func (cfg *Config) FixupAndValidate() error {
	if cfg.Node == nil {
		cfg.Node = &Node{}
	}
	if cfg.Logging == nil {
		l := defaultLogging
		cfg.Logging = &l
	}
	if cfg.Client == nil {
		cfg.Client = &Client{}
	}
	if cfg.Debug == nil {
		cfg.Debug = &Debug{}
	}

	cfg.Node.applyDefaults()
	cfg.Client.applyDefaults()
	cfg.Debug.applyDefaults()

	if err := cfg.Node.validate(); err != nil {
		return err
	}
	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	if err := cfg.Client.validate(); err != nil {
		return err
	}

	self := cfg.Node.ListenAddr()
	seen := make(map[peer.Addr]bool)
	for _, v := range cfg.Peers {
		if err := v.validate(); err != nil {
			return err
		}
		id := v.Identity()
		if id.Addr() == self {
			return fmt.Errorf("config: Peer: Address '%v' is this node", v.Address)
		}
		if seen[id.Addr()] {
			return fmt.Errorf("config: Peer: Address '%v' is listed more than once", v.Address)
		}
		seen[id.Addr()] = true
	}

	var err error
	if cfg.Node.Identifier != "" {
		cfg.Node.Identifier, err = idna.Lookup.ToASCII(cfg.Node.Identifier)
		if err != nil {
			return fmt.Errorf("config: Failed to normalize Identifier: %v", err)
		}
	}
	return nil
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	if b == nil {
		return nil, errors.New("config: nil buffer as config file")
	}

	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
