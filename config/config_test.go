// SPDX-FileCopyrightText: © 2026 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/relaynet/core/peer"
)

func TestConfig(t *testing.T) {
	require := require.New(t)

	_, err := Load(nil)
	require.Error(err, "Load() with nil config")

	const basicConfig = `# A basic configuration example.
[Node]
Identifier = "relay1.example.com"
Address = "127.0.0.1:9801"
DataDir = "/var/lib/relaynet"

[Logging]
Level = "debug"

[[Peers]]
Name = "relay2"
Address = "127.0.0.1:9802"
IsCore = true

[[Peers]]
Name = "edge"
Address = "10.0.0.7:7877"
`

	cfg, err := Load([]byte(basicConfig))
	require.NoError(err, "Load() with basic config")

	require.Equal("relay1.example.com", cfg.Node.Identifier)
	require.Equal(peer.Addr{IP: "127.0.0.1", Port: 9801}, cfg.Node.ListenAddr())
	require.Equal("tcp", cfg.Node.Transport)
	require.Equal(defaultMaxConnections, cfg.Node.MaxConnections)
	require.Equal(defaultReclaimInterval, cfg.Node.ReclaimInterval)
	require.Equal("/var/lib/relaynet/server.private.pem", cfg.Node.KeyFile(cfg.Node.ServerPrivateKeyFile))
	require.Equal("DEBUG", cfg.Logging.Level)

	require.Equal(defaultHopTimeout, cfg.Debug.HopTimeout)
	require.Equal(defaultReapJoinTimeout, cfg.Debug.ReapJoinTimeout)
	require.False(cfg.Debug.EnableRemoteShutdown)
	require.Equal(defaultConnectAttempts, cfg.Client.ConnectAttempts)

	core := cfg.CorePeers()
	require.Len(core, 1)
	require.Equal("relay2", core[0].Name)
	require.True(core[0].IsCore)
	require.Len(cfg.Peers, 2)
}

func TestDefaults(t *testing.T) {
	require := require.New(t)

	cfg, err := Load([]byte(""))
	require.NoError(err)
	require.Equal(defaultAddress, cfg.Node.Address)
	require.Equal(defaultLogLevel, cfg.Logging.Level)
	require.Equal(defaultMinRerouteTimeout, cfg.Client.MinRerouteTimeout)
	require.Equal(defaultMaxRerouteTimeout, cfg.Client.MaxRerouteTimeout)
	require.Equal("server.private.pem", cfg.Node.KeyFile(cfg.Node.ServerPrivateKeyFile))
}

func TestInvalid(t *testing.T) {
	for name, body := range map[string]string{
		"address":   "[Node]\nAddress = \"localhost:9801\"\n",
		"port":      "[Node]\nAddress = \"127.0.0.1:0\"\n",
		"transport": "[Node]\nTransport = \"udp\"\n",
		"datadir":   "[Node]\nDataDir = \"relative/dir\"\n",
		"metrics":   "[Node]\nMetricsAddress = \"nope\"\n",
		"level":     "[Logging]\nLevel = \"LOUD\"\n",
		"reroute":   "[Client]\nMinRerouteTimeout = 5000\nMaxRerouteTimeout = 1000\n",
		"self":      "[Node]\nAddress = \"127.0.0.1:9801\"\n[[Peers]]\nAddress = \"127.0.0.1:9801\"\n",
		"duplicate": "[[Peers]]\nAddress = \"127.0.0.1:9802\"\n[[Peers]]\nAddress = \"127.0.0.1:9802\"\n",
		"peer":      "[[Peers]]\nAddress = \"127.0.0.1\"\n",
		"longip":    "[[Peers]]\nAddress = \"192.168.100.200:7877\"\n",
		"undecoded": "[Node]\nBogus = 1\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load([]byte(body))
			require.Error(t, err)
		})
	}
}

func TestLoadFile(t *testing.T) {
	require := require.New(t)

	f := filepath.Join(t.TempDir(), "relay.toml")
	require.NoError(os.WriteFile(f, []byte("[Node]\nAddress = \"127.0.0.1:9805\"\nTransport = \"QUIC\"\n"), 0600))

	cfg, err := LoadFile(f)
	require.NoError(err)
	require.Equal("quic", cfg.Node.Transport)
	require.Equal(uint16(9805), cfg.Node.ListenAddr().Port)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(err)
}
