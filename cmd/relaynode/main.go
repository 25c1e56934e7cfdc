// SPDX-FileCopyrightText: © 2026 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/katzenpost/relaynet/common"
	"github.com/katzenpost/relaynet/config"
	"github.com/katzenpost/relaynet/core/keystore"
	"github.com/katzenpost/relaynet/core/pem"
	"github.com/katzenpost/relaynet/node"
)

const defaultConfigFile = "relaynode.toml"

// Config holds the command line configuration shared by every command.
type Config struct {
	ConfigFile string
}

// newRootCommand creates the root cobra command.
func newRootCommand() *cobra.Command {
	var cfg Config

	cmd := &cobra.Command{
		Use:   "relaynode",
		Short: "Onion relay node",
		Long: `relaynode runs and talks to the nodes of an onion relay network.

Every node is both a relay and a client. As a relay it accepts a bounded
number of concurrent sessions, peels one encryption layer off each onion it
receives and either delivers the payload or forwards the inner onion to the
next hop. As a client it exchanges keys with the configured core peers,
picks random paths through them and wraps payloads into onions.`,
		Example: `  # Run a node with the default configuration file
  relaynode run

  # Run a node with a custom configuration file
  relaynode run -f /etc/relaynet/node.toml

  # Send a message over two explicit hops
  relaynode send --hop 127.0.0.1:7001 --hop 127.0.0.1:7002 "hello"

  # Send a message over three random core peers
  relaynode send --autoroute 3 "hello"`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&cfg.ConfigFile, "config", "f", defaultConfigFile,
		"path to the node configuration file (TOML format)")

	cmd.AddCommand(
		newRunCommand(&cfg),
		newGenKeysCommand(&cfg),
		newGetKeyCommand(&cfg),
		newEchoCommand(&cfg),
		newTextCommand(&cfg),
		newSendCommand(&cfg),
		newPeersCommand(&cfg),
		newShutdownCommand(&cfg),
	)
	return cmd
}

func main() {
	common.ExecuteWithFang(context.Background(), newRootCommand())
}

// loadConfig loads f.  A missing default config file yields the default
// configuration.
func loadConfig(f string) (*config.Config, error) {
	if _, err := os.Stat(f); os.IsNotExist(err) && f == defaultConfigFile {
		return config.Load([]byte{})
	}
	cfg, err := config.LoadFile(f)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file '%v': %v", f, err)
	}
	return cfg, nil
}

// ensureDataDir creates the data directory so that key files can be placed
// in it before the node itself starts.
func ensureDataDir(cfg *config.Config) error {
	if cfg.Node.DataDir == "" {
		return nil
	}
	if err := os.MkdirAll(cfg.Node.DataDir, 0700); err != nil {
		return fmt.Errorf("failed to create DataDir: %v", err)
	}
	return nil
}

func loadKeys(cfg *config.Config) (*keystore.Store, error) {
	if err := ensureDataDir(cfg); err != nil {
		return nil, err
	}
	serverKey, created, err := pem.LoadOrGenerate(cfg.Node.KeyFile(cfg.Node.ServerPrivateKeyFile))
	if err != nil {
		return nil, fmt.Errorf("failed to load server key: %v", err)
	}
	if created {
		fmt.Fprintf(os.Stderr, "Generated a new server key in %s\n", cfg.Node.KeyFile(cfg.Node.ServerPrivateKeyFile))
	}
	clientKey, created, err := pem.LoadOrGenerate(cfg.Node.KeyFile(cfg.Node.ClientPrivateKeyFile))
	if err != nil {
		return nil, fmt.Errorf("failed to load client key: %v", err)
	}
	if created {
		fmt.Fprintf(os.Stderr, "Generated a new client key in %s\n", cfg.Node.KeyFile(cfg.Node.ClientPrivateKeyFile))
	}
	return keystore.New(serverKey, clientKey), nil
}

func newRunCommand(rootCfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run a relay node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(rootCfg.ConfigFile)
		},
	}
}

func runNode(configFile string) error {
	// Ensure that a sane number of OS threads is allowed.
	if os.Getenv("GOMAXPROCS") == "" {
		// But only if the user isn't trying to override it.
		nProcs := runtime.GOMAXPROCS(0)
		nCPU := runtime.NumCPU()
		if nProcs < nCPU {
			runtime.GOMAXPROCS(nCPU)
		}
	}

	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	ks, err := loadKeys(cfg)
	if err != nil {
		return err
	}

	// Setup the signal handling.
	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)

	rotateCh := make(chan os.Signal, 1)
	signal.Notify(rotateCh, syscall.SIGHUP)

	n, err := node.New(cfg, ks)
	if err != nil {
		return fmt.Errorf("failed to spawn node instance: %v", err)
	}
	defer n.Shutdown()
	l := n.LogBackend().GetLogger("main")

	// Halt the node gracefully on SIGINT/SIGTERM.
	go func() {
		<-haltCh
		n.Shutdown()
	}()

	// Rotate node logs upon SIGHUP.
	go func() {
		for range rotateCh {
			if err := n.RotateLog(); err != nil {
				l.Errorf("Failed to rotate log: %v", err)
			}
		}
	}()

	go func() {
		for d := range n.Deliveries() {
			l.Noticef("Delivered %v message (%d bytes).", d.Kind, len(d.Payload))
		}
	}()

	// Wait for the node to explode or be terminated.
	n.Wait()
	select {
	case <-n.RemoteShutdownCh():
		l.Notice("Stopped on remote request.")
	default:
	}
	return nil
}

func newGenKeysCommand(rootCfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "genkeys",
		Short: "Generate the node's server and client key pairs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootCfg.ConfigFile)
			if err != nil {
				return err
			}
			if err = ensureDataDir(cfg); err != nil {
				return err
			}
			serverOut := cfg.Node.KeyFile(cfg.Node.ServerPrivateKeyFile)
			clientOut := cfg.Node.KeyFile(cfg.Node.ClientPrivateKeyFile)
			return generateKeys(cmd, serverOut, clientOut)
		},
	}
}

func generateKeys(cmd *cobra.Command, serverOut, clientOut string) error {
	fmt.Fprintf(cmd.OutOrStdout(), "Writing keys to %s and %s\n", serverOut, clientOut)

	switch {
	case pem.BothExists(serverOut, clientOut):
		return fmt.Errorf("both keys already exist")
	case pem.BothNotExists(serverOut, clientOut):
	default:
		return fmt.Errorf("one of the keys already exists")
	}

	for _, f := range []string{serverOut, clientOut} {
		k, err := keystore.GenerateKeyPair()
		if err != nil {
			return err
		}
		if err = pem.PrivateKeyToFile(f, k); err != nil {
			return err
		}
	}
	return nil
}
