// SPDX-FileCopyrightText: © 2026 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/katzenpost/relaynet/client"
	"github.com/katzenpost/relaynet/common"
	"github.com/katzenpost/relaynet/core/keystore"
	"github.com/katzenpost/relaynet/core/log"
	"github.com/katzenpost/relaynet/core/peer"
)

// newOneShotClient returns a client for commands that talk to peers without
// running a node.  It has no keys of its own and persists nothing.
func newOneShotClient(configFile string, opts ...client.Option) (*client.Client, error) {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return nil, err
	}
	backend, err := log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
	if err != nil {
		return nil, err
	}
	return client.New(cfg, keystore.New(nil, nil), backend, opts...), nil
}

func parsePeerArg(s string) (peer.Identity, error) {
	id, err := peer.Parse(s)
	if err != nil {
		return peer.Identity{}, fmt.Errorf("invalid peer address: %v", err)
	}
	return id, nil
}

func newGetKeyCommand(rootCfg *Config) *cobra.Command {
	var full bool
	cmd := &cobra.Command{
		Use:   "getkey <ip:port>",
		Short: "Fetch a peer's public key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parsePeerArg(args[0])
			if err != nil {
				return err
			}
			var key []byte
			c, err := newOneShotClient(rootCfg.ConfigFile, client.WithKeyHook(func(_ peer.Identity, b []byte) {
				key = b
			}))
			if err != nil {
				return err
			}
			if err = c.FetchKey(cmd.Context(), id); err != nil {
				return err
			}
			s := string(key)
			if !full {
				s = common.TruncatePEM(s)
			}
			fmt.Fprintln(cmd.OutOrStdout(), s)
			return nil
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "print the whole key")
	return cmd
}

func newEchoCommand(rootCfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "echo <ip:port> <message>",
		Short: "Have a peer echo a message back",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parsePeerArg(args[0])
			if err != nil {
				return err
			}
			c, err := newOneShotClient(rootCfg.ConfigFile)
			if err != nil {
				return err
			}
			b, err := c.Echo(cmd.Context(), id, []byte(args[1]))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(b))
			return nil
		},
	}
}

func newTextCommand(rootCfg *Config) *cobra.Command {
	var sealed bool
	cmd := &cobra.Command{
		Use:   "text <ip:port> <message>",
		Short: "Deliver a message directly to a peer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parsePeerArg(args[0])
			if err != nil {
				return err
			}
			c, err := newOneShotClient(rootCfg.ConfigFile)
			if err != nil {
				return err
			}
			if !sealed {
				return c.SendText(cmd.Context(), id, args[1])
			}
			if err = c.FetchKey(cmd.Context(), id); err != nil {
				return err
			}
			return c.SendSealed(cmd.Context(), id, []byte(args[1]))
		},
	}
	cmd.Flags().BoolVar(&sealed, "sealed", false, "seal the message under the peer's key")
	return cmd
}

func newSendCommand(rootCfg *Config) *cobra.Command {
	var (
		hops      []string
		autoroute int
	)
	cmd := &cobra.Command{
		Use:   "send [--hop ip:port]... [--autoroute n] <message>",
		Short: "Send a message through an onion circuit",
		Long: `send wraps a message into an onion and sends it through a circuit.

The circuit is either given explicitly, one --hop per relay with the last one
receiving the message, or picked at random among the configured core peers
with --autoroute.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(hops) == 0 && autoroute <= 0 {
				return fmt.Errorf("invalid argument: one of --hop or --autoroute is required")
			}
			if len(hops) > 0 && autoroute > 0 {
				return fmt.Errorf("invalid argument: --hop and --autoroute are exclusive")
			}
			path := make([]peer.Identity, 0, len(hops))
			for _, h := range hops {
				id, err := parsePeerArg(h)
				if err != nil {
					return err
				}
				path = append(path, id)
			}
			c, err := newOneShotClient(rootCfg.ConfigFile)
			if err != nil {
				return err
			}
			return sendOnion(cmd.Context(), cmd, c, path, autoroute, args[0])
		},
	}
	cmd.Flags().StringArrayVar(&hops, "hop", nil, "relay to route through, in order")
	cmd.Flags().IntVar(&autoroute, "autoroute", 0, "number of random core peers to route through")
	return cmd
}

func sendOnion(ctx context.Context, cmd *cobra.Command, c *client.Client, path []peer.Identity, depth int, msg string) error {
	defer c.Teardown()

	if depth > 0 {
		c.FetchCoreKeys(ctx)
		p, err := c.AutoRoute(depth)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Routing through %v\n", p)
	}
	for _, id := range path {
		if err := c.FetchKey(ctx, id); err != nil {
			return fmt.Errorf("key exchange with %v failed: %w", id, err)
		}
		c.AddHop(id)
	}

	reply, err := c.BuildAndSend(ctx, []byte(msg))
	if err != nil {
		return err
	}
	if len(reply.Body) > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "%v: %s\n", reply.Kind, reply.Body)
	} else {
		fmt.Fprintln(cmd.OutOrStdout(), reply.Kind)
	}
	return nil
}

func newPeersCommand(rootCfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "peers <ip:port>",
		Short: "List the peers a node knows of",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parsePeerArg(args[0])
			if err != nil {
				return err
			}
			c, err := newOneShotClient(rootCfg.ConfigFile)
			if err != nil {
				return err
			}
			peers, err := c.Peers(cmd.Context(), id)
			if err != nil {
				return err
			}
			names := make([]string, 0, len(peers))
			for _, p := range peers {
				names = append(names, p.String())
			}
			if len(names) > 0 {
				fmt.Fprintln(cmd.OutOrStdout(), strings.Join(names, "\n"))
			}
			return nil
		},
	}
}

func newShutdownCommand(rootCfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown <ip:port>",
		Short: "Ask a node to shut down",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parsePeerArg(args[0])
			if err != nil {
				return err
			}
			c, err := newOneShotClient(rootCfg.ConfigFile)
			if err != nil {
				return err
			}
			return c.Shutdown(cmd.Context(), id)
		},
	}
}
