// SPDX-FileCopyrightText: © 2026 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

package client_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/relaynet/client"
	"github.com/katzenpost/relaynet/config"
	"github.com/katzenpost/relaynet/core/circuit"
	"github.com/katzenpost/relaynet/core/keystore"
	"github.com/katzenpost/relaynet/core/log"
	"github.com/katzenpost/relaynet/core/peer"
	"github.com/katzenpost/relaynet/core/wire"
	"github.com/katzenpost/relaynet/node"
)

func testConfig(t *testing.T, port int, extra string) *config.Config {
	cfg, err := config.Load([]byte(fmt.Sprintf(`
[Node]
Address = "127.0.0.1:%d"

[Logging]
Disable = true

[Client]
ConnectAttempts = 1

[Debug]
HopTimeout = 2000
ConnectTimeout = 2000
%s`, port, extra)))
	require.NoError(t, err)
	return cfg
}

func newTestClient(t *testing.T, cfg *config.Config, opts ...client.Option) (*client.Client, *keystore.Store) {
	backend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	ks := keystore.New(nil, nil)
	return client.New(cfg, ks, backend, opts...), ks
}

func newTestNode(t *testing.T, port int) *node.Node {
	k, err := keystore.GenerateKeyPair()
	require.NoError(t, err)
	n, err := node.New(testConfig(t, port, ""), keystore.New(k, k))
	require.NoError(t, err)
	t.Cleanup(func() {
		n.Shutdown()
		n.Wait()
	})
	return n
}

func corePeer(port int) string {
	return fmt.Sprintf("\n[[Peers]]\nAddress = \"127.0.0.1:%d\"\nIsCore = true\n", port)
}

func TestNoPath(t *testing.T) {
	c, _ := newTestClient(t, testConfig(t, 9830, ""))
	_, err := c.BuildAndSend(context.Background(), []byte("nowhere"))
	require.ErrorIs(t, err, client.ErrNoPath)
}

func TestMissingKeys(t *testing.T) {
	require := require.New(t)

	c, _ := newTestClient(t, testConfig(t, 9830, ""))
	id, err := peer.Parse("127.0.0.1:9839")
	require.NoError(err)

	// Nothing listens on the peer, so these must fail before any I/O.
	var unknown *keystore.UnknownPeerKeyError
	err = c.SendSealed(context.Background(), id, []byte("secret"))
	require.ErrorAs(err, &unknown)

	c.AddHop(id)
	require.Equal(1, c.Path().Len())
	_, err = c.BuildAndSend(context.Background(), []byte("secret"))
	require.Error(err)
	var missing *circuit.KeyMissingError
	require.ErrorAs(err, &missing)

	c.Teardown()
	require.Equal(0, c.Path().Len())
}

func TestAutoRouteNotEnoughPeers(t *testing.T) {
	require := require.New(t)

	c, ks := newTestClient(t, testConfig(t, 9830, corePeer(9838)+corePeer(9839)))
	_, err := c.AutoRoute(1)
	require.ErrorIs(err, circuit.ErrNotEnoughPeers)

	k, err := keystore.GenerateKeyPair()
	require.NoError(err)
	id := peer.New(peer.Addr{IP: "127.0.0.1", Port: 9838}, "", true)
	ks.SetKey(id, k.Public)

	p, err := c.AutoRoute(1)
	require.NoError(err)
	require.Equal(1, p.Len())
	require.True(p.First().Equal(id))

	_, err = c.AutoRoute(2)
	require.ErrorIs(err, circuit.ErrNotEnoughPeers)

	// Using a core peer as an explicit hop does not demote it.
	anon, err := peer.Parse("127.0.0.1:9838")
	require.NoError(err)
	c.AddHop(anon)
	p, err = c.AutoRoute(1)
	require.NoError(err)
	require.True(p.First().IsCore)
}

func TestFetchCoreKeys(t *testing.T) {
	require := require.New(t)

	n := newTestNode(t, 9831)

	var learned []peer.Identity
	hook := client.WithKeyHook(func(id peer.Identity, b []byte) {
		learned = append(learned, id)
		require.Equal(n.KeyStore().ServerKeyPair().PublicPEM(), b)
	})
	c, ks := newTestClient(t, testConfig(t, 9830, corePeer(9831)+corePeer(9837)), hook)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.Equal(1, c.FetchCoreKeys(ctx))
	require.Len(learned, 1)
	require.Equal(uint16(9831), learned[0].Port)

	// A cached key counts even when the peer is unreachable.
	k, err := keystore.GenerateKeyPair()
	require.NoError(err)
	ks.SetKey(peer.New(peer.Addr{IP: "127.0.0.1", Port: 9837}, "", true), k.Public)
	require.Equal(2, c.FetchCoreKeys(ctx))
}

func TestDirect(t *testing.T) {
	require := require.New(t)

	n := newTestNode(t, 9832)
	id := peer.New(peer.Addr{IP: "127.0.0.1", Port: 9832}, "", false)
	c, _ := newTestClient(t, testConfig(t, 9830, ""))
	ctx := context.Background()

	b, err := c.Echo(ctx, id, []byte("echo"))
	require.NoError(err)
	require.Equal([]byte("echo"), b)

	require.NoError(c.SendText(ctx, id, "text"))
	require.NoError(c.FetchKey(ctx, id))
	require.NoError(c.SendSealed(ctx, id, []byte("sealed")))

	for _, want := range []struct {
		kind wire.MessageKind
		body string
	}{
		{wire.Text, "text"},
		{wire.Enc, "sealed"},
	} {
		d := <-n.Deliveries()
		require.Equal(want.kind, d.Kind)
		require.Equal(want.body, string(d.Payload))
	}

	peers, err := c.Peers(ctx, id)
	require.NoError(err)
	require.Empty(peers)

	require.ErrorIs(c.Shutdown(ctx, id), client.ErrDenied)
}

func TestReroute(t *testing.T) {
	require := require.New(t)

	newTestNode(t, 9833)
	newTestNode(t, 9834)
	cfg := testConfig(t, 9830, corePeer(9833)+corePeer(9834))
	cfg.Client.MinRerouteTimeout = 1
	cfg.Client.MaxRerouteTimeout = 1
	c, _ := newTestClient(t, cfg)
	t.Cleanup(c.Teardown)

	ctx := context.Background()
	require.Equal(2, c.FetchCoreKeys(ctx))
	_, err := c.AutoRoute(2)
	require.NoError(err)

	for range 3 {
		time.Sleep(5 * time.Millisecond)
		reply, err := c.BuildAndSend(ctx, []byte("again"))
		require.NoError(err)
		require.Equal(wire.Okay, reply.Kind)
		require.Equal(2, c.Path().Len())
	}
}

func TestDenyRedials(t *testing.T) {
	require := require.New(t)

	newTestNode(t, 9835)
	b := newTestNode(t, 9836)
	idA := peer.New(peer.Addr{IP: "127.0.0.1", Port: 9835}, "", false)
	idB := peer.New(peer.Addr{IP: "127.0.0.1", Port: 9836}, "", false)
	c, _ := newTestClient(t, testConfig(t, 9830, ""))
	t.Cleanup(c.Teardown)

	ctx := context.Background()
	require.NoError(c.FetchKey(ctx, idA))
	require.NoError(c.FetchKey(ctx, idB))
	c.AddHop(idA)
	c.AddHop(idB)

	reply, err := c.BuildAndSend(ctx, []byte("up"))
	require.NoError(err)
	require.Equal(wire.Okay, reply.Kind)

	b.Shutdown()
	b.Wait()

	// Every send reaches the first hop, which keeps answering DENY.
	for range 2 {
		reply, err = c.BuildAndSend(ctx, []byte("down"))
		require.NoError(err)
		require.Equal(wire.Deny, reply.Kind)
	}
	require.Equal(2, c.Path().Len())
}
