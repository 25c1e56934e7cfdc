// SPDX-FileCopyrightText: © 2026 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

package instrument

import (
	"io"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/katzenpost/relaynet/core/wire"
)

func TestCounters(t *testing.T) {
	require := require.New(t)

	before := testutil.ToFloat64(forwards)
	Forward()
	Forward()
	require.Equal(before+2, testutil.ToFloat64(forwards))

	Sessions(3)
	require.Equal(float64(3), testutil.ToFloat64(liveSessions))

	before = testutil.ToFloat64(incomingPackets.WithLabelValues("ECHO"))
	Incoming(wire.Echo)
	require.Equal(before+1, testutil.ToFloat64(incomingPackets.WithLabelValues("ECHO")))
}

func TestInit(t *testing.T) {
	require := require.New(t)

	srv, err := Init("127.0.0.1:0")
	require.NoError(err)
	defer srv.Close()

	Delivery()

	resp, err := http.Get("http://" + srv.Addr().String() + "/metrics")
	require.NoError(err)
	defer resp.Body.Close()
	require.Equal(http.StatusOK, resp.StatusCode)

	b, err := io.ReadAll(resp.Body)
	require.NoError(err)
	require.Contains(string(b), "relaynet_deliveries_total")
}
