// Copyright 2025 The NodeBridge Authors
// This file is part of the nodebridge library.
//
// The nodebridge library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The nodebridge library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the nodebridge library. If not, see <http://www.gnu.org/licenses/>.

package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRecordHTTPRequest(t *testing.T) {
	m := New()

	m.RecordHTTPRequest("user-1", "key-1", "/sepolia/exec/:key", "POST", 200, 0.05)
	m.RecordHTTPRequest("user-1", "key-1", "/sepolia/exec/:key", "POST", 200, 0.07)
	m.RecordHTTPRequest("user-1", "key-1", "/sepolia/exec/:key", "POST", 502, 0.01)

	require.Equal(t, float64(2),
		testutil.ToFloat64(m.httpRequests.WithLabelValues("user-1", "key-1", "/sepolia/exec/:key", "POST", "200")))
	require.Equal(t, float64(1),
		testutil.ToFloat64(m.httpRequests.WithLabelValues("user-1", "key-1", "/sepolia/exec/:key", "POST", "502")))
}

func TestRecordRPCRequest(t *testing.T) {
	m := New()

	m.RecordRPCRequest("user-1", "key-1", "eth_call", "sepolia-execution", 0.2)
	m.RecordRPCRequest("user-1", "key-1", "batch", "sepolia-execution", 0.4)

	require.Equal(t, float64(1),
		testutil.ToFloat64(m.rpcRequests.WithLabelValues("user-1", "key-1", "eth_call", "sepolia-execution")))
	require.Equal(t, float64(1),
		testutil.ToFloat64(m.rpcRequests.WithLabelValues("user-1", "key-1", "batch", "sepolia-execution")))
}

func TestGauges(t *testing.T) {
	m := New()

	m.ConnOpened()
	m.ConnOpened()
	m.ConnClosed()
	require.Equal(t, float64(1), testutil.ToFloat64(m.activeConnections))

	m.SetDailyRequests("user-1", "key-1", 42)
	require.Equal(t, float64(42), testutil.ToFloat64(m.dailyRequests.WithLabelValues("user-1", "key-1")))

	m.SetChainHealth("sepolia", "execution", true)
	m.SetChainHealth("sepolia", "consensus", false)
	require.Equal(t, float64(HealthUp), testutil.ToFloat64(m.chainHealth.WithLabelValues("sepolia", "execution")))
	require.Equal(t, float64(HealthDown), testutil.ToFloat64(m.chainHealth.WithLabelValues("sepolia", "consensus")))
}

func TestRateLimitHits(t *testing.T) {
	m := New()
	m.RecordRateLimitHit("user-1", "key-1")
	m.RecordRateLimitHit("user-1", "key-1")
	require.Equal(t, float64(2), testutil.ToFloat64(m.rateLimitHits.WithLabelValues("user-1", "key-1")))
}

func TestHandlerExposition(t *testing.T) {
	m := New()
	m.RecordHTTPRequest("user-1", "key-1", "/metrics", "GET", 200, 0.001)

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rr.Code)
	body := rr.Body.String()
	require.Contains(t, body, "rpc_gateway_requests_total")
	require.Contains(t, body, "rpc_gateway_request_duration_seconds_bucket")
	require.Contains(t, body, "go_goroutines")
	require.Contains(t, body, "process_") // process collector wired in
}
