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

package gateway

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nodebridge/nodebridge/health"
	"github.com/nodebridge/nodebridge/metrics"
	"github.com/nodebridge/nodebridge/ratelimit"
	"github.com/nodebridge/nodebridge/registry"
	"github.com/nodebridge/nodebridge/store"
	"github.com/nodebridge/nodebridge/store/memstore"
)

// echoUpstream is an httptest backend recording what the proxy delivered.
type echoUpstream struct {
	mu     sync.Mutex
	path   string
	method string
	body   []byte
	srv    *httptest.Server
}

func newEchoUpstream(t *testing.T) *echoUpstream {
	t.Helper()
	e := new(echoUpstream)
	e.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		e.mu.Lock()
		e.path, e.method, e.body = r.URL.Path, r.Method, body
		e.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"jsonrpc":"2.0","id":1,"result":"0x1"}`)
	}))
	t.Cleanup(e.srv.Close)
	return e
}

func (e *echoUpstream) last() (path, method string, body []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.path, e.method, e.body
}

type testEnv struct {
	srv *Server
	st  *memstore.Store
	reg *registry.Registry
	m   *metrics.Metrics
}

func newTestEnv(t *testing.T, environ []string) *testEnv {
	t.Helper()
	reg := registry.New(environ)
	st := memstore.New()
	m := metrics.New()
	srv := New(Config{UpstreamTimeout: 5 * time.Second},
		st, reg, m, ratelimit.New(), health.NewAggregator(reg), nil)
	return &testEnv{srv: srv, st: st, reg: reg, m: m}
}

func (e *testEnv) addApp(t *testing.T, key, chain string, maxRPS float64, dailyLimit int64) *store.App {
	t.Helper()
	app := &store.App{
		OwnerUserID:        "user-1",
		Name:               "test",
		APIKey:             key,
		ChainName:          chain,
		MaxRPS:             maxRPS,
		DailyRequestsLimit: dailyLimit,
		LastResetDate:      time.Now(),
		Active:             true,
	}
	require.NoError(t, e.st.SaveApp(context.Background(), app))
	return app
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	rr := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), "body: %s", rr.Body.String())
	return out
}

func TestProxyForwardsRequest(t *testing.T) {
	upstream := newEchoUpstream(t)
	env := newTestEnv(t, []string{"SEPOLIA_EXECUTION_RPC_URL=" + upstream.srv.URL})
	env.addApp(t, "key-1", "sepolia", 100, 1000)

	payload := `{"jsonrpc":"2.0","id":7,"method":"eth_blockNumber","params":[]}`
	rr := env.do(http.MethodPost, "/sepolia/exec/key-1", payload)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.JSONEq(t, `{"jsonrpc":"2.0","id":1,"result":"0x1"}`, rr.Body.String())

	path, method, body := upstream.last()
	require.Equal(t, "/", path)
	require.Equal(t, http.MethodPost, method)
	require.Equal(t, payload, string(body), "body must reach the upstream bit-exact")

	h := rr.Header()
	require.Equal(t, "NodeBridge", h.Get("X-RPC-Gateway"))
	require.Equal(t, "sepolia-execution", h.Get("X-Endpoint-Type"))
	require.True(t, strings.HasSuffix(h.Get("X-Response-Time"), "s"))
	require.Equal(t, "100", h.Get("X-RateLimit-Limit"))
	require.NotEmpty(t, h.Get("X-RateLimit-Reset"))
	require.Equal(t, "nosniff", h.Get("X-Content-Type-Options"))
	require.Equal(t, "DENY", h.Get("X-Frame-Options"))
}

func TestProxyStripsRoutePrefix(t *testing.T) {
	upstream := newEchoUpstream(t)
	env := newTestEnv(t, []string{"SEPOLIA_CONSENSUS_API_URL=" + upstream.srv.URL})
	env.addApp(t, "key-1", "sepolia", 100, 1000)

	rr := env.do(http.MethodGet, "/sepolia/cons/key-1/eth/v1/beacon/genesis", "")

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Equal(t, "sepolia-consensus", rr.Header().Get("X-Endpoint-Type"))

	path, method, _ := upstream.last()
	require.Equal(t, "/eth/v1/beacon/genesis", path)
	require.Equal(t, http.MethodGet, method)
}

func TestProxyCaseInsensitiveChain(t *testing.T) {
	upstream := newEchoUpstream(t)
	env := newTestEnv(t, []string{"SEPOLIA_EXECUTION_RPC_URL=" + upstream.srv.URL})
	env.addApp(t, "key-1", "sepolia", 100, 1000)

	rr := env.do(http.MethodPost, "/SePoLiA/exec/key-1", `{"method":"eth_chainId"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
}

func TestProxyInvalidKey(t *testing.T) {
	env := newTestEnv(t, []string{"SEPOLIA_EXECUTION_RPC_URL=http://unused"})

	rr := env.do(http.MethodPost, "/sepolia/exec/no-such-key", `{}`)
	require.Equal(t, http.StatusForbidden, rr.Code)
	require.Equal(t, "Invalid or inactive API key", decodeJSON(t, rr)["error"])
}

func TestProxyInactiveKey(t *testing.T) {
	env := newTestEnv(t, []string{"SEPOLIA_EXECUTION_RPC_URL=http://unused"})
	app := env.addApp(t, "key-1", "sepolia", 100, 1000)
	app.Active = false
	require.NoError(t, env.st.SaveApp(context.Background(), app))

	rr := env.do(http.MethodPost, "/sepolia/exec/key-1", `{}`)
	require.Equal(t, http.StatusForbidden, rr.Code)
	require.Equal(t, "Invalid or inactive API key", decodeJSON(t, rr)["error"])
}

func TestProxyChainMismatch(t *testing.T) {
	env := newTestEnv(t, []string{
		"SEPOLIA_EXECUTION_RPC_URL=http://unused",
		"MAINNET_EXECUTION_RPC_URL=http://unused",
	})
	env.addApp(t, "key-1", "sepolia", 100, 1000)

	rr := env.do(http.MethodPost, "/mainnet/exec/key-1", `{}`)
	require.Equal(t, http.StatusForbidden, rr.Code)

	body := decodeJSON(t, rr)
	require.Equal(t, "API key is not valid for chain 'mainnet'", body["error"])
	require.Equal(t, "sepolia", body["expectedChain"])
}

func TestProxyUnknownChainConfig(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addApp(t, "key-1", "ghostchain", 100, 1000)

	rr := env.do(http.MethodPost, "/ghostchain/exec/key-1", `{}`)
	require.Equal(t, http.StatusNotFound, rr.Code)
	require.Equal(t, "Configuration for chain 'ghostchain' not found.", decodeJSON(t, rr)["error"])
}

func TestProxySectionNotConfigured(t *testing.T) {
	env := newTestEnv(t, []string{"SEPOLIA_EXECUTION_RPC_URL=http://unused"})
	env.addApp(t, "key-1", "sepolia", 100, 1000)

	rr := env.do(http.MethodGet, "/sepolia/cons/key-1/eth/v1/node/version", "")
	require.Equal(t, http.StatusNotFound, rr.Code)
	require.Equal(t, "consensus URL not configured for chain sepolia", decodeJSON(t, rr)["error"])
}

func TestProxyUpstreamDown(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close() // keep the URL, kill the listener

	env := newTestEnv(t, []string{"SEPOLIA_EXECUTION_RPC_URL=" + dead.URL})
	env.addApp(t, "key-1", "sepolia", 100, 1000)

	rr := env.do(http.MethodPost, "/sepolia/exec/key-1", `{"method":"eth_chainId"}`)
	require.Equal(t, http.StatusBadGateway, rr.Code)

	body := decodeJSON(t, rr)
	require.Equal(t, "Bad Gateway", body["error"])
	require.Equal(t, "Failed to connect to the sepolia execution node", body["message"])
	require.Equal(t, "sepolia-execution", body["endpointType"])
}

func TestDailyLimit(t *testing.T) {
	upstream := newEchoUpstream(t)
	env := newTestEnv(t, []string{"SEPOLIA_EXECUTION_RPC_URL=" + upstream.srv.URL})
	app := env.addApp(t, "key-1", "sepolia", 100, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		rr := env.do(http.MethodPost, "/sepolia/exec/key-1", `{}`)
		require.Equal(t, http.StatusOK, rr.Code, "request %d within the quota", i+1)
	}

	// The limit-tripping request still consumed one unit.
	rr := env.do(http.MethodPost, "/sepolia/exec/key-1", `{}`)
	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	body := decodeJSON(t, rr)
	require.Equal(t, "Daily request limit exceeded", body["error"])
	require.EqualValues(t, 2, body["limit"])
	require.EqualValues(t, 3, body["used"])

	// Force the next calendar day: the first request rolls the counter over
	// and counts as the first of the new day.
	stored, err := env.st.AppByID(ctx, app.ID)
	require.NoError(t, err)
	stored.LastResetDate = time.Now().AddDate(0, 0, -1)
	require.NoError(t, env.st.SaveApp(ctx, stored))

	rr = env.do(http.MethodPost, "/sepolia/exec/key-1", `{}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	stored, err = env.st.AppByID(ctx, app.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, stored.DailyRequests)
	require.EqualValues(t, 4, stored.TotalRequests, "lifetime counter is never reset")
}

func TestRateLimit(t *testing.T) {
	upstream := newEchoUpstream(t)
	env := newTestEnv(t, []string{"SEPOLIA_EXECUTION_RPC_URL=" + upstream.srv.URL})
	env.addApp(t, "key-1", "sepolia", 2, 1000)

	rr := env.do(http.MethodPost, "/sepolia/exec/key-1", `{}`)
	require.Equal(t, http.StatusOK, rr.Code)
	rr = env.do(http.MethodPost, "/sepolia/exec/key-1", `{}`)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = env.do(http.MethodPost, "/sepolia/exec/key-1", `{}`)
	require.Equal(t, http.StatusTooManyRequests, rr.Code)

	body := decodeJSON(t, rr)
	require.Equal(t, "Rate limit exceeded", body["error"])
	require.EqualValues(t, 2, body["limit"])

	// The denial carries the same header set as an allow.
	require.Equal(t, "2", rr.Header().Get("X-RateLimit-Limit"))
	require.Equal(t, "0", rr.Header().Get("X-RateLimit-Remaining"))
	require.NotEmpty(t, rr.Header().Get("X-RateLimit-Reset"))
}

func TestMissingKeySegment(t *testing.T) {
	env := newTestEnv(t, []string{"SEPOLIA_EXECUTION_RPC_URL=http://unused"})

	// Proxy-shaped paths without a key segment get the dedicated envelope.
	for _, path := range []string{"/sepolia/exec", "/sepolia/exec/", "/sepolia/cons", "/sepolia/cons/"} {
		rr := env.do(http.MethodPost, path, `{}`)
		require.Equal(t, http.StatusBadRequest, rr.Code, path)
		require.Equal(t, "Missing API key in URL path", decodeJSON(t, rr)["error"], path)
	}

	// Anything that does not fit the proxy shape stays a generic 404.
	rr := env.do(http.MethodGet, "/sepolia", "")
	require.Equal(t, http.StatusNotFound, rr.Code)
	require.Equal(t, "Not found", decodeJSON(t, rr)["error"])
	rr = env.do(http.MethodPost, "/sepolia/wrong/key-1", `{}`)
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestMetricsExposition(t *testing.T) {
	upstream := newEchoUpstream(t)
	env := newTestEnv(t, []string{"SEPOLIA_EXECUTION_RPC_URL=" + upstream.srv.URL})
	env.addApp(t, "key-1", "sepolia", 100, 1000)

	env.do(http.MethodPost, "/sepolia/exec/key-1", `{"jsonrpc":"2.0","id":1,"method":"eth_blockNumber"}`)
	env.do(http.MethodPost, "/sepolia/exec/key-1", `[{"method":"eth_chainId"},{"method":"eth_blockNumber"}]`)

	rr := env.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rr.Code)

	exposition := rr.Body.String()
	require.Contains(t, exposition, `rpc_requests_total{api_key="key-1",endpoint_type="sepolia-execution",rpc_method="eth_blockNumber",user_id="user-1"} 1`)
	require.Contains(t, exposition, `rpc_method="batch"`, "batch payloads are recorded under a single label")
	require.Contains(t, exposition, `rpc_gateway_requests_total`)
	require.Contains(t, exposition, `path="/sepolia/exec/:key"`, "raw keys never appear in the path label")
	require.Contains(t, exposition, `go_goroutines`)
}

func TestHealthEndpoint(t *testing.T) {
	exec := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID json.RawMessage `json:"id"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		resp := map[string]interface{}{"jsonrpc": "2.0", "id": json.RawMessage(req.ID), "result": false}
		json.NewEncoder(w).Encode(resp)
	}))
	defer exec.Close()

	env := newTestEnv(t, []string{"SEPOLIA_EXECUTION_RPC_URL=" + exec.URL})

	rr := env.do(http.MethodGet, "/health/sepolia", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	body := decodeJSON(t, rr)
	require.Equal(t, "sepolia", body["chain"])
	execStatus := body["execution"].(map[string]interface{})
	require.Equal(t, "healthy", execStatus["status"])
	require.EqualValues(t, 1, execStatus["healthyNodes"])

	rr = env.do(http.MethodGet, "/health/unknown", "")
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestClientAbortRecorded(t *testing.T) {
	started := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server starts its background connection
		// read; without it the handler context is never canceled on
		// client disconnect and Close deadlocks.
		io.Copy(io.Discard, r.Body)
		close(started)
		<-r.Context().Done()
	}))
	t.Cleanup(upstream.Close)

	env := newTestEnv(t, []string{"SEPOLIA_EXECUTION_RPC_URL=" + upstream.URL})
	env.addApp(t, "key-1", "sepolia", 100, 1000)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/sepolia/exec/key-1",
		strings.NewReader(`{"method":"eth_call"}`)).WithContext(ctx)
	rr := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		env.srv.Handler().ServeHTTP(rr, req)
	}()
	<-started
	cancel()
	<-done

	// The aborted request must surface in the request metrics as 499.
	rr = env.do(http.MethodGet, "/metrics", "")
	require.Contains(t, rr.Body.String(), `status_code="499"`)
}

func TestGzipResponses(t *testing.T) {
	upstream := newEchoUpstream(t)
	env := newTestEnv(t, []string{"SEPOLIA_EXECUTION_RPC_URL=" + upstream.srv.URL})
	env.addApp(t, "key-1", "sepolia", 100, 1000)

	req := httptest.NewRequest(http.MethodPost, "/sepolia/exec/key-1", strings.NewReader(`{}`))
	req.Header.Set("Accept-Encoding", "gzip")
	rr := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "gzip", rr.Header().Get("Content-Encoding"))

	gz, err := gzip.NewReader(rr.Body)
	require.NoError(t, err)
	plain, err := io.ReadAll(gz)
	require.NoError(t, err)
	require.JSONEq(t, `{"jsonrpc":"2.0","id":1,"result":"0x1"}`, string(plain))
}

func TestGzipUpstreamPassthrough(t *testing.T) {
	const payload = `{"jsonrpc":"2.0","id":1,"result":"0x1"}`

	// An upstream that honors the forwarded Accept-Encoding header.
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			w.Header().Set("Content-Encoding", "gzip")
			gz := gzip.NewWriter(w)
			io.WriteString(gz, payload)
			gz.Close()
			return
		}
		io.WriteString(w, payload)
	}))
	t.Cleanup(upstream.Close)

	env := newTestEnv(t, []string{"SEPOLIA_EXECUTION_RPC_URL=" + upstream.URL})
	env.addApp(t, "key-1", "sepolia", 100, 1000)

	req := httptest.NewRequest(http.MethodPost, "/sepolia/exec/key-1", strings.NewReader(`{}`))
	req.Header.Set("Accept-Encoding", "gzip")
	rr := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "gzip", rr.Header().Get("Content-Encoding"))

	// The upstream body must survive exactly as sent: one gunzip yields the
	// payload, never another gzip stream.
	gz, err := gzip.NewReader(rr.Body)
	require.NoError(t, err)
	plain, err := io.ReadAll(gz)
	require.NoError(t, err)
	require.JSONEq(t, payload, string(plain))
}
