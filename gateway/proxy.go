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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/mux"

	"github.com/nodebridge/nodebridge/params"
)

// Path sections selecting the upstream pool.
const (
	SectionExecution = "exec"
	SectionConsensus = "cons"
)

// maxMethodPeek caps how much of the request body is buffered to extract
// the JSON-RPC method name for metrics. Larger bodies are still forwarded
// bit-exact, they just record "unknown".
const maxMethodPeek = 1 << 20

// statusClientAbort is the nginx-style code recorded when the client goes
// away while the upstream call is in flight. The connection is already dead
// by then, but the status must still travel up to the request metrics.
const statusClientAbort = 499

func sectionLong(section string) string {
	if section == SectionConsensus {
		return "consensus"
	}
	return "execution"
}

// handleProxy forwards one admitted, rate-limited request to a randomly
// chosen upstream of the requested chain.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	chain, section := strings.ToLower(vars["chain"]), vars["section"]
	app := AppFrom(r.Context())

	cfg := s.registry.Get(chain)
	if cfg == nil || !cfg.Enabled {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Configuration for chain '%s' not found.", chain))
		return
	}
	var target string
	if section == SectionExecution {
		target = s.registry.PickExecution(chain)
	} else {
		target = s.registry.PickConsensus(chain)
	}
	if target == "" {
		writeError(w, http.StatusNotFound,
			fmt.Sprintf("%s URL not configured for chain %s", sectionLong(section), chain))
		return
	}
	upstream, err := url.Parse(target)
	if err != nil {
		log.Error("Invalid upstream URL", "chain", chain, "section", section, "err", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	endpointType := chain + "-" + sectionLong(section)
	rpcMethod := extractMethod(r)

	// Deterministic prefix strip: the three leading segments are removed
	// verbatim, whatever characters the key contains.
	prefix := "/" + vars["chain"] + "/" + vars["section"] + "/" + vars["key"]
	tail := strings.TrimPrefix(r.URL.Path, prefix)
	if tail == "" {
		tail = "/"
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.UpstreamTimeout)
	defer cancel()
	r = r.WithContext(ctx)

	start := time.Now()
	pw := &proxyWriter{
		ResponseWriter: w,
		start:          start,
		endpointType:   endpointType,
	}
	proxy := &httputil.ReverseProxy{
		Transport: s.transport,
		Director: func(req *http.Request) {
			req.URL.Scheme = upstream.Scheme
			req.URL.Host = upstream.Host
			req.URL.Path = joinURLPath(upstream.Path, tail)
			req.Host = upstream.Host
		},
		ErrorHandler: func(rw http.ResponseWriter, req *http.Request, err error) {
			if req.Context().Err() == context.Canceled {
				pw.WriteHeader(statusClientAbort)
				log.Debug("Client aborted proxied request", "chain", chain, "section", section)
				return
			}
			log.Warn("Upstream transport failure", "chain", chain, "section", section,
				"upstream", upstream.Host, "err", err)
			writeJSON(rw, http.StatusBadGateway, badGatewayResponse{
				Error:        "Bad Gateway",
				Message:      fmt.Sprintf("Failed to connect to the %s %s node", chain, sectionLong(section)),
				EndpointType: endpointType,
			})
		},
	}
	proxy.ServeHTTP(pw, r)

	duration := time.Since(start)
	if app != nil {
		s.metrics.RecordRPCRequest(app.OwnerUserID, app.APIKey, rpcMethod, endpointType, duration.Seconds())
	}
	log.Debug("Proxied request", "chain", chain, "section", section, "method", rpcMethod,
		"status", pw.Status(), "elapsed", duration)
}

// extractMethod peeks at the request body to pull the JSON-RPC method name
// for metrics. The body is re-framed so the upstream sees it bit-exact.
// Batch requests record "batch"; anything unparseable records "unknown".
func extractMethod(r *http.Request) string {
	if r.Body == nil || r.Body == http.NoBody {
		return "unknown"
	}
	peek, err := io.ReadAll(io.LimitReader(r.Body, maxMethodPeek))
	if err != nil {
		r.Body = io.NopCloser(bytes.NewReader(peek))
		return "unknown"
	}
	rest := r.Body
	r.Body = &rejoinedBody{Reader: io.MultiReader(bytes.NewReader(peek), rest), Closer: rest}

	trimmed := bytes.TrimLeft(peek, " \t\r\n")
	if len(trimmed) == 0 {
		return "unknown"
	}
	if trimmed[0] == '[' {
		return "batch"
	}
	var req struct {
		Method string `json:"method"`
	}
	if json.Unmarshal(peek, &req) != nil || req.Method == "" {
		return "unknown"
	}
	return req.Method
}

type rejoinedBody struct {
	io.Reader
	io.Closer
}

func joinURLPath(base, tail string) string {
	switch {
	case base == "":
		return tail
	case strings.HasSuffix(base, "/") && strings.HasPrefix(tail, "/"):
		return base + tail[1:]
	case !strings.HasSuffix(base, "/") && !strings.HasPrefix(tail, "/"):
		return base + "/" + tail
	default:
		return base + tail
	}
}

// proxyWriter injects the gateway response headers just before the first
// write and remembers the status code for metrics.
type proxyWriter struct {
	http.ResponseWriter
	start        time.Time
	endpointType string
	status       int
	wroteHeader  bool
}

func (p *proxyWriter) WriteHeader(status int) {
	if p.wroteHeader {
		return
	}
	p.wroteHeader = true
	p.status = status
	h := p.Header()
	h.Set("X-RPC-Gateway", params.GatewayName)
	h.Set("X-Endpoint-Type", p.endpointType)
	h.Set("X-Response-Time", fmt.Sprintf("%.3fs", time.Since(p.start).Seconds()))
	p.ResponseWriter.WriteHeader(status)
}

func (p *proxyWriter) Write(b []byte) (int, error) {
	if !p.wroteHeader {
		p.WriteHeader(http.StatusOK)
	}
	return p.ResponseWriter.Write(b)
}

func (p *proxyWriter) Flush() {
	if f, ok := p.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Status returns the response status recorded for metrics, defaulting to
// 200 when the handler never wrote one.
func (p *proxyWriter) Status() int {
	if p.status == 0 {
		return http.StatusOK
	}
	return p.status
}
