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

// Package gateway is the request data plane: admission, rate limiting,
// chain-aware reverse proxying and the HTTP server that ties the
// middlewares together.
package gateway

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/nodebridge/nodebridge/health"
	"github.com/nodebridge/nodebridge/metrics"
	"github.com/nodebridge/nodebridge/ratelimit"
	"github.com/nodebridge/nodebridge/registry"
	"github.com/nodebridge/nodebridge/store"
)

// DefaultUpstreamTimeout bounds connect plus read of one proxied call.
const DefaultUpstreamTimeout = 60 * time.Second

// Config carries the listener settings of the gateway server.
type Config struct {
	ListenAddr      string
	CORSOrigins     []string
	UpstreamTimeout time.Duration
}

// RouteRegistrar lets collaborator surfaces (auth, admin) install their
// routes on the gateway router.
type RouteRegistrar interface {
	RegisterRoutes(r *mux.Router)
}

// Server owns the HTTP listener and the component lifecycle: it starts the
// bucket sweeper and the health sampler with the listener and tears
// everything down on Stop.
type Server struct {
	cfg      Config
	store    store.Store
	registry *registry.Registry
	metrics  *metrics.Metrics
	limiter  *ratelimit.Limiter
	agg      *health.Aggregator
	sampler  *health.Sampler

	transport http.RoundTripper
	handler   http.Handler
	httpSrv   *http.Server
	listener  net.Listener
}

// New wires the middleware stack in order: security headers, CORS, gzip,
// metrics, then the router with the admission-scoped proxy routes.
func New(cfg Config, st store.Store, reg *registry.Registry, m *metrics.Metrics,
	limiter *ratelimit.Limiter, agg *health.Aggregator, sampler *health.Sampler,
	registrars ...RouteRegistrar) *Server {

	if cfg.UpstreamTimeout == 0 {
		cfg.UpstreamTimeout = DefaultUpstreamTimeout
	}
	s := &Server{
		cfg:      cfg,
		store:    st,
		registry: reg,
		metrics:  m,
		limiter:  limiter,
		agg:      agg,
		sampler:  sampler,
		transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: cfg.UpstreamTimeout,
			MaxIdleConnsPerHost:   16,
		},
	}

	router := mux.NewRouter()
	router.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/health/{chain}", s.handleHealth).Methods(http.MethodGet)
	for _, r := range registrars {
		r.RegisterRoutes(router)
	}
	// The proxy pattern cannot match an empty key segment, so the missing
	// key shapes need their own routes to produce the right envelope.
	router.HandleFunc("/{chain}/{section:exec|cons}", s.handleMissingKey)
	router.HandleFunc("/{chain}/{section:exec|cons}/", s.handleMissingKey)
	router.PathPrefix("/{chain}/{section:exec|cons}/{key}").Handler(
		s.admission(s.rateLimit(http.HandlerFunc(s.handleProxy))))
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Not found")
	})

	handler := s.metricsMiddleware(router)
	handler = newGzipHandler(handler)
	handler = newCorsHandler(handler, cfg.CORSOrigins)
	handler = securityHeadersHandler(handler)
	s.handler = handler
	s.httpSrv = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the full middleware stack, mainly for tests.
func (s *Server) Handler() http.Handler { return s.handler }

// Start binds the listening socket and launches the background loops. It
// does not block.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.cfg.ListenAddr, err)
	}
	s.listener = ln
	s.limiter.Start()
	if s.sampler != nil {
		s.sampler.Start()
	}
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server terminated", "err", err)
		}
	}()
	log.Info("HTTP endpoint successfully opened", "url", fmt.Sprintf("http://%v/", ln.Addr()))
	return nil
}

// Stop drains in-flight requests, stops the sweepers and closes the store.
func (s *Server) Stop(ctx context.Context) error {
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		log.Warn("HTTP shutdown incomplete", "err", err)
	}
	if s.sampler != nil {
		s.sampler.Stop()
	}
	s.limiter.Stop()
	if s.listener != nil {
		log.Info("HTTP endpoint closed", "url", fmt.Sprintf("http://%v/", s.listener.Addr()))
	}
	return s.store.Close(ctx)
}

// handleMissingKey serves proxy-shaped paths whose key segment is absent.
func (s *Server) handleMissingKey(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusBadRequest, "Missing API key in URL path")
}

// handleHealth serves GET /health/{chain}.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	chain := mux.Vars(r)["chain"]
	report := s.agg.Check(r.Context(), chain)
	if report == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Configuration for chain '%s' not found.", chain))
		return
	}
	writeJSON(w, report.HTTPStatus(), report)
}

// metricsMiddleware tracks in-flight connections and records the
// request-level counter and latency histogram once the handler completes.
// Admission fills the tenant labels through the context carrier.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.metrics.ConnOpened()
		defer s.metrics.ConnClosed()

		start := time.Now()
		ctx, labels := withLabels(r.Context())
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r.WithContext(ctx))

		var userID, apiKey string
		path := r.URL.Path
		if labels.app != nil {
			userID, apiKey = labels.app.OwnerUserID, labels.app.APIKey
		}
		if labels.path != "" {
			path = labels.path
		}
		s.metrics.RecordHTTPRequest(userID, apiKey, path, r.Method, sw.Status(), time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Status() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

// securityHeadersHandler sets the baseline hardening headers on every
// response.
func securityHeadersHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		next.ServeHTTP(w, r)
	})
}

// newCorsHandler disables CORS support if no custom configuration was
// specified.
func newCorsHandler(srv http.Handler, allowedOrigins []string) http.Handler {
	if len(allowedOrigins) == 0 {
		return srv
	}
	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodPost, http.MethodGet, http.MethodPut, http.MethodPatch, http.MethodDelete},
		MaxAge:         600,
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(srv)
}

var gzPool = sync.Pool{
	New: func() interface{} {
		return gzip.NewWriter(io.Discard)
	},
}

// gzipResponseWriter defers the compression decision to the first write: a
// response that already carries a Content-Encoding (an upstream that honored
// the forwarded Accept-Encoding) passes through untouched, everything else
// is compressed.
type gzipResponseWriter struct {
	http.ResponseWriter
	gz *gzip.Writer

	wroteHeader bool
	passthrough bool
}

func (w *gzipResponseWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	if w.Header().Get("Content-Encoding") != "" {
		w.passthrough = true
	} else {
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Del("Content-Length")
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *gzipResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if w.passthrough {
		return w.ResponseWriter.Write(b)
	}
	return w.gz.Write(b)
}

// close flushes the compressor when it was actually engaged.
func (w *gzipResponseWriter) close() {
	if w.wroteHeader && !w.passthrough {
		w.gz.Close()
	}
}

func newGzipHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			next.ServeHTTP(w, r)
			return
		}
		gz := gzPool.Get().(*gzip.Writer)
		defer gzPool.Put(gz)
		gz.Reset(w)

		gw := &gzipResponseWriter{ResponseWriter: w, gz: gz}
		next.ServeHTTP(gw, r)
		gw.close()
	})
}
