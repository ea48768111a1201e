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

// Package health probes the configured upstreams of a chain and composes a
// per-service and overall status. Execution nodes are probed with an
// eth_syncing JSON-RPC call, consensus nodes via the beacon syncing
// endpoint, prometheus endpoints via their exposition path.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/sync/errgroup"

	"github.com/nodebridge/nodebridge/registry"
)

// Service class statuses. Execution and consensus report healthy/unhealthy,
// the metrics class reports available/unavailable.
const (
	StatusHealthy       = "healthy"
	StatusUnhealthy     = "unhealthy"
	StatusAvailable     = "available"
	StatusUnavailable   = "unavailable"
	StatusDegraded      = "degraded"
	StatusNotConfigured = "not_configured"
)

// ServiceStatus is the aggregated result for one service class of a chain.
type ServiceStatus struct {
	Status       string `json:"status"`
	HealthyNodes int    `json:"healthyNodes"`
	TotalNodes   int    `json:"totalNodes"`
}

// SyncStatus carries the beacon syncing fields reported by the first
// responsive consensus node.
type SyncStatus struct {
	IsSyncing bool   `json:"isSyncing"`
	HeadSlot  string `json:"headSlot,omitempty"`
}

// ChainHealth is the composite health report for one chain.
type ChainHealth struct {
	Chain     string        `json:"chain"`
	Status    string        `json:"status"`
	Execution ServiceStatus `json:"execution"`
	Consensus ServiceStatus `json:"consensus"`
	Metrics   ServiceStatus `json:"metrics"`
	Syncing   *SyncStatus   `json:"syncing,omitempty"`
	CheckedAt time.Time     `json:"checkedAt"`
}

// HTTPStatus maps the report to the status code of the health endpoint:
// 503 when any service class is down, 200 otherwise.
func (h *ChainHealth) HTTPStatus() int {
	for _, s := range []string{h.Execution.Status, h.Consensus.Status, h.Metrics.Status} {
		if s == StatusUnhealthy || s == StatusUnavailable {
			return http.StatusServiceUnavailable
		}
	}
	return http.StatusOK
}

// Aggregator fans out probes against a chain's configured upstreams.
type Aggregator struct {
	reg     *registry.Registry
	client  *http.Client
	timeout time.Duration
}

// DefaultProbeTimeout bounds each individual upstream probe.
const DefaultProbeTimeout = 10 * time.Second

// NewAggregator creates an aggregator probing the chains of reg.
func NewAggregator(reg *registry.Registry) *Aggregator {
	return &Aggregator{
		reg:     reg,
		client:  &http.Client{Timeout: DefaultProbeTimeout},
		timeout: DefaultProbeTimeout,
	}
}

// Check probes every configured upstream of the named chain in parallel and
// composes the result. It returns nil for unknown chains.
func (a *Aggregator) Check(ctx context.Context, chain string) *ChainHealth {
	cfg := a.reg.Get(chain)
	if cfg == nil {
		return nil
	}

	var (
		mu                     sync.Mutex
		execOK, consOK, promOK int
		syncing                *SyncStatus
	)
	g, ctx := errgroup.WithContext(ctx)
	for _, url := range cfg.ExecutionURLs {
		url := url
		g.Go(func() error {
			if a.probeExecution(ctx, url) == nil {
				mu.Lock()
				execOK++
				mu.Unlock()
			}
			return nil
		})
	}
	for _, url := range cfg.ConsensusURLs {
		url := url
		g.Go(func() error {
			if st, err := a.probeConsensus(ctx, url); err == nil {
				mu.Lock()
				consOK++
				if syncing == nil {
					syncing = st
				}
				mu.Unlock()
			}
			return nil
		})
	}
	for _, url := range cfg.PrometheusURLs {
		url := url
		g.Go(func() error {
			if a.probePrometheus(ctx, url) == nil {
				mu.Lock()
				promOK++
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	report := &ChainHealth{
		Chain:     cfg.Name,
		Execution: serviceStatus(execOK, len(cfg.ExecutionURLs), StatusHealthy, StatusUnhealthy),
		Consensus: serviceStatus(consOK, len(cfg.ConsensusURLs), StatusHealthy, StatusUnhealthy),
		Metrics:   serviceStatus(promOK, len(cfg.PrometheusURLs), StatusAvailable, StatusUnavailable),
		Syncing:   syncing,
		CheckedAt: time.Now(),
	}
	report.Status = Compose(report.Execution.Status, report.Consensus.Status, report.Metrics.Status)
	return report
}

// serviceStatus aggregates one service class: any fulfilled node makes the
// class up, an empty pool makes it not_configured.
func serviceStatus(healthy, total int, up, down string) ServiceStatus {
	st := ServiceStatus{HealthyNodes: healthy, TotalNodes: total}
	switch {
	case total == 0:
		st.Status = StatusNotConfigured
	case healthy > 0:
		st.Status = up
	default:
		st.Status = down
	}
	return st
}

// Compose derives the overall chain status from the three service class
// statuses. It is a pure function of its inputs.
func Compose(exec, cons, prom string) string {
	if exec == StatusNotConfigured && cons == StatusNotConfigured {
		return StatusNotConfigured
	}
	var unhealthy, notConfigured int
	for _, s := range []string{exec, cons, prom} {
		switch s {
		case StatusUnhealthy, StatusUnavailable:
			unhealthy++
		case StatusNotConfigured:
			notConfigured++
		}
	}
	switch {
	case unhealthy == 0:
		return StatusHealthy
	case unhealthy == 1 && unhealthy+notConfigured < 2:
		return StatusDegraded
	default:
		return StatusUnhealthy
	}
}

// probeExecution dials the execution endpoint and issues an eth_syncing
// call. A JSON-RPC error response still proves the node is alive, so only
// transport failures mark it down.
func (a *Aggregator) probeExecution(ctx context.Context, url string) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	client, err := rpc.DialContext(ctx, url)
	if err != nil {
		return err
	}
	defer client.Close()

	var result json.RawMessage
	if err := client.CallContext(ctx, &result, "eth_syncing"); err != nil {
		var rpcErr rpc.Error
		if errors.As(err, &rpcErr) {
			return nil
		}
		return err
	}
	return nil
}

type beaconSyncingResponse struct {
	Data struct {
		IsSyncing bool   `json:"is_syncing"`
		HeadSlot  string `json:"head_slot"`
	} `json:"data"`
}

// probeConsensus queries the beacon node syncing endpoint.
func (a *Aggregator) probeConsensus(ctx context.Context, url string) (*SyncStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimSuffix(url, "/")+"/eth/v1/node/syncing", nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("consensus probe: status %d", resp.StatusCode)
	}
	var body beaconSyncingResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		// A 2xx with an unexpected body still counts as reachable.
		return &SyncStatus{}, nil
	}
	return &SyncStatus{IsSyncing: body.Data.IsSyncing, HeadSlot: body.Data.HeadSlot}, nil
}

// probePrometheus fetches the exposition endpoint.
func (a *Aggregator) probePrometheus(ctx context.Context, url string) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimSuffix(url, "/")+"/metrics", nil)
	if err != nil {
		return err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("prometheus probe: status %d", resp.StatusCode)
	}
	return nil
}
