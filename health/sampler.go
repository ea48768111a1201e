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

package health

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/nodebridge/nodebridge/metrics"
	"github.com/nodebridge/nodebridge/registry"
)

// DefaultSampleInterval is how often the background sampler re-probes all
// registered chains.
const DefaultSampleInterval = time.Minute

// Sampler periodically probes every registered chain and publishes the
// per-service results as gauges.
type Sampler struct {
	agg      *Aggregator
	reg      *registry.Registry
	metrics  *metrics.Metrics
	interval time.Duration
	quit     chan struct{}
	done     chan struct{}
}

// NewSampler creates a sampler; it is idle until Start is called.
func NewSampler(agg *Aggregator, reg *registry.Registry, m *metrics.Metrics) *Sampler {
	return &Sampler{
		agg:      agg,
		reg:      reg,
		metrics:  m,
		interval: DefaultSampleInterval,
	}
}

// Start launches the sampling loop.
func (s *Sampler) Start() {
	if s.quit != nil {
		return
	}
	s.quit = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(s.quit, s.done)
}

// Stop terminates the sampling loop and waits for it to exit.
func (s *Sampler) Stop() {
	if s.quit == nil {
		return
	}
	close(s.quit)
	<-s.done
	s.quit = nil
}

func (s *Sampler) loop(quit <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.SampleAll()
		case <-quit:
			return
		}
	}
}

// SampleAll probes every registered chain once and publishes the results.
// Exported so tests and the boot path can force a sample.
func (s *Sampler) SampleAll() {
	ctx, cancel := context.WithTimeout(context.Background(), s.interval)
	defer cancel()

	for _, name := range s.reg.Names() {
		report := s.agg.Check(ctx, name)
		if report == nil {
			continue
		}
		s.publish(name, "execution", report.Execution)
		s.publish(name, "consensus", report.Consensus)
		s.publish(name, "metrics", report.Metrics)
		if report.Status != StatusHealthy {
			log.Warn("Chain health degraded", "chain", name, "status", report.Status,
				"execution", report.Execution.Status, "consensus", report.Consensus.Status,
				"metrics", report.Metrics.Status)
		}
	}
}

func (s *Sampler) publish(chain, service string, st ServiceStatus) {
	if st.Status == StatusNotConfigured {
		return
	}
	s.metrics.SetChainHealth(chain, service, st.Status == StatusHealthy || st.Status == StatusAvailable)
}
