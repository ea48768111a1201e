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

// Package registry maintains the in-memory map of chain configurations the
// data plane routes against. The map is read-mostly: lookups load an
// atomic pointer, admin-triggered reloads swap it wholesale.
package registry

import (
	"math/rand"
	"strings"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/log"

	"github.com/nodebridge/nodebridge/store"
)

// Environment variable suffixes recognized per chain.
const (
	executionSuffix  = "_EXECUTION_RPC_URL"
	consensusSuffix  = "_CONSENSUS_API_URL"
	prometheusSuffix = "_PROMETHEUS_URL"
)

// Config is the routing configuration of a single chain.
type Config struct {
	Name           string
	ChainID        string
	Enabled        bool
	ExecutionURLs  []string
	ConsensusURLs  []string
	PrometheusURLs []string
}

// Registry maps lowercased chain names to their configurations.
type Registry struct {
	env    map[string]*Config // parsed from the environment at boot, never mutated
	chains atomic.Value       // map[string]*Config, env merged with store records
}

// New builds a registry from the given environment (os.Environ() form).
// Store-backed chains are merged in later via Reload.
func New(environ []string) *Registry {
	r := &Registry{env: parseEnviron(environ)}
	r.chains.Store(copyConfigs(r.env))
	for name := range r.env {
		cfg := r.env[name]
		log.Info("Registered chain from environment", "chain", name,
			"execution", len(cfg.ExecutionURLs), "consensus", len(cfg.ConsensusURLs),
			"prometheus", len(cfg.PrometheusURLs))
	}
	return r
}

// ParseURLList splits a comma-separated URL list, trimming whitespace and
// discarding empty tokens. An all-empty value yields nil, not an empty
// slice, so "absent" and "configured empty" stay distinguishable.
func ParseURLList(s string) []string {
	var urls []string
	for _, tok := range strings.Split(s, ",") {
		if tok = strings.TrimSpace(tok); tok != "" {
			urls = append(urls, tok)
		}
	}
	return urls
}

// parseEnviron extracts chain configurations from {CHAIN}_EXECUTION_RPC_URL,
// {CHAIN}_CONSENSUS_API_URL and {CHAIN}_PROMETHEUS_URL variables. Variables
// beginning with DEFAULT_ are provisioning fallbacks, never chain names.
func parseEnviron(environ []string) map[string]*Config {
	chains := make(map[string]*Config)
	get := func(name string) *Config {
		if c, ok := chains[name]; ok {
			return c
		}
		c := &Config{Name: name, Enabled: true}
		chains[name] = c
		return c
	}
	for _, kv := range environ {
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		key, value := kv[:eq], kv[eq+1:]
		if strings.HasPrefix(key, "DEFAULT_") {
			continue
		}
		urls := ParseURLList(value)
		if urls == nil {
			continue
		}
		switch {
		case strings.HasSuffix(key, executionSuffix):
			name := strings.ToLower(strings.TrimSuffix(key, executionSuffix))
			get(name).ExecutionURLs = urls
		case strings.HasSuffix(key, consensusSuffix):
			name := strings.ToLower(strings.TrimSuffix(key, consensusSuffix))
			get(name).ConsensusURLs = urls
		case strings.HasSuffix(key, prometheusSuffix):
			name := strings.ToLower(strings.TrimSuffix(key, prometheusSuffix))
			get(name).PrometheusURLs = urls
		}
	}
	return chains
}

func copyConfigs(src map[string]*Config) map[string]*Config {
	dst := make(map[string]*Config, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// Get returns the configuration for the named chain, case-insensitively,
// or nil when the chain is unknown.
func (r *Registry) Get(name string) *Config {
	chains := r.chains.Load().(map[string]*Config)
	return chains[strings.ToLower(name)]
}

// Names returns the names of all registered chains.
func (r *Registry) Names() []string {
	chains := r.chains.Load().(map[string]*Config)
	names := make([]string, 0, len(chains))
	for name := range chains {
		names = append(names, name)
	}
	return names
}

// PickExecution returns a uniformly random execution upstream for the named
// chain, or "" when none is configured.
func (r *Registry) PickExecution(name string) string {
	return pick(r.urls(name, func(c *Config) []string { return c.ExecutionURLs }))
}

// PickConsensus returns a uniformly random consensus upstream for the named
// chain, or "" when none is configured.
func (r *Registry) PickConsensus(name string) string {
	return pick(r.urls(name, func(c *Config) []string { return c.ConsensusURLs }))
}

func (r *Registry) urls(name string, sel func(*Config) []string) []string {
	cfg := r.Get(name)
	if cfg == nil {
		return nil
	}
	return sel(cfg)
}

func pick(urls []string) string {
	switch len(urls) {
	case 0:
		return ""
	case 1:
		return urls[0]
	default:
		return urls[rand.Intn(len(urls))]
	}
}

// Reload rebuilds the routing map from the boot-time environment plus the
// given store records and swaps it in atomically. Disabled chains from the
// store are kept (so Get can distinguish "disabled" from "unknown") but a
// store record always overrides an environment entry of the same name.
func (r *Registry) Reload(chains []*store.Chain) {
	next := copyConfigs(r.env)
	for _, c := range chains {
		next[strings.ToLower(c.Name)] = &Config{
			Name:           strings.ToLower(c.Name),
			ChainID:        c.ChainID,
			Enabled:        c.Enabled,
			ExecutionURLs:  append([]string(nil), c.ExecutionURLs...),
			ConsensusURLs:  append([]string(nil), c.ConsensusURLs...),
			PrometheusURLs: append([]string(nil), c.PrometheusURLs...),
		}
	}
	r.chains.Store(next)
	log.Debug("Chain registry reloaded", "chains", len(next))
}
