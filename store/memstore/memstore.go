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

// Package memstore is an in-memory store.Store used by tests and by the
// --dev mode of the gateway. All operations are serialized by a single
// mutex, which gives AdmitByAPIKey the same atomicity the mongo
// implementation gets from FindOneAndUpdate.
package memstore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nodebridge/nodebridge/store"
)

type Store struct {
	mu       sync.Mutex
	users    map[string]*store.User // keyed by id
	emails   map[string]string      // lowercase email -> user id
	apps     map[string]*store.App  // keyed by id
	keys     map[string]string      // api key -> app id
	chains   map[string]*store.Chain // keyed by lowercase name
	settings *store.Settings
	seq      int
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		users:  make(map[string]*store.User),
		emails: make(map[string]string),
		apps:   make(map[string]*store.App),
		keys:   make(map[string]string),
		chains: make(map[string]*store.Chain),
	}
}

func (s *Store) nextID(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s-%d", prefix, s.seq)
}

func cloneApp(a *store.App) *store.App {
	c := *a
	return &c
}

func cloneChain(c *store.Chain) *store.Chain {
	cc := *c
	cc.ExecutionURLs = append([]string(nil), c.ExecutionURLs...)
	cc.ConsensusURLs = append([]string(nil), c.ConsensusURLs...)
	cc.PrometheusURLs = append([]string(nil), c.PrometheusURLs...)
	return &cc
}

func (s *Store) AdmitByAPIKey(ctx context.Context, key string) (*store.App, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.keys[key]
	if !ok {
		return nil, store.ErrInvalidOrInactive
	}
	app := s.apps[id]
	if app == nil || !app.Active {
		return nil, store.ErrInvalidOrInactive
	}
	app.TotalRequests++
	app.DailyRequests++
	app.UpdatedAt = time.Now()
	return cloneApp(app), nil
}

func (s *Store) ResetDailyIfNeeded(ctx context.Context, app *store.App) error {
	now := time.Now()
	if store.SameDay(app.LastResetDate, now) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.apps[app.ID]
	if !ok {
		return store.ErrNotFound
	}
	// The request that observed the rollover is the first of the new day.
	rec.DailyRequests = 1
	rec.LastResetDate = now
	rec.UpdatedAt = now
	app.DailyRequests = rec.DailyRequests
	app.LastResetDate = rec.LastResetDate
	return nil
}

func (s *Store) SaveUser(ctx context.Context, user *store.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	email := strings.ToLower(user.Email)
	if id, ok := s.emails[email]; ok && id != user.ID {
		return store.ErrDuplicate
	}
	if user.ID == "" {
		user.ID = s.nextID("user")
		user.CreatedAt = time.Now()
	}
	u := *user
	s.users[user.ID] = &u
	s.emails[email] = user.ID
	return nil
}

func (s *Store) UserByEmail(ctx context.Context, email string) (*store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.emails[strings.ToLower(email)]
	if !ok {
		return nil, store.ErrNotFound
	}
	u := *s.users[id]
	return &u, nil
}

func (s *Store) SaveApp(ctx context.Context, app *store.App) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.keys[app.APIKey]; ok && id != app.ID {
		return store.ErrDuplicate
	}
	now := time.Now()
	if app.ID == "" {
		app.ID = s.nextID("app")
		app.CreatedAt = now
	}
	app.UpdatedAt = now
	s.apps[app.ID] = cloneApp(app)
	s.keys[app.APIKey] = app.ID
	return nil
}

func (s *Store) AppByID(ctx context.Context, id string) (*store.App, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	app, ok := s.apps[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneApp(app), nil
}

func (s *Store) AppsByOwner(ctx context.Context, ownerID string) ([]*store.App, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*store.App
	for _, app := range s.apps {
		if app.OwnerUserID == ownerID {
			out = append(out, cloneApp(app))
		}
	}
	return out, nil
}

func (s *Store) CountAppsByOwner(ctx context.Context, ownerID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, app := range s.apps {
		if app.OwnerUserID == ownerID {
			n++
		}
	}
	return n, nil
}

func (s *Store) DeleteApp(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	app, ok := s.apps[id]
	if !ok {
		return store.ErrNotFound
	}
	delete(s.keys, app.APIKey)
	delete(s.apps, id)
	return nil
}

func (s *Store) SaveChain(ctx context.Context, chain *store.Chain) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := strings.ToLower(chain.Name)
	existing, ok := s.chains[name]
	for _, c := range s.chains {
		if c.ChainID == chain.ChainID && !strings.EqualFold(c.Name, chain.Name) {
			return store.ErrDuplicate
		}
	}
	now := time.Now()
	if !ok {
		chain.ID = s.nextID("chain")
		chain.CreatedAt = now
	} else {
		chain.ID = existing.ID
		chain.CreatedAt = existing.CreatedAt
	}
	chain.UpdatedAt = now
	s.chains[name] = cloneChain(chain)
	return nil
}

func (s *Store) Chains(ctx context.Context) ([]*store.Chain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*store.Chain, 0, len(s.chains))
	for _, c := range s.chains {
		out = append(out, cloneChain(c))
	}
	return out, nil
}

func (s *Store) ChainByName(ctx context.Context, name string) (*store.Chain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chains[strings.ToLower(name)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneChain(c), nil
}

func (s *Store) DeleteChain(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(name)
	if _, ok := s.chains[key]; !ok {
		return store.ErrNotFound
	}
	delete(s.chains, key)
	return nil
}

func (s *Store) Settings(ctx context.Context) (*store.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.settings == nil {
		return nil, store.ErrNotFound
	}
	cp := *s.settings
	return &cp, nil
}

func (s *Store) SaveSettings(ctx context.Context, set *store.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *set
	s.settings = &cp
	return nil
}

func (s *Store) Close(ctx context.Context) error { return nil }
