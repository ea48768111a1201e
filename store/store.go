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

// Package store defines the persistence contract of the gateway. The hot
// path consumes only AdmitByAPIKey and ResetDailyIfNeeded; everything else
// exists for the provisioning and admin surfaces.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrInvalidOrInactive is returned by AdmitByAPIKey when no active app
	// matches the presented key. Callers must not distinguish between an
	// unknown key and a deactivated one.
	ErrInvalidOrInactive = errors.New("store: invalid or inactive API key")

	// ErrDuplicate is returned when a uniqueness constraint (email, chain
	// name, chain id, api key) would be violated.
	ErrDuplicate = errors.New("store: duplicate record")
)

// User is an account that owns apps. Password authentication and JWT
// issuance live in the auth package; the store only keeps the hash.
type User struct {
	ID           string    `bson:"_id,omitempty" json:"id"`
	Email        string    `bson:"email" json:"email"`
	PasswordHash string    `bson:"passwordHash" json:"-"`
	Role         string    `bson:"role" json:"role"`
	CreatedAt    time.Time `bson:"createdAt" json:"createdAt"`
}

// Roles assignable to users.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Chain is a named blockchain network with its configured upstream pools.
type Chain struct {
	ID             string    `bson:"_id,omitempty" json:"id"`
	Name           string    `bson:"name" json:"name"`
	ChainID        string    `bson:"chainId" json:"chainId"`
	Enabled        bool      `bson:"enabled" json:"enabled"`
	AdminNotes     string    `bson:"adminNotes,omitempty" json:"adminNotes,omitempty"`
	ExecutionURLs  []string  `bson:"executionUrls" json:"executionUrls"`
	ConsensusURLs  []string  `bson:"consensusUrls" json:"consensusUrls"`
	PrometheusURLs []string  `bson:"prometheusUrls" json:"prometheusUrls"`
	CreatedAt      time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt      time.Time `bson:"updatedAt" json:"updatedAt"`
}

// App is the tenant credential unit: one API key bound to one chain, with
// its quota limits and usage counters.
type App struct {
	ID                 string    `bson:"_id,omitempty" json:"id"`
	OwnerUserID        string    `bson:"ownerUserId" json:"ownerUserId"`
	Name               string    `bson:"name" json:"name"`
	Description        string    `bson:"description,omitempty" json:"description,omitempty"`
	APIKey             string    `bson:"apiKey" json:"apiKey"`
	ChainName          string    `bson:"chainName" json:"chainName"`
	ChainID            string    `bson:"chainId" json:"chainId"`
	MaxRPS             float64   `bson:"maxRps" json:"maxRps"`
	DailyRequestsLimit int64     `bson:"dailyRequestsLimit" json:"dailyRequestsLimit"`
	TotalRequests      int64     `bson:"totalRequests" json:"totalRequests"`
	DailyRequests      int64     `bson:"dailyRequests" json:"dailyRequests"`
	LastResetDate      time.Time `bson:"lastResetDate" json:"lastResetDate"`
	Active             bool      `bson:"active" json:"active"`
	CreatedAt          time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt          time.Time `bson:"updatedAt" json:"updatedAt"`
}

// Settings is the singleton holding defaults applied to newly provisioned
// apps. It is never consulted on the hot path.
type Settings struct {
	DefaultMaxRPS             float64 `bson:"defaultMaxRps" json:"defaultMaxRps"`
	DefaultDailyRequestsLimit int64   `bson:"defaultDailyRequestsLimit" json:"defaultDailyRequestsLimit"`
}

// Store is the persistence contract. Implementations must make
// AdmitByAPIKey atomic: lookup, active check and counter increments happen
// as one operation, never as a read-modify-write sequence.
type Store interface {
	// AdmitByAPIKey finds the active app holding key, increments both
	// totalRequests and dailyRequests by one and returns the post-update
	// document. Returns ErrInvalidOrInactive when no active app matches.
	AdmitByAPIKey(ctx context.Context, key string) (*App, error)

	// ResetDailyIfNeeded rolls the daily counter over when lastResetDate is
	// not the current local calendar day. The admitted request that observes
	// the rollover counts as the first of the new day, so the persisted
	// counter becomes 1, never 0. Idempotent within a day; last-writer-wins
	// under concurrency. The app is updated in place on rollover.
	ResetDailyIfNeeded(ctx context.Context, app *App) error

	SaveUser(ctx context.Context, user *User) error
	UserByEmail(ctx context.Context, email string) (*User, error)

	SaveApp(ctx context.Context, app *App) error
	AppByID(ctx context.Context, id string) (*App, error)
	AppsByOwner(ctx context.Context, ownerID string) ([]*App, error)
	CountAppsByOwner(ctx context.Context, ownerID string) (int64, error)
	DeleteApp(ctx context.Context, id string) error

	SaveChain(ctx context.Context, chain *Chain) error
	Chains(ctx context.Context) ([]*Chain, error)
	ChainByName(ctx context.Context, name string) (*Chain, error)
	DeleteChain(ctx context.Context, name string) error

	Settings(ctx context.Context) (*Settings, error)
	SaveSettings(ctx context.Context, s *Settings) error

	Close(ctx context.Context) error
}

// SameDay reports whether a and b fall on the same local calendar day.
func SameDay(a, b time.Time) bool {
	ay, am, ad := a.Local().Date()
	by, bm, bd := b.Local().Date()
	return ay == by && am == bm && ad == bd
}
