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

// Package admin carries the provisioning surface: app CRUD for tenants and
// the admin-only chain, app and default-settings management. Chain writes
// rebuild the routing registry.
package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/nodebridge/nodebridge/auth"
	"github.com/nodebridge/nodebridge/internal/web"
	"github.com/nodebridge/nodebridge/registry"
	"github.com/nodebridge/nodebridge/store"
)

// MaxAppsPerUser bounds how many apps a single account may provision.
const MaxAppsPerUser = 5

// Fallbacks are the quota defaults applied when no DefaultAppSettings
// record exists yet; they come from DEFAULT_MAX_RPS and
// DEFAULT_DAILY_REQUESTS.
type Fallbacks struct {
	MaxRPS        float64
	DailyRequests int64
}

// Service implements the provisioning and admin handlers.
type Service struct {
	store    store.Store
	registry *registry.Registry
	auth     *auth.Service
	fallback Fallbacks
}

// New creates the provisioning service.
func New(st store.Store, reg *registry.Registry, authSvc *auth.Service, fallback Fallbacks) *Service {
	return &Service{store: st, registry: reg, auth: authSvc, fallback: fallback}
}

// RegisterRoutes installs the JWT-protected provisioning routes and the
// admin-role routes on the gateway router.
func (s *Service) RegisterRoutes(r *mux.Router) {
	apps := r.PathPrefix("/apps").Subrouter()
	apps.Use(s.auth.Middleware)
	apps.HandleFunc("", s.handleCreateApp).Methods(http.MethodPost)
	apps.HandleFunc("", s.handleListApps).Methods(http.MethodGet)
	apps.HandleFunc("/{id}", s.handleGetApp).Methods(http.MethodGet)
	apps.HandleFunc("/{id}", s.handleUpdateApp).Methods(http.MethodPatch)
	apps.HandleFunc("/{id}", s.handleDeleteApp).Methods(http.MethodDelete)

	adm := r.PathPrefix("/admin").Subrouter()
	adm.Use(s.auth.Middleware, s.auth.RequireAdmin)
	adm.HandleFunc("/chains", s.handleCreateChain).Methods(http.MethodPost)
	adm.HandleFunc("/chains", s.handleListChains).Methods(http.MethodGet)
	adm.HandleFunc("/chains/{name}", s.handleGetChain).Methods(http.MethodGet)
	adm.HandleFunc("/chains/{name}", s.handleUpdateChain).Methods(http.MethodPut)
	adm.HandleFunc("/chains/{name}", s.handleDeleteChain).Methods(http.MethodDelete)
	adm.HandleFunc("/settings", s.handleGetSettings).Methods(http.MethodGet)
	adm.HandleFunc("/settings", s.handlePutSettings).Methods(http.MethodPut)
	adm.HandleFunc("/apps/{id}", s.handleAdminUpdateApp).Methods(http.MethodPatch)
}

type createAppRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	ChainName   string `json:"chainName"`
}

func (s *Service) handleCreateApp(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFrom(r.Context())

	var req createAppRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		web.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		web.WriteError(w, http.StatusBadRequest, "App name is required")
		return
	}
	cfg := s.registry.Get(req.ChainName)
	if cfg == nil || !cfg.Enabled {
		web.WriteError(w, http.StatusBadRequest, "Chain not found or disabled")
		return
	}

	count, err := s.store.CountAppsByOwner(r.Context(), id.UserID)
	if err != nil {
		log.Error("App count failed", "user", id.UserID, "err", err)
		web.WriteError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if count >= MaxAppsPerUser {
		web.WriteError(w, http.StatusForbidden, "App limit reached (5 apps per user)")
		return
	}

	maxRPS, daily := s.defaults(r)
	now := time.Now()
	app := &store.App{
		OwnerUserID:        id.UserID,
		Name:               req.Name,
		Description:        strings.TrimSpace(req.Description),
		APIKey:             uuid.NewString(),
		ChainName:          cfg.Name,
		ChainID:            cfg.ChainID,
		MaxRPS:             maxRPS,
		DailyRequestsLimit: daily,
		LastResetDate:      now,
		Active:             true,
	}
	if err := s.store.SaveApp(r.Context(), app); err != nil {
		log.Error("App provisioning failed", "user", id.UserID, "err", err)
		web.WriteError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	log.Info("App provisioned", "user", id.UserID, "app", app.ID, "chain", app.ChainName)
	web.WriteJSON(w, http.StatusCreated, app)
}

// defaults resolves the quota defaults for a new app: the stored
// DefaultAppSettings record wins, the environment fallbacks cover its
// absence.
func (s *Service) defaults(r *http.Request) (float64, int64) {
	set, err := s.store.Settings(r.Context())
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Warn("Default settings lookup failed", "err", err)
		}
		return s.fallback.MaxRPS, s.fallback.DailyRequests
	}
	return set.DefaultMaxRPS, set.DefaultDailyRequestsLimit
}

func (s *Service) handleListApps(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFrom(r.Context())
	apps, err := s.store.AppsByOwner(r.Context(), id.UserID)
	if err != nil {
		log.Error("App listing failed", "user", id.UserID, "err", err)
		web.WriteError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if apps == nil {
		apps = []*store.App{}
	}
	web.WriteJSON(w, http.StatusOK, apps)
}

// ownedApp loads an app and hides other owners' apps behind a 404 so the
// endpoint is not an existence oracle.
func (s *Service) ownedApp(w http.ResponseWriter, r *http.Request) *store.App {
	id, _ := auth.IdentityFrom(r.Context())
	app, err := s.store.AppByID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			web.WriteError(w, http.StatusNotFound, "App not found")
		} else {
			log.Error("App lookup failed", "err", err)
			web.WriteError(w, http.StatusInternalServerError, "Internal server error")
		}
		return nil
	}
	if app.OwnerUserID != id.UserID && id.Role != store.RoleAdmin {
		web.WriteError(w, http.StatusNotFound, "App not found")
		return nil
	}
	return app
}

func (s *Service) handleGetApp(w http.ResponseWriter, r *http.Request) {
	if app := s.ownedApp(w, r); app != nil {
		web.WriteJSON(w, http.StatusOK, app)
	}
}

type updateAppRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Active      *bool   `json:"active"`
}

func (s *Service) handleUpdateApp(w http.ResponseWriter, r *http.Request) {
	app := s.ownedApp(w, r)
	if app == nil {
		return
	}
	var req updateAppRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		web.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Name != nil {
		if strings.TrimSpace(*req.Name) == "" {
			web.WriteError(w, http.StatusBadRequest, "App name is required")
			return
		}
		app.Name = strings.TrimSpace(*req.Name)
	}
	if req.Description != nil {
		app.Description = strings.TrimSpace(*req.Description)
	}
	if req.Active != nil {
		app.Active = *req.Active
	}
	if err := s.store.SaveApp(r.Context(), app); err != nil {
		log.Error("App update failed", "app", app.ID, "err", err)
		web.WriteError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	web.WriteJSON(w, http.StatusOK, app)
}

func (s *Service) handleDeleteApp(w http.ResponseWriter, r *http.Request) {
	app := s.ownedApp(w, r)
	if app == nil {
		return
	}
	if err := s.store.DeleteApp(r.Context(), app.ID); err != nil {
		log.Error("App deletion failed", "app", app.ID, "err", err)
		web.WriteError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type chainRequest struct {
	Name           string   `json:"name"`
	ChainID        string   `json:"chainId"`
	Enabled        bool     `json:"enabled"`
	AdminNotes     string   `json:"adminNotes"`
	ExecutionURLs  []string `json:"executionUrls"`
	ConsensusURLs  []string `json:"consensusUrls"`
	PrometheusURLs []string `json:"prometheusUrls"`
}

func (req *chainRequest) validate() string {
	if strings.TrimSpace(req.Name) == "" {
		return "Chain name is required"
	}
	if strings.TrimSpace(req.ChainID) == "" {
		return "Chain id is required"
	}
	return ""
}

func (req *chainRequest) toChain(existing *store.Chain) *store.Chain {
	c := &store.Chain{
		Name:           strings.TrimSpace(req.Name),
		ChainID:        strings.TrimSpace(req.ChainID),
		Enabled:        req.Enabled,
		AdminNotes:     req.AdminNotes,
		ExecutionURLs:  req.ExecutionURLs,
		ConsensusURLs:  req.ConsensusURLs,
		PrometheusURLs: req.PrometheusURLs,
	}
	if existing != nil {
		c.ID = existing.ID
		c.CreatedAt = existing.CreatedAt
	}
	return c
}

func (s *Service) handleCreateChain(w http.ResponseWriter, r *http.Request) {
	var req chainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		web.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if msg := req.validate(); msg != "" {
		web.WriteError(w, http.StatusBadRequest, msg)
		return
	}
	if _, err := s.store.ChainByName(r.Context(), req.Name); err == nil {
		web.WriteError(w, http.StatusConflict, "Chain already exists")
		return
	}
	chain := req.toChain(nil)
	if err := s.store.SaveChain(r.Context(), chain); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			web.WriteError(w, http.StatusConflict, "Chain already exists")
			return
		}
		log.Error("Chain creation failed", "chain", req.Name, "err", err)
		web.WriteError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	s.reloadRegistry(r)
	web.WriteJSON(w, http.StatusCreated, chain)
}

func (s *Service) handleListChains(w http.ResponseWriter, r *http.Request) {
	chains, err := s.store.Chains(r.Context())
	if err != nil {
		log.Error("Chain listing failed", "err", err)
		web.WriteError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if chains == nil {
		chains = []*store.Chain{}
	}
	web.WriteJSON(w, http.StatusOK, chains)
}

func (s *Service) handleGetChain(w http.ResponseWriter, r *http.Request) {
	chain, err := s.store.ChainByName(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			web.WriteError(w, http.StatusNotFound, "Chain not found")
		} else {
			log.Error("Chain lookup failed", "err", err)
			web.WriteError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}
	web.WriteJSON(w, http.StatusOK, chain)
}

func (s *Service) handleUpdateChain(w http.ResponseWriter, r *http.Request) {
	existing, err := s.store.ChainByName(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			web.WriteError(w, http.StatusNotFound, "Chain not found")
		} else {
			log.Error("Chain lookup failed", "err", err)
			web.WriteError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}
	var req chainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		web.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if msg := req.validate(); msg != "" {
		web.WriteError(w, http.StatusBadRequest, msg)
		return
	}
	chain := req.toChain(existing)
	if err := s.store.SaveChain(r.Context(), chain); err != nil {
		log.Error("Chain update failed", "chain", chain.Name, "err", err)
		web.WriteError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	s.reloadRegistry(r)
	web.WriteJSON(w, http.StatusOK, chain)
}

func (s *Service) handleDeleteChain(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := s.store.DeleteChain(r.Context(), name); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			web.WriteError(w, http.StatusNotFound, "Chain not found")
		} else {
			log.Error("Chain deletion failed", "chain", name, "err", err)
			web.WriteError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}
	s.reloadRegistry(r)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) reloadRegistry(r *http.Request) {
	chains, err := s.store.Chains(r.Context())
	if err != nil {
		log.Error("Registry reload failed", "err", err)
		return
	}
	s.registry.Reload(chains)
}

func (s *Service) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	set, err := s.store.Settings(r.Context())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			set = &store.Settings{
				DefaultMaxRPS:             s.fallback.MaxRPS,
				DefaultDailyRequestsLimit: s.fallback.DailyRequests,
			}
		} else {
			log.Error("Settings lookup failed", "err", err)
			web.WriteError(w, http.StatusInternalServerError, "Internal server error")
			return
		}
	}
	web.WriteJSON(w, http.StatusOK, set)
}

func (s *Service) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var set store.Settings
	if err := json.NewDecoder(r.Body).Decode(&set); err != nil {
		web.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if set.DefaultMaxRPS < 0 || set.DefaultDailyRequestsLimit < 0 {
		web.WriteError(w, http.StatusBadRequest, "Defaults must be non-negative")
		return
	}
	if err := s.store.SaveSettings(r.Context(), &set); err != nil {
		log.Error("Settings update failed", "err", err)
		web.WriteError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	web.WriteJSON(w, http.StatusOK, &set)
}

type adminUpdateAppRequest struct {
	MaxRPS             *float64 `json:"maxRps"`
	DailyRequestsLimit *int64   `json:"dailyRequestsLimit"`
	Active             *bool    `json:"active"`
}

func (s *Service) handleAdminUpdateApp(w http.ResponseWriter, r *http.Request) {
	app, err := s.store.AppByID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			web.WriteError(w, http.StatusNotFound, "App not found")
		} else {
			log.Error("App lookup failed", "err", err)
			web.WriteError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}
	var req adminUpdateAppRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		web.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.MaxRPS != nil {
		if *req.MaxRPS < 0 {
			web.WriteError(w, http.StatusBadRequest, "maxRps must be non-negative")
			return
		}
		app.MaxRPS = *req.MaxRPS
	}
	if req.DailyRequestsLimit != nil {
		if *req.DailyRequestsLimit < 0 {
			web.WriteError(w, http.StatusBadRequest, "dailyRequestsLimit must be non-negative")
			return
		}
		app.DailyRequestsLimit = *req.DailyRequestsLimit
	}
	if req.Active != nil {
		app.Active = *req.Active
	}
	if err := s.store.SaveApp(r.Context(), app); err != nil {
		log.Error("App update failed", "app", app.ID, "err", err)
		web.WriteError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	web.WriteJSON(w, http.StatusOK, app)
}
