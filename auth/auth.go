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

// Package auth provides user registration, password login and the JWT
// bearer middleware protecting the provisioning and admin surfaces.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"github.com/nodebridge/nodebridge/internal/web"
	"github.com/nodebridge/nodebridge/store"
)

// DefaultTokenTTL is how long an issued token stays valid.
const DefaultTokenTTL = 24 * time.Hour

// Per-IP limits on the unauthenticated endpoints.
const (
	loginRate  = 5
	loginBurst = 10
)

type contextKey int

const identityContextKey contextKey = iota

// Identity is the authenticated caller attached to the request context.
type Identity struct {
	UserID string
	Role   string
}

// WithIdentity attaches the authenticated caller to ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

// IdentityFrom returns the authenticated caller, if any.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityContextKey).(Identity)
	return id, ok
}

// Claims is the JWT payload issued on login.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Service implements the auth endpoints and the bearer middleware.
type Service struct {
	store  store.Store
	secret []byte
	ttl    time.Duration

	mu       sync.Mutex
	visitors map[string]*rate.Limiter
}

// New creates the auth service signing tokens with secret.
func New(st store.Store, secret []byte) *Service {
	return &Service{
		store:    st,
		secret:   secret,
		ttl:      DefaultTokenTTL,
		visitors: make(map[string]*rate.Limiter),
	}
}

// RegisterRoutes installs the auth endpoints on the gateway router.
func (s *Service) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/auth/register", s.throttle(s.handleRegister)).Methods(http.MethodPost)
	r.HandleFunc("/auth/login", s.throttle(s.handleLogin)).Methods(http.MethodPost)
}

// throttle applies the per-IP token bucket to the unauthenticated
// endpoints.
func (s *Service) throttle(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		s.mu.Lock()
		lim := s.visitors[host]
		if lim == nil {
			lim = rate.NewLimiter(loginRate, loginBurst)
			s.visitors[host] = lim
		}
		s.mu.Unlock()
		if !lim.Allow() {
			writeError(w, http.StatusTooManyRequests, "Too many requests")
			return
		}
		next(w, r)
	}
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Service) handleRegister(w http.ResponseWriter, r *http.Request) {
	var creds credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	creds.Email = strings.TrimSpace(strings.ToLower(creds.Email))
	if creds.Email == "" || !strings.Contains(creds.Email, "@") {
		writeError(w, http.StatusBadRequest, "Invalid email address")
		return
	}
	if len(creds.Password) < 8 {
		writeError(w, http.StatusBadRequest, "Password must be at least 8 characters")
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(creds.Password), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	user := &store.User{
		Email:        creds.Email,
		PasswordHash: string(hash),
		Role:         store.RoleUser,
	}
	if err := s.store.SaveUser(r.Context(), user); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			writeError(w, http.StatusConflict, "Email already registered")
			return
		}
		log.Error("User registration failed", "err", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	log.Info("User registered", "user", user.ID)
	writeJSON(w, http.StatusCreated, user)
}

func (s *Service) handleLogin(w http.ResponseWriter, r *http.Request) {
	var creds credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	user, err := s.store.UserByEmail(r.Context(), creds.Email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "Invalid email or password")
			return
		}
		log.Error("Login lookup failed", "err", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(creds.Password)) != nil {
		writeError(w, http.StatusUnauthorized, "Invalid email or password")
		return
	}
	token, expires, err := s.IssueToken(user)
	if err != nil {
		log.Error("Token issuance failed", "user", user.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":     token,
		"expiresAt": expires,
	})
}

// IssueToken signs a bearer token for the given user.
func (s *Service) IssueToken(user *store.User) (string, time.Time, error) {
	expires := time.Now().Add(s.ttl)
	claims := Claims{
		Role: user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	return token, expires, err
}

// Middleware validates the Authorization bearer token and attaches the
// caller identity to the request context.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "Missing bearer token")
			return
		}
		claims := new(Claims)
		_, err := jwt.ParseWithClaims(strings.TrimPrefix(header, "Bearer "), claims,
			func(t *jwt.Token) (interface{}, error) {
				if t.Method != jwt.SigningMethodHS256 {
					return nil, jwt.ErrSignatureInvalid
				}
				return s.secret, nil
			})
		if err != nil || claims.Subject == "" {
			writeError(w, http.StatusUnauthorized, "Invalid or expired token")
			return
		}
		ctx := WithIdentity(r.Context(), Identity{UserID: claims.Subject, Role: claims.Role})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin rejects callers whose token does not carry the admin role.
func (s *Service) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFrom(r.Context())
		if !ok || id.Role != store.RoleAdmin {
			writeError(w, http.StatusForbidden, "Admin privileges required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	web.WriteJSON(w, status, v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	web.WriteError(w, status, msg)
}
