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

package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/nodebridge/nodebridge/store"
	"github.com/nodebridge/nodebridge/store/memstore"
)

func newTestService() (*Service, *mux.Router) {
	svc := New(memstore.New(), []byte("test-secret"))
	router := mux.NewRouter()
	svc.RegisterRoutes(router)
	return svc, router
}

func postJSON(router http.Handler, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestRegisterAndLogin(t *testing.T) {
	svc, router := newTestService()

	rr := postJSON(router, "/auth/register", `{"email":"Alice@Example.com","password":"supersecret"}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var created store.User
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)
	require.Equal(t, "alice@example.com", created.Email)
	require.Equal(t, store.RoleUser, created.Role)
	require.NotContains(t, rr.Body.String(), "passwordHash", "the hash never leaves the store")

	rr = postJSON(router, "/auth/login", `{"email":"alice@example.com","password":"supersecret"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var login struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expiresAt"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &login))
	require.NotEmpty(t, login.Token)
	require.True(t, login.ExpiresAt.After(time.Now()))

	claims := new(Claims)
	_, err := jwt.ParseWithClaims(login.Token, claims, func(t *jwt.Token) (interface{}, error) {
		return svc.secret, nil
	})
	require.NoError(t, err)
	require.Equal(t, created.ID, claims.Subject)
	require.Equal(t, store.RoleUser, claims.Role)
}

func TestRegisterValidation(t *testing.T) {
	_, router := newTestService()

	tests := []struct {
		body string
		code int
	}{
		{`{"email":"","password":"supersecret"}`, http.StatusBadRequest},
		{`{"email":"not-an-email","password":"supersecret"}`, http.StatusBadRequest},
		{`{"email":"a@b.com","password":"short"}`, http.StatusBadRequest},
		{`not json`, http.StatusBadRequest},
		{`{"email":"a@b.com","password":"supersecret"}`, http.StatusCreated},
		{`{"email":"A@B.com","password":"othersecret"}`, http.StatusConflict},
	}
	for _, tt := range tests {
		rr := postJSON(router, "/auth/register", tt.body)
		require.Equal(t, tt.code, rr.Code, "body %s: %s", tt.body, rr.Body.String())
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	_, router := newTestService()
	postJSON(router, "/auth/register", `{"email":"a@b.com","password":"supersecret"}`)

	rr := postJSON(router, "/auth/login", `{"email":"a@b.com","password":"wrongwrong"}`)
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	// Unknown accounts fail identically to bad passwords.
	rr = postJSON(router, "/auth/login", `{"email":"nobody@b.com","password":"supersecret"}`)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	require.Equal(t, "Invalid email or password", decodeError(t, rr))
}

func TestLoginThrottle(t *testing.T) {
	_, router := newTestService()

	var denied bool
	for i := 0; i < loginBurst+5; i++ {
		rr := postJSON(router, "/auth/login", `{"email":"a@b.com","password":"x"}`)
		if rr.Code == http.StatusTooManyRequests {
			denied = true
			break
		}
	}
	require.True(t, denied, "burst beyond the per-IP budget must be throttled")
}

func TestMiddleware(t *testing.T) {
	svc, _ := newTestService()
	user := &store.User{ID: "user-1", Role: store.RoleUser}

	token, _, err := svc.IssueToken(user)
	require.NoError(t, err)

	var got Identity
	handler := svc.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = IdentityFrom(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/apps", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, Identity{UserID: "user-1", Role: store.RoleUser}, got)
}

func TestMiddlewareRejections(t *testing.T) {
	svc, _ := newTestService()
	handler := svc.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	// No token at all.
	req := httptest.NewRequest(http.MethodGet, "/apps", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	// Token signed with a different secret.
	other := New(memstore.New(), []byte("other-secret"))
	token, _, err := other.IssueToken(&store.User{ID: "user-1", Role: store.RoleUser})
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	// Expired token.
	svc.ttl = -time.Hour
	token, _, err = svc.IssueToken(&store.User{ID: "user-1", Role: store.RoleUser})
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestRequireAdmin(t *testing.T) {
	svc, _ := newTestService()
	handler := svc.RequireAdmin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/admin/chains", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req.WithContext(WithIdentity(req.Context(), Identity{UserID: "u", Role: store.RoleUser})))
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req.WithContext(WithIdentity(req.Context(), Identity{UserID: "a", Role: store.RoleAdmin})))
	require.Equal(t, http.StatusNoContent, rr.Code)
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return body.Error
}
