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
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/mux"

	"github.com/nodebridge/nodebridge/store"
)

// admission resolves the API key from the path, charges the request against
// the key's daily quota in one atomic store operation, and attaches the
// resolved app to the request context.
//
// The counters are incremented before the limit comparison: a request that
// trips the daily limit has already consumed one unit. That is the price of
// keeping the lookup and the increment atomic.
func (s *Server) admission(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		chain, key := vars["chain"], vars["key"]

		app, err := s.store.AdmitByAPIKey(r.Context(), key)
		if err != nil {
			if errors.Is(err, store.ErrInvalidOrInactive) {
				writeError(w, http.StatusForbidden, "Invalid or inactive API key")
				return
			}
			log.Error("Admission lookup failed", "key", redactKey(key), "err", err)
			writeError(w, http.StatusInternalServerError, "Internal server error")
			return
		}

		if err := s.store.ResetDailyIfNeeded(r.Context(), app); err != nil {
			log.Error("Daily counter reset failed", "key", redactKey(key), "err", err)
			writeError(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		s.metrics.SetDailyRequests(app.OwnerUserID, app.APIKey, app.DailyRequests)

		if app.DailyRequests > app.DailyRequestsLimit {
			s.metrics.RecordRateLimitHit(app.OwnerUserID, app.APIKey)
			writeJSON(w, http.StatusTooManyRequests, dailyLimitResponse{
				Error: "Daily request limit exceeded",
				Limit: app.DailyRequestsLimit,
				Used:  app.DailyRequests,
			})
			return
		}

		if !strings.EqualFold(app.ChainName, chain) {
			writeJSON(w, http.StatusForbidden, chainMismatchResponse{
				Error:         fmt.Sprintf("API key is not valid for chain '%s'", chain),
				ExpectedChain: app.ChainName,
			})
			return
		}

		ctx := WithApp(r.Context(), app)
		if labels := labelsFrom(ctx); labels != nil {
			labels.app = app
			labels.path = "/" + strings.ToLower(chain) + "/" + vars["section"] + "/:key"
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// rateLimit enforces the per-key token bucket. The X-RateLimit headers are
// set on the allow and the deny path alike.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		app := AppFrom(r.Context())
		if app == nil {
			writeError(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		d := s.limiter.Take(app.APIKey, app.MaxRPS)
		d.SetHeaders(w.Header())
		if !d.Allowed {
			s.metrics.RecordRateLimitHit(app.OwnerUserID, app.APIKey)
			log.Debug("Rate limit exceeded", "key", redactKey(app.APIKey), "limit", d.Limit)
			writeJSON(w, http.StatusTooManyRequests, rateLimitResponse{
				Error:      "Rate limit exceeded",
				Limit:      d.Limit,
				Remaining:  d.Remaining,
				RetryAfter: d.RetryAfter,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
