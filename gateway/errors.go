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
	"net/http"

	"github.com/nodebridge/nodebridge/internal/web"
)

// Typed error envelopes returned by the data plane.

type errorResponse struct {
	Error string `json:"error"`
}

type chainMismatchResponse struct {
	Error         string `json:"error"`
	ExpectedChain string `json:"expectedChain"`
}

type dailyLimitResponse struct {
	Error string `json:"error"`
	Limit int64  `json:"limit"`
	Used  int64  `json:"used"`
}

type rateLimitResponse struct {
	Error      string  `json:"error"`
	Limit      float64 `json:"limit"`
	Remaining  int64   `json:"remaining"`
	RetryAfter int64   `json:"retryAfter"`
}

type badGatewayResponse struct {
	Error        string `json:"error"`
	Message      string `json:"message"`
	EndpointType string `json:"endpointType"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	web.WriteJSON(w, status, v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	web.WriteJSON(w, status, errorResponse{Error: msg})
}

// redactKey shortens an API key for log output.
func redactKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:8] + "****"
}
