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
	"context"

	"github.com/nodebridge/nodebridge/store"
)

type contextKey int

const (
	appContextKey contextKey = iota
	labelsContextKey
)

// WithApp attaches the admitted app to the request context.
func WithApp(ctx context.Context, app *store.App) context.Context {
	return context.WithValue(ctx, appContextKey, app)
}

// AppFrom returns the admitted app attached by the admission middleware, or
// nil when the request never passed admission.
func AppFrom(ctx context.Context) *store.App {
	app, _ := ctx.Value(appContextKey).(*store.App)
	return app
}

// requestLabels is a carrier installed by the metrics middleware before the
// router runs. Inner handlers fill it in; the middleware reads it back once
// the request completes. A request is handled by one goroutine at a time,
// so no locking is needed.
type requestLabels struct {
	app  *store.App
	path string // metric path label override, e.g. the proxy route shape
}

func withLabels(ctx context.Context) (context.Context, *requestLabels) {
	l := new(requestLabels)
	return context.WithValue(ctx, labelsContextKey, l), l
}

func labelsFrom(ctx context.Context) *requestLabels {
	l, _ := ctx.Value(labelsContextKey).(*requestLabels)
	return l
}
