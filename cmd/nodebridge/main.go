// Copyright 2025 The NodeBridge Authors
// This file is part of nodebridge.
//
// nodebridge is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// nodebridge is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with nodebridge. If not, see <http://www.gnu.org/licenses/>.

// nodebridge is the multi-tenant RPC gateway daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"

	"github.com/nodebridge/nodebridge/admin"
	"github.com/nodebridge/nodebridge/auth"
	"github.com/nodebridge/nodebridge/gateway"
	"github.com/nodebridge/nodebridge/health"
	"github.com/nodebridge/nodebridge/internal/flags"
	"github.com/nodebridge/nodebridge/metrics"
	"github.com/nodebridge/nodebridge/ratelimit"
	"github.com/nodebridge/nodebridge/registry"
	"github.com/nodebridge/nodebridge/store"
	"github.com/nodebridge/nodebridge/store/memstore"
	"github.com/nodebridge/nodebridge/store/mongostore"
)

var (
	portFlag = &cli.IntFlag{
		Name:    "port",
		Usage:   "HTTP listening port",
		Value:   8080,
		EnvVars: []string{"PORT"},
	}
	corsFlag = &cli.StringFlag{
		Name:  "http.corsdomain",
		Usage: "Comma separated list of origins to accept cross origin requests from",
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=detail",
		Value: 3,
	}
	devFlag = &cli.BoolFlag{
		Name:  "dev",
		Usage: "Run with an ephemeral in-memory store (no MongoDB required)",
	}
	mongoURIFlag = &cli.StringFlag{
		Name:    "mongo.uri",
		Usage:   "MongoDB connection URI",
		Value:   "mongodb://localhost:27017",
		EnvVars: []string{"MONGODB_URI"},
	}
	mongoDBFlag = &cli.StringFlag{
		Name:  "mongo.db",
		Usage: "MongoDB database name",
		Value: "nodebridge",
	}
	jwtSecretFlag = &cli.StringFlag{
		Name:    "jwt.secret",
		Usage:   "HMAC secret for signing auth tokens",
		EnvVars: []string{"JWT_SECRET"},
	}
	defaultMaxRPSFlag = &cli.Float64Flag{
		Name:    "default.maxrps",
		Usage:   "Fallback per-key requests-per-second limit for new apps",
		Value:   10,
		EnvVars: []string{"DEFAULT_MAX_RPS"},
	}
	defaultDailyFlag = &cli.Int64Flag{
		Name:    "default.dailyrequests",
		Usage:   "Fallback per-key daily request limit for new apps",
		Value:   100000,
		EnvVars: []string{"DEFAULT_DAILY_REQUESTS"},
	}
)

var (
	serverFlags = []cli.Flag{portFlag, corsFlag, verbosityFlag, devFlag}
	storeFlags  = []cli.Flag{mongoURIFlag, mongoDBFlag, jwtSecretFlag, defaultMaxRPSFlag, defaultDailyFlag}
)

var app = flags.NewApp("the NodeBridge RPC gateway command line interface")

func init() {
	app.Action = run
	app.Flags = flags.Merge(serverFlags, storeFlags)
	flags.AutoEnvVars(app.Flags, "NODEBRIDGE")
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	setDefaultLogger(ctx.Int(verbosityFlag.Name))

	reg := registry.New(os.Environ())

	var (
		st  store.Store
		err error
	)
	if ctx.Bool(devFlag.Name) {
		log.Warn("Running with an in-memory store, all data is ephemeral")
		st = memstore.New()
	} else {
		dialCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		st, err = mongostore.Dial(dialCtx, ctx.String(mongoURIFlag.Name), ctx.String(mongoDBFlag.Name))
		cancel()
		if err != nil {
			return err
		}
	}
	if chains, cerr := st.Chains(context.Background()); cerr == nil && len(chains) > 0 {
		reg.Reload(chains)
	} else if cerr != nil {
		log.Warn("Stored chain load failed, serving environment chains only", "err", cerr)
	}

	secret := ctx.String(jwtSecretFlag.Name)
	if secret == "" {
		if !ctx.Bool(devFlag.Name) {
			return fmt.Errorf("--%s is required outside --dev mode", jwtSecretFlag.Name)
		}
		secret = "nodebridge-dev-secret"
	}

	m := metrics.New()
	limiter := ratelimit.New()
	agg := health.NewAggregator(reg)
	sampler := health.NewSampler(agg, reg, m)
	authSvc := auth.New(st, []byte(secret))
	adminSvc := admin.New(st, reg, authSvc, admin.Fallbacks{
		MaxRPS:        ctx.Float64(defaultMaxRPSFlag.Name),
		DailyRequests: ctx.Int64(defaultDailyFlag.Name),
	})

	srv := gateway.New(gateway.Config{
		ListenAddr:  fmt.Sprintf(":%d", ctx.Int(portFlag.Name)),
		CORSOrigins: registry.ParseURLList(ctx.String(corsFlag.Name)),
	}, st, reg, m, limiter, agg, sampler, authSvc, adminSvc)

	if err := srv.Start(); err != nil {
		return err
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	<-interrupt
	log.Warn("Shutting down gracefully (press Ctrl-C again to force)")
	go func() {
		<-interrupt
		os.Exit(1)
	}()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Stop(shutdownCtx)
}

func setDefaultLogger(verbosity int) {
	usecolor := isatty.IsTerminal(os.Stderr.Fd())
	handler := log.NewTerminalHandlerWithLevel(os.Stderr, log.FromLegacyLevel(verbosity), usecolor)
	log.SetDefault(log.NewLogger(handler))
}
