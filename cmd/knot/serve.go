package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/3cpo-dev/knot/internal/telemetry"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the compute API, /metrics and /health, and synchronize hosts",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			pprofAddr, _ := cmd.Flags().GetString("pprof-addr")
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if addr == "" {
					addr = a.cfg.Server.Addr
				}
				srv := &http.Server{Addr: addr, Handler: a.handler(), ReadHeaderTimeout: 10 * time.Second}
				errc := make(chan error, 1)
				go func() { errc <- srv.ListenAndServe() }()
				log.Info().Str("system", "api").Str("addr", addr).Msg("knot listening")
				if pprofAddr != "" {
					prof := telemetry.NewProfilingServer(pprofAddr)
					go func() {
						if err := prof.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
							log.Error().Err(err).Str("system", "telemetry").Msg("profiling server stopped")
						}
					}()
					defer prof.Shutdown(context.Background())
				}

				bgCtx, stop := context.WithCancel(ctx)
				var bg sync.WaitGroup
				defer bg.Wait()
				defer stop()
				if s := a.cfg.Sync.Interval; s > 0 {
					bg.Add(1)
					go func() {
						defer bg.Done()
						a.syncer.Run(bgCtx, time.Duration(s)*time.Second)
					}()
				}
				if s := a.cfg.Sync.MetricsInterval; s > 0 {
					bg.Add(1)
					go func() {
						defer bg.Done()
						a.syncer.RunMetrics(bgCtx, time.Duration(s)*time.Second)
					}()
				}

				select {
				case err := <-errc:
					return err
				case <-ctx.Done():
				}
				log.Info().Str("system", "api").Msg("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().String("addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().String("pprof-addr", "", "serve pprof endpoints on this address")
	return cmd
}

func (a *app) handler() http.Handler {
	mux := http.NewServeMux()
	(&apiServer{svc: a.service}).routes(mux)

	mon := telemetry.NewMonitoring(a.metrics)
	mon.AddHealthCheck("store", func(ctx context.Context) telemetry.HealthCheck {
		if err := a.store.Ping(ctx); err != nil {
			return telemetry.HealthCheck{Status: telemetry.HealthStatusUnhealthy, Message: err.Error()}
		}
		return telemetry.HealthCheck{Status: telemetry.HealthStatusHealthy}
	})
	mon.AddHealthCheck("dispatch", func(context.Context) telemetry.HealthCheck {
		tracker := a.dispatcher.Registry().Tracker()
		check := telemetry.HealthCheck{Status: telemetry.HealthStatusHealthy, Details: map[string]string{}}
		// Check evicts expired entries, so only live ones are reported.
		for host, at := range tracker.Snapshot() {
			if tracker.Check(host) != nil {
				check.Status = telemetry.HealthStatusDegraded
				check.Details["blacklisted:"+host] = at.Format(time.RFC3339)
			}
		}
		blacklisted := tracker.Len()
		a.metrics.BlacklistSize(blacklisted)
		check.Details["blacklisted_hosts"] = fmt.Sprint(blacklisted)
		return check
	})
	mon.Register(mux)
	return mux
}
