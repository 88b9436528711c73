package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/3cpo-dev/knot/internal/agent"
	"github.com/3cpo-dev/knot/internal/telemetry"
	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var version = "0.1.0"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "knot-agent",
		Short:         "Knot host agent",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.PersistentFlags().StringP("log", "l", "info", "Set log level. Available: trace, debug, info, warn, error, fatal")
	cmd.PersistentFlags().String("config", "/etc/knot/agent.yaml", "agent config file")
	cmd.PersistentPreRun = func(c *cobra.Command, args []string) {
		levelStr, _ := c.Flags().GetString("log")
		level, err := zerolog.ParseLevel(levelStr)
		if err != nil || levelStr == "" {
			level = zerolog.InfoLevel
		}
		zerolog.SetGlobalLevel(level)
	}
	cmd.AddCommand(newServeCmd(), newCallCmd(), newVersionCmd())
	return cmd
}

func loadConfig(cmd *cobra.Command) (agent.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := agent.LoadConfig(path)
	if err != nil {
		return cfg, err
	}
	if dir, _ := cmd.Flags().GetString("hooks"); dir != "" {
		cfg.HooksDir = dir
	}
	return cfg, nil
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the agent API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
				cfg.Addr = addr
			}
			srv := &agent.Server{
				Version:  version,
				Hostname: cfg.Hostname,
				Token:    cfg.Token,
				Runner:   cfg.Runner(),
				Metrics:  telemetry.InitGlobal(),
			}

			errc := make(chan error, 1)
			go func() {
				if cfg.TLS.Cert != "" {
					errc <- srv.ListenAndServeTLS(cfg.Addr, agent.MTLSConfig{
						ServerCert: cfg.TLS.Cert,
						ServerKey:  cfg.TLS.Key,
						ClientCA:   cfg.TLS.ClientCA,
					})
					return
				}
				errc <- srv.ListenAndServe(cfg.Addr)
			}()
			log.Info().Str("system", "agent").Str("addr", cfg.Addr).Str("host", cfg.Hostname).
				Str("hooks", cfg.HooksDir).Msg("knot-agent listening")
			if pprofAddr, _ := cmd.Flags().GetString("pprof-addr"); pprofAddr != "" {
				prof := telemetry.NewProfilingServer(pprofAddr)
				go func() {
					if err := prof.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Error().Err(err).Str("system", "telemetry").Msg("profiling server stopped")
					}
				}()
				defer prof.Shutdown(context.Background())
			}

			select {
			case err := <-errc:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-cmd.Context().Done():
			}
			log.Info().Str("system", "agent").Msg("knot-agent shutting down")
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(ctx)
		},
	}
	cmd.Flags().String("addr", "", "listen address (overrides the config)")
	cmd.Flags().String("hooks", "", "hooks directory (overrides the config)")
	cmd.Flags().String("pprof-addr", "", "serve pprof endpoints on this address")
	return cmd
}

// newCallCmd runs one command the way POST /v0/call does, reading the
// request from stdin. The SSH transport invokes it remotely.
func newCallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "call",
		Short: "Run one command read as JSON from stdin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			var req agent.CallRequest
			if err := json.NewDecoder(cmd.InOrStdin()).Decode(&req); err != nil {
				return fmt.Errorf("decode request: %w", err)
			}
			if req.Command == "" {
				return errors.New("command required")
			}
			srv := &agent.Server{Hostname: cfg.Hostname, Runner: cfg.Runner()}
			resp := agent.CallResponse{Result: srv.Call(cmd.Context(), req.Command, req.Args)}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(resp)
		},
	}
	cmd.Flags().String("hooks", "", "hooks directory (overrides the config)")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("knot-agent %s\n", version)
		},
	}
}

func setupLogger() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func main() {
	setupLogger()
	root := newRootCmd()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	root.SetContext(ctx)
	if err := root.Execute(); err != nil {
		color.New(color.FgRed, color.Bold).Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
