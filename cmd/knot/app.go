package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/3cpo-dev/knot/internal/agent"
	"github.com/3cpo-dev/knot/internal/audit"
	"github.com/3cpo-dev/knot/internal/billing"
	"github.com/3cpo-dev/knot/internal/core"
	"github.com/3cpo-dev/knot/internal/dispatch"
	"github.com/3cpo-dev/knot/internal/ssh"
	"github.com/3cpo-dev/knot/internal/telemetry"
	"github.com/3cpo-dev/knot/pkg/api"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// app is the wired orchestrator shared by every subcommand.
type app struct {
	cfg        core.Config
	metrics    *telemetry.Metrics
	store      *core.Store
	dispatcher *dispatch.Dispatcher
	service    *core.Service
	syncer     *core.Syncer
	closers    []func()
}

func loadConfig(cmd *cobra.Command) (core.Config, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	return core.LoadConfig(cfgPath)
}

// openApp wires store, dispatcher, audit sinks, statistics, orchestrator
// and admission gate from the configuration.
func openApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	dc, tc, err := cfg.DispatchSettings()
	if err != nil {
		return nil, err
	}
	metrics := telemetry.InitGlobal()

	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0700); err != nil {
		return nil, fmt.Errorf("store directory: %w", err)
	}
	store, err := core.NewStore(cfg.Store.Path, metrics)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a := &app{cfg: cfg, metrics: metrics, store: store}
	a.closers = append(a.closers, func() { store.Close() })

	factory, err := clientFactory(cfg)
	if err != nil {
		a.close()
		return nil, err
	}
	a.dispatcher = dispatch.New(dc, dispatch.NewRegistry(factory, dispatch.NewTracker(tc, nil)), metrics)

	sinks := audit.Multi{audit.LogSink{}, store}
	if cfg.Audit.NATSURL != "" {
		ns, err := audit.NewNATSSink(cfg.Audit.NATSURL, cfg.Audit.Subject)
		if err != nil {
			log.Warn().Err(err).Str("system", "audit").Str("url", cfg.Audit.NATSURL).Msg("nats audit sink disabled")
		} else {
			sinks = append(sinks, ns)
			// Runs first so pending publishes drain before the store closes.
			a.closers = append([]func(){ns.Close}, a.closers...)
		}
	}

	sched := core.NewScheduler(cmd.Context())
	stats := core.NewStatsScheduler(core.NewStatistics(store), sched, cfg.Stats.OnlyReportOnSync)
	orch := core.NewOrchestrator(store, a.dispatcher, sinks, stats, sched, core.OrchestratorConfig{
		AutoAllocate: cfg.VMs.AutoAllocate,
		CreateDelay:  cfg.VMs.CreateDelay(),
	})
	orch.Register(store.Bus())

	var credit billing.CreditClient
	if cfg.Billing.URL != "" {
		credit = billing.NewHTTPCreditClient(cfg.Billing.URL, cfg.Billing.Token,
			time.Duration(cfg.Billing.TimeoutSeconds)*time.Second, cfg.Billing.RequestsPerSecond)
	}
	gate := billing.NewGate(store, credit, billing.GateConfig{
		BillableGroup: cfg.Auth.BillableGroup,
		Cooldown:      time.Duration(cfg.Auth.BillingTimeout) * time.Second,
	}, nil, metrics)

	a.service = core.NewService(store, a.dispatcher, gate, orch)
	a.syncer = core.NewSyncer(store, a.dispatcher, core.NewStatistics(store), metrics, cfg.Stats.OnlyReportOnSync)
	return a, nil
}

// close waits for background work and releases resources.
func (a *app) close() {
	if a.service != nil {
		a.service.Wait()
	}
	for _, c := range a.closers {
		c()
	}
}

// clientFactory builds the agent transport selected by dispatch.transport.
func clientFactory(cfg core.Config) (dispatch.ClientFactory, error) {
	tlsConfig, err := agent.ClientTLS(cfg.Agent.TLS.CA, cfg.Agent.TLS.Cert, cfg.Agent.TLS.Key)
	if err != nil {
		return nil, err
	}
	httpFactory := agent.NewFactory(agent.ClientConfig{
		Scheme: cfg.Agent.Scheme,
		Port:   cfg.Agent.Port,
		Token:  cfg.Agent.Token,
		TLS:    tlsConfig,
	})
	switch cfg.Dispatch.Transport {
	case "", "http":
		return httpFactory, nil
	case "ssh":
		tc, err := sshSettings(cfg)
		if err != nil {
			return nil, err
		}
		// Jobs have no SSH protocol; deploy and undeploy still use the agent API.
		tc.Jobs = httpFactory
		return ssh.NewTransport(tc), nil
	}
	return nil, fmt.Errorf("unknown dispatch transport %q", cfg.Dispatch.Transport)
}

func sshSettings(cfg core.Config) (ssh.TransportConfig, error) {
	keyPath := cfg.SSH.KeyPath
	if keyPath == "" {
		keyPath = filepath.Join(core.ConfigDir(), "id_ed25519")
	}
	knownHosts := cfg.SSH.KnownHosts
	if knownHosts == "" {
		knownHosts = filepath.Join(core.ConfigDir(), "known_hosts")
	}
	signer, err := ssh.LoadPrivateKeySigner(keyPath)
	if err != nil {
		return ssh.TransportConfig{}, err
	}
	kh, err := ssh.LoadKnownHostsCallback(knownHosts)
	if err != nil {
		return ssh.TransportConfig{}, fmt.Errorf("load known hosts: %w", err)
	}
	return ssh.TransportConfig{
		User:       cfg.SSH.User,
		Port:       cfg.SSH.Port,
		Signer:     signer,
		KnownHosts: kh,
		Retries:    2,
	}, nil
}

// principal resolves the --as flag.
func (a *app) principal(cmd *cobra.Command) (api.Principal, error) {
	id, _ := cmd.Flags().GetString("as")
	if id == "" {
		return api.Principal{}, fmt.Errorf("no principal: pass --as or set KNOT_PRINCIPAL")
	}
	return a.service.Principal(cmd.Context(), id)
}

// withApp opens the app for the duration of fn.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(cmd.Context(), a)
}
