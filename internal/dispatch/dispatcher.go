package dispatch

import (
	"context"
	"time"

	"github.com/3cpo-dev/knot/internal/telemetry"
	"github.com/rs/zerolog/log"
)

// Config holds the dispatch settings read from the configuration provider.
type Config struct {
	// Default is the process-wide executor strategy.
	Default Strategy
	// Overrides select a strategy per operation. Operations pinned by the
	// built-in table (deploy, undeploy) ignore them.
	Overrides    map[Operation]Strategy
	HardTimeout  time.Duration
	PollInterval time.Duration
	PollDeadline time.Duration
	// Workers bounds concurrent blocking calls. Zero means unbounded.
	Workers int
}

// Dispatcher routes operations to executors.
type Dispatcher struct {
	cfg      Config
	registry *Registry
	workers  chan struct{}
	metrics  *telemetry.Metrics
}

func New(cfg Config, registry *Registry, metrics *telemetry.Metrics) *Dispatcher {
	if cfg.Default == "" {
		cfg.Default = StrategySync
	}
	d := &Dispatcher{cfg: cfg, registry: registry, metrics: metrics}
	if cfg.Workers > 0 {
		d.workers = make(chan struct{}, cfg.Workers)
	}
	return d
}

func (d *Dispatcher) Registry() *Registry { return d.registry }

// Strategy resolves the executor strategy for op.
func (d *Dispatcher) Strategy(op Operation) Strategy {
	if s, ok := forced[op]; ok {
		return s
	}
	if s, ok := d.cfg.Overrides[op]; ok {
		return s
	}
	return d.cfg.Default
}

// Executor builds an executor for op bound to host.
func (d *Dispatcher) Executor(op Operation, host string) (Executor, error) {
	command, err := op.Command()
	if err != nil {
		return nil, err
	}
	if d.Strategy(op) == StrategyAsync {
		return NewAsyncExecutor(host, command, d.registry, d.cfg.PollInterval, d.cfg.PollDeadline, d.metrics), nil
	}
	return NewSyncExecutor(host, command, d.registry, d.cfg.HardTimeout, d.workers, d.metrics), nil
}

// Dispatch starts op against host and returns a handle to the eventual
// result. The dispatch runs until it completes, times out or ctx ends.
func (d *Dispatcher) Dispatch(ctx context.Context, op Operation, host string, args ...any) *Future {
	f := newFuture()
	exec, err := d.Executor(op, host)
	if err != nil {
		f.resolve(nil, err)
		return f
	}
	strategy := string(d.Strategy(op))
	command, _ := op.Command()
	go func() {
		start := time.Now()
		res, err := exec.Run(ctx, args...)
		d.metrics.ObserveDispatch(command, strategy, outcome(err), time.Since(start))
		if err != nil {
			log.Debug().
				Err(err).
				Str("system", "dispatch").
				Str("host", host).
				Str("operation", string(op)).
				Msg("dispatch failed")
		}
		f.resolve(res, err)
	}()
	return f
}

// Run dispatches op and waits for its result.
func (d *Dispatcher) Run(ctx context.Context, op Operation, host string, args ...any) (any, error) {
	return d.Dispatch(ctx, op, host, args...).Wait(ctx)
}

// Future is the pending result of a dispatch.
type Future struct {
	done  chan struct{}
	value any
	err   error
}

func newFuture() *Future { return &Future{done: make(chan struct{})} }

func (f *Future) resolve(v any, err error) {
	f.value, f.err = v, err
	close(f.done)
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Result returns the outcome. It must only be called after Done is closed.
func (f *Future) Result() (any, error) { return f.value, f.err }

// Wait blocks until the result is available or ctx ends.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
