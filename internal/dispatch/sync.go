package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/3cpo-dev/knot/internal/telemetry"
	"github.com/rs/zerolog/log"
)

// Executor runs one remote action against one host.
type Executor interface {
	Run(ctx context.Context, args ...any) (any, error)
}

// SyncExecutor performs a blocking call on a worker goroutine bounded by a
// hard wall-clock timeout. A timeout blacklists the host through the
// registry's tracker.
type SyncExecutor struct {
	host     string
	command  string
	registry *Registry
	timeout  time.Duration
	workers  chan struct{}
	metrics  *telemetry.Metrics
}

// NewSyncExecutor binds an executor to host and command. workers is the
// shared semaphore bounding concurrent blocking calls; nil means unbounded.
func NewSyncExecutor(host, command string, registry *Registry, timeout time.Duration, workers chan struct{}, metrics *telemetry.Metrics) *SyncExecutor {
	return &SyncExecutor{
		host:     host,
		command:  command,
		registry: registry,
		timeout:  timeout,
		workers:  workers,
		metrics:  metrics,
	}
}

type callOutcome struct {
	data ResultMap
	err  error
}

func (e *SyncExecutor) Run(ctx context.Context, args ...any) (any, error) {
	if err := e.registry.Tracker().Check(e.host); err != nil {
		return nil, err
	}
	client, err := e.registry.SyncClient(e.host)
	if err != nil {
		return nil, err
	}

	callCtx := ctx
	cancel := func() {}
	if e.timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, e.timeout)
	}
	defer cancel()

	// Buffered so an abandoned worker can always deliver and exit.
	done := make(chan callOutcome, 1)
	go func() {
		if e.workers != nil {
			select {
			case e.workers <- struct{}{}:
				defer func() { <-e.workers }()
			case <-callCtx.Done():
				done <- callOutcome{err: callCtx.Err()}
				return
			}
		}
		data, err := client.Call(callCtx, e.command, args)
		done <- callOutcome{data: data, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			if errors.Is(out.err, context.DeadlineExceeded) && ctx.Err() == nil {
				return nil, e.timedOut()
			}
			return nil, fmt.Errorf("%s on %s: %w", e.command, e.host, out.err)
		}
		return ShapeResult(e.host, e.command, out.data)
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, e.timedOut()
	}
}

func (e *SyncExecutor) timedOut() error {
	log.Warn().
		Str("system", "dispatch").
		Str("host", e.host).
		Str("command", e.command).
		Dur("timeout", e.timeout).
		Msg("got timeout while executing command")
	tracker := e.registry.Tracker()
	if tracker.RecordTimeout(e.host) {
		e.metrics.HostBlacklisted(e.host, tracker.Len())
	}
	return &TimeoutError{Host: e.host, Command: e.command, After: e.timeout}
}
