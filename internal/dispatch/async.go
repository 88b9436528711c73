package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/3cpo-dev/knot/internal/telemetry"
	"github.com/rs/zerolog/log"
)

// DefaultPollInterval is the delay between two job status polls.
const DefaultPollInterval = 100 * time.Millisecond

// AsyncExecutor submits a job and polls its status on a fixed interval
// until the agent reports a terminal status. Without a deadline polling is
// unbounded; only ctx cancellation stops it.
type AsyncExecutor struct {
	host     string
	command  string
	registry *Registry
	interval time.Duration
	deadline time.Duration
	metrics  *telemetry.Metrics
}

func NewAsyncExecutor(host, command string, registry *Registry, interval, deadline time.Duration, metrics *telemetry.Metrics) *AsyncExecutor {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &AsyncExecutor{
		host:     host,
		command:  command,
		registry: registry,
		interval: interval,
		deadline: deadline,
		metrics:  metrics,
	}
}

func (e *AsyncExecutor) Run(ctx context.Context, args ...any) (any, error) {
	client, err := e.registry.AsyncClient(e.host)
	if err != nil {
		return nil, err
	}
	jobID, err := client.Submit(ctx, e.command, args)
	if err != nil {
		return nil, fmt.Errorf("submit %s to %s: %w", e.command, e.host, err)
	}
	logger := log.With().
		Str("system", "dispatch").
		Str("host", e.host).
		Str("command", e.command).
		Str("job", jobID).
		Logger()
	logger.Debug().Msg("job submitted")

	var expired <-chan time.Time
	if e.deadline > 0 {
		timer := time.NewTimer(e.deadline)
		defer timer.Stop()
		expired = timer.C
	}

	failures := 0
	for {
		status, data, err := client.Poll(ctx, jobID)
		if err != nil {
			failures++
			e.metrics.PollFailure(e.command)
			// Warn once per job; a dead host would otherwise flood the log.
			if failures == 1 {
				logger.Warn().Err(err).Msg("job status poll failed, retrying")
			} else {
				logger.Debug().Err(err).Int("failures", failures).Msg("job status poll failed")
			}
		} else {
			if failures > 0 {
				logger.Info().Int("failures", failures).Msg("job status poll recovered")
				failures = 0
			}
			if done, res, err := e.terminal(status, data, jobID); done {
				return res, err
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-expired:
			return nil, &TimeoutError{Host: e.host, Command: e.command, After: e.deadline}
		case <-time.After(e.interval):
		}
	}
}

// terminal reports whether status ends the job and, if so, its outcome.
func (e *AsyncExecutor) terminal(status JobStatus, data ResultMap, jobID string) (bool, any, error) {
	switch status {
	case JobFinished, JobRemoteError:
		res, err := ShapeResult(e.host, e.command, data)
		return true, res, err
	case JobLost:
		return true, nil, &JobLostError{Host: e.host, JobID: jobID}
	}
	return false, nil, nil
}
