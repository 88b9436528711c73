package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/3cpo-dev/knot/internal/dispatch"
	"github.com/3cpo-dev/knot/internal/telemetry"
	"github.com/3cpo-dev/knot/pkg/api"
	"github.com/rs/zerolog/log"
)

// Syncer reconciles the observed state of instances with what their hosts
// report, and gathers host and guest metrics.
type Syncer struct {
	store      *Store
	dispatcher Dispatcher
	stats      StatsUpdater
	metrics    *telemetry.Metrics
	// refreshStats recomputes owner statistics after every run. It is set
	// when commits do not refresh them.
	refreshStats bool
}

func NewSyncer(store *Store, d Dispatcher, stats StatsUpdater, metrics *telemetry.Metrics, refreshStats bool) *Syncer {
	return &Syncer{store: store, dispatcher: d, stats: stats, metrics: metrics, refreshStats: refreshStats}
}

// SyncReport summarizes one synchronization run. Failed maps a host name to
// the reason it could not be synchronized.
type SyncReport struct {
	Hosts   int               `json:"hosts"`
	Updated []string          `json:"updated"`
	Missing []string          `json:"missing"`
	Failed  map[string]string `json:"failed,omitempty"`
}

type hostTarget struct {
	host       api.Compute
	containers []containerTarget
}

type containerTarget struct {
	backend string
	vms     []api.Compute
}

// targets loads the active hosts with the instances placed on them.
func (s *Syncer) targets(ctx context.Context) ([]hostTarget, error) {
	var out []hostTarget
	err := s.store.ReadOnly(ctx, func(tx *Tx) error {
		hosts, err := tx.Computes(ComputeFilter{Kind: api.KindHost})
		if err != nil {
			return err
		}
		for _, h := range hosts {
			if h.State != api.StateActive {
				continue
			}
			ht := hostTarget{host: h}
			containers, err := tx.Containers(h.ID)
			if err != nil {
				return err
			}
			for _, ct := range containers {
				if ct.ParentKind != api.ParentHost {
					continue
				}
				vms, err := tx.Computes(ComputeFilter{Container: ct.ID, Kind: api.KindVirtual})
				if err != nil {
					return err
				}
				ht.containers = append(ht.containers, containerTarget{backend: ct.Backend, vms: vms})
			}
			out = append(out, ht)
		}
		return nil
	})
	return out, err
}

// listVMs asks a host for the instances of one backend. The result maps
// instance ids to their state; an empty state means the host reported the
// instance in a state knot does not model.
func (s *Syncer) listVMs(ctx context.Context, host, backend string) (map[string]string, error) {
	res, err := s.dispatcher.Run(ctx, dispatch.OpListVMs, host, backend)
	if err != nil {
		return nil, err
	}
	list, ok := res.([]any)
	if !ok && res != nil {
		return nil, fmt.Errorf("%s on %s: unexpected result %T", dispatch.OpListVMs, host, res)
	}
	out := make(map[string]string, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		id, _ := m["uuid"].(string)
		if id == "" {
			continue
		}
		state, _ := m["state"].(string)
		if !api.ValidState(state) {
			state = ""
		}
		out[id] = state
	}
	return out, nil
}

// Sync runs list_vms against every active host and records the reported
// state of each placed instance. A deployed instance its host does not
// report is recorded as inactive. Remote calls run outside any transaction.
func (s *Syncer) Sync(ctx context.Context) (SyncReport, error) {
	targets, err := s.targets(ctx)
	if err != nil {
		s.metrics.SyncRun("error")
		return SyncReport{}, err
	}
	report := SyncReport{Hosts: len(targets), Failed: map[string]string{}}

	type hostResult struct {
		observed []map[string]string
		err      error
	}
	results := make([]hostResult, len(targets))
	var wg sync.WaitGroup
	for i, t := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, ct := range t.containers {
				observed, err := s.listVMs(ctx, t.host.Hostname, ct.backend)
				if err != nil {
					results[i].err = err
					return
				}
				results[i].observed = append(results[i].observed, observed)
			}
		}()
	}
	wg.Wait()

	changes := map[string]string{}
	owners := map[string]bool{}
	for i, t := range targets {
		if err := results[i].err; err != nil {
			log.Warn().Err(err).Str("system", "sync").Str("host", t.host.Hostname).Msg("host not synchronized")
			report.Failed[t.host.Hostname] = FormatError(err)
			continue
		}
		for j, ct := range t.containers {
			for _, vm := range ct.vms {
				owners[vm.Owner] = true
				state, reported := results[i].observed[j][vm.ID]
				switch {
				case !reported && vm.Deployed:
					report.Missing = append(report.Missing, vm.ID)
					state = api.StateInactive
				case !reported, state == "":
					continue
				}
				if state != vm.EffectiveState {
					changes[vm.ID] = state
				}
			}
		}
	}

	if len(changes) > 0 {
		err := s.store.ReadWrite(ctx, func(tx *Tx) error {
			for id, state := range changes {
				err := tx.SaveFields(id, map[string]any{api.FieldEffectiveState: state})
				if errors.Is(err, ErrNotFound) {
					// Deleted since the targets were loaded.
					delete(changes, id)
					continue
				}
				if err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			s.metrics.SyncRun("error")
			return report, err
		}
		for id := range changes {
			report.Updated = append(report.Updated, id)
		}
	}
	sort.Strings(report.Updated)
	sort.Strings(report.Missing)

	if s.refreshStats {
		s.refresh(ctx, owners)
	}
	outcome := "ok"
	if len(report.Failed) > 0 {
		outcome = "partial"
	}
	s.metrics.SyncRun(outcome)
	log.Info().
		Str("system", "sync").
		Int("hosts", report.Hosts).
		Int("updated", len(report.Updated)).
		Int("missing", len(report.Missing)).
		Int("failed", len(report.Failed)).
		Msg("synchronized")
	return report, nil
}

func (s *Syncer) refresh(ctx context.Context, owners map[string]bool) {
	names := make([]string, 0, len(owners))
	for o := range owners {
		if o != "" {
			names = append(names, o)
		}
	}
	sort.Strings(names)
	for _, owner := range names {
		if _, err := s.stats.Update(ctx, owner); err != nil {
			log.Error().Err(err).Str("system", "stats").Str("owner", owner).Msg("statistics update failed")
		}
	}
}

// GatherMetrics collects host.metrics from every active host and vm.metrics
// from every deployed instance into the Prometheus gauges. Numeric values
// are kept; anything else is ignored.
func (s *Syncer) GatherMetrics(ctx context.Context) error {
	targets, err := s.targets(ctx)
	if err != nil {
		return err
	}
	for _, t := range targets {
		logger := log.With().Str("system", "metrics").Str("host", t.host.Hostname).Logger()
		res, err := s.dispatcher.Run(ctx, dispatch.OpHostMetrics, t.host.Hostname)
		if err != nil {
			logger.Warn().Err(err).Msg("gathering host metrics failed")
			continue
		}
		for name, v := range numericValues(res) {
			s.metrics.HostMetric(t.host.Hostname, name, v)
		}
		for _, ct := range t.containers {
			for _, vm := range ct.vms {
				if !vm.Deployed {
					continue
				}
				res, err := s.dispatcher.Run(ctx, dispatch.OpGuestMetrics, t.host.Hostname, ct.backend, vm.ID)
				if err != nil {
					logger.Warn().Err(err).Str("compute", vm.String()).Msg("gathering guest metrics failed")
					continue
				}
				for name, v := range numericValues(res) {
					s.metrics.GuestMetric(vm.ID, name, v)
				}
			}
		}
	}
	return nil
}

func numericValues(res any) map[string]float64 {
	m, _ := res.(map[string]any)
	out := make(map[string]float64, len(m))
	for k, v := range m {
		switch n := v.(type) {
		case float64:
			out[k] = n
		case int:
			out[k] = float64(n)
		}
	}
	return out
}

// Run synchronizes now and then every interval until ctx ends.
func (s *Syncer) Run(ctx context.Context, interval time.Duration) {
	every(ctx, interval, func(ctx context.Context) {
		if _, err := s.Sync(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Str("system", "sync").Msg("synchronization failed")
		}
	})
}

// RunMetrics gathers metrics every interval until ctx ends.
func (s *Syncer) RunMetrics(ctx context.Context, interval time.Duration) {
	every(ctx, interval, func(ctx context.Context) {
		if err := s.GatherMetrics(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Str("system", "metrics").Msg("gathering metrics failed")
		}
	})
}

func every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		fn(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
