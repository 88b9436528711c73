package core

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/3cpo-dev/knot/internal/audit"
	"github.com/3cpo-dev/knot/internal/dispatch"
	"github.com/3cpo-dev/knot/pkg/api"
	"github.com/rs/zerolog/log"
)

// Dispatcher runs one operation against one host and waits for its result.
type Dispatcher interface {
	Run(ctx context.Context, op dispatch.Operation, host string, args ...any) (any, error)
}

// configFields are the record fields pushed to the host on modification.
var configFields = []string{api.FieldCPULimit, api.FieldMemory, api.FieldNumCores, api.FieldSwapSize}

// unitScale converts record units (GiB) to the units hosts expect (MiB).
var unitScale = map[string]float64{
	api.FieldMemory:   1024,
	api.FieldSwapSize: 1024,
}

// ErrNoCapacity is returned when no active host can take an instance.
var ErrNoCapacity = errors.New("no host with enough free memory")

type OrchestratorConfig struct {
	AutoAllocate bool
	CreateDelay  time.Duration
}

// Orchestrator turns lifecycle events into remote dispatches.
type Orchestrator struct {
	store      *Store
	dispatcher Dispatcher
	audit      audit.Sink
	stats      *StatsScheduler
	sched      *Scheduler
	cfg        OrchestratorConfig
}

func NewOrchestrator(store *Store, d Dispatcher, sink audit.Sink, stats *StatsScheduler, sched *Scheduler, cfg OrchestratorConfig) *Orchestrator {
	if sink == nil {
		sink = audit.LogSink{}
	}
	return &Orchestrator{store: store, dispatcher: d, audit: sink, stats: stats, sched: sched, cfg: cfg}
}

// Register subscribes the lifecycle handlers. Handlers for one kind run in
// the order listed here.
func (o *Orchestrator) Register(bus *Bus) {
	bus.Subscribe(EventCreated, o.handleCreated)
	bus.Subscribe(EventModified, o.handleStateChange)
	bus.Subscribe(EventModified, o.handleConfigChange)
	bus.Subscribe(EventModified, o.handleConfigChangeStats)
	bus.Subscribe(EventDeleted, o.handleDeleted)
	bus.Subscribe(EventDeleted, o.handleDeletedStats)
	bus.Subscribe(EventOwnerChanged, o.handleOwnerChange)
}

// Wait blocks until background dispatches and statistics updates finish.
func (o *Orchestrator) Wait() { o.sched.Wait() }

func (o *Orchestrator) record(ctx context.Context, c *api.Compute, owner, msg string) {
	e := audit.Entry{Time: time.Now().UTC(), Subject: c.String(), Owner: owner, Message: msg}
	if err := o.audit.Log(ctx, e); err != nil {
		log.Error().Err(err).Str("system", "audit").Str("owner", owner).Msg("audit entry not recorded")
	}
}

// recordAfterCommit defers an audit entry until tx commits.
func (o *Orchestrator) recordAfterCommit(tx *Tx, c api.Compute, owner, msg string) {
	ctx := tx.Context()
	tx.AfterCommit(func() { o.record(ctx, &c, owner, msg) })
}

func (o *Orchestrator) handleStateChange(ctx context.Context, tx *Tx, ev Event) error {
	modified, _ := ev.Modified[api.FieldState].(string)
	if modified == "" {
		return nil
	}
	original, _ := ev.Original[api.FieldState].(string)
	if original == modified {
		return nil
	}
	owner := ev.Compute.Owner
	msg := fmt.Sprintf("Changed state of %s (%s): %s -> %s", ev.Compute.String(), owner, original, modified)
	log.Info().Str("system", "state-change").Msg(msg)
	o.recordAfterCommit(tx, ev.Compute, owner, msg)
	o.stats.Schedule(tx, owner)
	return nil
}

// configChanges returns the whitelisted fields whose value changed.
func configChanges(ev Event) []string {
	var out []string
	for _, name := range configFields {
		v, ok := ev.Modified[name]
		if !ok || reflect.DeepEqual(v, ev.Original[name]) {
			continue
		}
		out = append(out, name)
	}
	return out
}

// scaledParams builds the update_config payload for the changed fields.
func scaledParams(ev Event, fields []string) map[string]any {
	params := make(map[string]any, len(fields))
	for _, name := range fields {
		v := ev.Modified[name]
		if k, ok := unitScale[name]; ok {
			switch n := v.(type) {
			case float64:
				v = n * k
			case int:
				v = float64(n) * k
			}
		}
		params[name] = v
	}
	return params
}

func (o *Orchestrator) handleConfigChange(ctx context.Context, tx *Tx, ev Event) error {
	if !ev.Compute.IsVirtual() {
		return nil
	}
	fields := configChanges(ev)
	if len(fields) == 0 {
		return nil
	}
	ct, host, err := tx.Placement(&ev.Compute)
	if err != nil || host == nil {
		log.Debug().Err(err).Str("system", "compute-backend").Str("compute", ev.Compute.String()).
			Msg("compute not on a host, configuration kept locally")
		return nil
	}
	params := scaledParams(ev, fields)
	if _, err := o.dispatcher.Run(ctx, dispatch.OpUpdateConfig, host.Hostname, ct.Backend, ev.Compute.ID, params); err != nil {
		log.Warn().Err(err).Str("system", "compute-backend").Str("compute", ev.Compute.String()).
			Msg("configuration rejected by host, reverting")
		// The aborted transaction restores the original values. The
		// statistics refresh is not tied to the commit.
		o.stats.Now(ev.Compute.Owner)
		return &ConfigApplyError{Compute: ev.Compute.String(), Original: ev.Original, Err: err}
	}
	o.recordAfterCommit(tx, ev.Compute, ev.Compute.Owner, fmt.Sprintf("Compute %q configuration changed", ev.Compute.String()))
	return nil
}

// handleConfigChangeStats schedules a refresh for an accepted
// configuration change. Rejected changes refresh from handleConfigChange.
func (o *Orchestrator) handleConfigChangeStats(ctx context.Context, tx *Tx, ev Event) error {
	if !ev.Compute.IsVirtual() || len(configChanges(ev)) == 0 {
		return nil
	}
	o.stats.Schedule(tx, ev.Compute.Owner)
	return nil
}

type teardown struct {
	compute api.Compute
	host    string
	backend string
}

func (o *Orchestrator) handleDeleted(ctx context.Context, tx *Tx, ev Event) error {
	if !ev.Compute.IsVirtual() {
		return nil
	}
	td := teardown{compute: ev.Compute}
	ct, host, err := tx.Placement(&ev.Compute)
	switch {
	case errors.Is(err, ErrNotPlaced):
	case err != nil:
		log.Error().Err(err).Str("system", "compute-backend").Str("compute", ev.Compute.String()).
			Msg("resolving placement of deleted compute")
		return nil
	default:
		td.backend = ct.Backend
		if host != nil {
			td.host = host.Hostname
		}
	}
	tx.AfterCommit(func() {
		o.sched.Go(func(ctx context.Context) { o.teardown(ctx, td) })
	})
	return nil
}

// teardown destroys and undeploys a deleted instance, then releases its
// address. Any failure stops the chain so the address stays reserved.
func (o *Orchestrator) teardown(ctx context.Context, td teardown) {
	c := td.compute
	logger := log.With().Str("system", "compute-backend").Str("compute", c.String()).Logger()
	if c.Deployed {
		logger.Info().Msg("deleting deployed compute, shutting down and undeploying first")
		if td.host == "" {
			logger.Error().Err(ErrNotPlaced).Msg("cannot tear down deleted compute")
			return
		}
		if _, err := o.dispatcher.Run(ctx, dispatch.OpDestroy, td.host, td.backend, c.ID); err != nil {
			logger.Error().Err(err).Msg("destroy failed")
			return
		}
		if _, err := o.dispatcher.Run(ctx, dispatch.OpUndeploy, td.host, td.backend, c.ID); err != nil {
			logger.Error().Err(err).Msg("undeploy failed")
			return
		}
	} else {
		logger.Info().Msg("deleting compute which is already undeployed")
	}

	o.record(ctx, &c, c.Owner, fmt.Sprintf("Deleted %s", c.String()))

	if c.IPv4Address == "" {
		return
	}
	var freed bool
	err := o.store.ReadWrite(ctx, func(tx *Tx) error {
		var err error
		freed, err = tx.FreeIP(c.IPv4Address)
		return err
	})
	if err != nil {
		logger.Error().Err(err).Str("ip", c.IPv4Address).Msg("deallocating ip failed")
		return
	}
	if freed {
		o.record(ctx, &c, c.Owner, fmt.Sprintf("Deallocated IP: %s", c.IPv4Address))
	}
}

func (o *Orchestrator) handleDeletedStats(ctx context.Context, tx *Tx, ev Event) error {
	if !ev.Compute.IsVirtual() {
		return nil
	}
	o.stats.Schedule(tx, ev.Compute.Owner)
	return nil
}

func (o *Orchestrator) handleCreated(ctx context.Context, tx *Tx, ev Event) error {
	c := ev.Compute
	if !c.IsVirtual() || c.ContainerID == "" || c.Deployed || !o.cfg.AutoAllocate {
		return nil
	}
	ct, err := tx.Container(c.ContainerID)
	if err != nil {
		return nil
	}
	var (
		action func(context.Context, string) (*api.Compute, error)
		name   string
		msg    string
	)
	switch ct.ParentKind {
	case api.ParentHangar:
		action, name, msg = o.Allocate, "allocate", "Allocated compute %s"
	case api.ParentHost:
		action, name, msg = o.Deploy, "deploy", "Deployed compute %s"
	default:
		return nil
	}
	log.Info().Str("system", "create-event").Str("owner", c.Owner).
		Msgf("attempting %s for %s", name, c.String())
	tx.AfterCommit(func() {
		o.sched.After(o.cfg.CreateDelay, func(ctx context.Context) {
			placed, err := action(ctx, c.ID)
			if err != nil {
				log.Error().Err(err).Str("system", "create-event").Str("compute", c.String()).
					Msgf("%s failed", name)
				return
			}
			o.record(ctx, placed, placed.Owner, fmt.Sprintf(msg, placed.String()))
			o.stats.Now(placed.Owner)
		})
	})
	return nil
}

// Deploy sends a placed instance to its host and marks it deployed.
func (o *Orchestrator) Deploy(ctx context.Context, id string) (*api.Compute, error) {
	var (
		c    *api.Compute
		ct   *api.Container
		host *api.Compute
	)
	err := o.store.ReadOnly(ctx, func(tx *Tx) error {
		var err error
		if c, err = tx.Compute(id); err != nil {
			return err
		}
		ct, host, err = tx.Placement(c)
		return err
	})
	if err != nil {
		return nil, err
	}
	if host == nil {
		return nil, fmt.Errorf("%s: %w", c, ErrNotPlaced)
	}
	if _, err := o.dispatcher.Run(ctx, dispatch.OpDeploy, host.Hostname, ct.Backend, deployDescriptor(c)); err != nil {
		return nil, err
	}
	err = o.store.ReadWrite(ctx, func(tx *Tx) error {
		cur, err := tx.Compute(id)
		if err != nil {
			return err
		}
		cur.Deployed = true
		if cur.EffectiveState == "" {
			cur.EffectiveState = api.StateInactive
		}
		c = cur
		return tx.UpdateCompute(cur)
	})
	return c, err
}

// Allocate moves an instance from a hangar onto the active host with the
// most free memory, then deploys it there.
func (o *Orchestrator) Allocate(ctx context.Context, id string) (*api.Compute, error) {
	err := o.store.ReadWrite(ctx, func(tx *Tx) error {
		c, err := tx.Compute(id)
		if err != nil {
			return err
		}
		target, err := pickContainer(tx, c)
		if err != nil {
			return err
		}
		log.Info().Str("system", "create-event").Str("compute", c.String()).Str("container", target).
			Msg("allocating compute")
		c.ContainerID = target
		return tx.UpdateCompute(c)
	})
	if err != nil {
		return nil, err
	}
	return o.Deploy(ctx, id)
}

type candidate struct {
	container string
	free      float64
}

func pickContainer(tx *Tx, c *api.Compute) (string, error) {
	hosts, err := tx.Computes(ComputeFilter{Kind: api.KindHost})
	if err != nil {
		return "", err
	}
	var cands []candidate
	for _, h := range hosts {
		if h.State != api.StateActive {
			continue
		}
		containers, err := tx.Containers(h.ID)
		if err != nil {
			return "", err
		}
		if len(containers) == 0 {
			continue
		}
		free := h.Memory
		for _, ct := range containers {
			vms, err := tx.Computes(ComputeFilter{Container: ct.ID, Kind: api.KindVirtual})
			if err != nil {
				return "", err
			}
			for _, vm := range vms {
				if vm.Deployed {
					free -= vm.Memory
				}
			}
		}
		if free >= c.Memory {
			cands = append(cands, candidate{container: containers[0].ID, free: free})
		}
	}
	if len(cands) == 0 {
		return "", ErrNoCapacity
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].free > cands[j].free })
	return cands[0].container, nil
}

func deployDescriptor(c *api.Compute) map[string]any {
	d := map[string]any{
		"uuid":       c.ID,
		"hostname":   c.Hostname,
		"template":   c.Template,
		"owner":      c.Owner,
		"cpu_limit":  c.CPULimit,
		"num_cores":  c.NumCores,
		"memory":     c.Memory * unitScale[api.FieldMemory],
		"swap_size":  c.SwapSize * unitScale[api.FieldSwapSize],
		"disk_size":  c.DiskSize,
		"ip_address": c.IPv4Address,
		"state":      c.State,
	}
	if ud, err := UserData(c); err == nil {
		d["user_data"] = ud
	} else {
		log.Warn().Err(err).Str("system", "compute-backend").Str("compute", c.String()).Msg("deploying without user data")
	}
	return d
}

func (o *Orchestrator) handleOwnerChange(ctx context.Context, tx *Tx, ev Event) error {
	c := ev.Compute
	if !c.IsVirtual() {
		return nil
	}
	msg := fmt.Sprintf("Compute %q owner changed from %q to %q", c.String(), ev.OldOwner, ev.NewOwner)
	for _, owner := range []string{ev.OldOwner, ev.NewOwner} {
		if _, err := tx.Principal(owner); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	log.Info().Str("system", "ownership-change-event").Msg(msg)
	o.recordAfterCommit(tx, c, ev.OldOwner, msg)
	o.recordAfterCommit(tx, c, ev.NewOwner, msg)

	ct, host, err := tx.Placement(&c)
	if err != nil && !errors.Is(err, ErrNotPlaced) {
		return err
	}
	if host != nil {
		if _, err := o.dispatcher.Run(ctx, dispatch.OpSetOwner, host.Hostname, ct.Backend, c.ID, ev.NewOwner); err != nil {
			log.Error().Err(err).Str("system", "ownership-change-event").Str("compute", c.String()).
				Msg("set owner failed")
			return err
		}
	}
	o.stats.Schedule(tx, ev.OldOwner, ev.NewOwner)
	return nil
}
