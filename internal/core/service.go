package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/3cpo-dev/knot/internal/dispatch"
	"github.com/3cpo-dev/knot/pkg/api"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Gate vetoes privileged operations on a compute for a principal.
type Gate interface {
	Admit(ctx context.Context, principal api.Principal, c *api.Compute) error
}

// gatedActions require admission before they are dispatched.
var gatedActions = map[dispatch.Operation]bool{
	dispatch.OpStart:  true,
	dispatch.OpResume: true,
	dispatch.OpDeploy: true,
}

// observedStates are the effective states confirmed by a successful action.
var observedStates = map[dispatch.Operation]string{
	dispatch.OpStart:    api.StateActive,
	dispatch.OpResume:   api.StateActive,
	dispatch.OpReboot:   api.StateActive,
	dispatch.OpShutdown: api.StateInactive,
	dispatch.OpDestroy:  api.StateInactive,
	dispatch.OpSuspend:  api.StateSuspended,
}

// Service is the command surface shared by the CLI and the HTTP API.
type Service struct {
	store      *Store
	dispatcher Dispatcher
	gate       Gate
	orch       *Orchestrator
}

func NewService(store *Store, d Dispatcher, gate Gate, orch *Orchestrator) *Service {
	return &Service{store: store, dispatcher: d, gate: gate, orch: orch}
}

func (s *Service) Store() *Store { return s.store }

// Wait blocks until background work started by earlier calls has finished.
func (s *Service) Wait() {
	if s.orch != nil {
		s.orch.Wait()
	}
}

func (s *Service) admit(ctx context.Context, p api.Principal, c *api.Compute) error {
	if s.gate == nil || !c.IsVirtual() {
		return nil
	}
	return s.gate.Admit(ctx, p, c)
}

// Principal loads a principal. Unknown principals have no groups.
func (s *Service) Principal(ctx context.Context, id string) (api.Principal, error) {
	p := api.Principal{ID: id}
	err := s.store.ReadOnly(ctx, func(tx *Tx) error {
		var err error
		p, err = tx.Principal(id)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return api.Principal{ID: id}, nil
	}
	return p, err
}

func (s *Service) Compute(ctx context.Context, id string) (*api.Compute, error) {
	var c *api.Compute
	err := s.store.ReadOnly(ctx, func(tx *Tx) error {
		var err error
		c, err = tx.Compute(id)
		return err
	})
	return c, err
}

func (s *Service) ListComputes(ctx context.Context, f ComputeFilter) ([]api.Compute, error) {
	var out []api.Compute
	err := s.store.ReadOnly(ctx, func(tx *Tx) error {
		var err error
		out, err = tx.Computes(f)
		return err
	})
	return out, err
}

// CreateCompute stores a new compute owned by the principal unless an owner
// is set. Virtual instances without an address get one from the IP pools.
func (s *Service) CreateCompute(ctx context.Context, p api.Principal, c api.Compute) (*api.Compute, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Owner == "" {
		c.Owner = p.ID
	}
	if c.Kind == "" {
		c.Kind = api.KindVirtual
	}
	if c.State == "" {
		c.State = api.StateInactive
	}
	if !api.ValidState(c.State) {
		return nil, fmt.Errorf("invalid state %q", c.State)
	}
	if err := s.admit(ctx, p, &c); err != nil {
		return nil, err
	}
	err := s.store.ReadWrite(ctx, func(tx *Tx) error {
		if c.IsVirtual() && c.IPv4Address == "" {
			addr, err := tx.AllocateIP()
			switch {
			case errors.Is(err, ErrNoAddress):
				log.Warn().Str("system", "compute-backend").Str("compute", c.String()).Msg("no ip address allocated")
			case err != nil:
				return err
			default:
				c.IPv4Address = addr.String()
			}
		}
		return tx.CreateCompute(&c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ModifyCompute assigns fields. A rejected configuration update leaves the
// record unchanged and returns a *ConfigApplyError.
func (s *Service) ModifyCompute(ctx context.Context, p api.Principal, id string, changes map[string]any) (*api.Compute, error) {
	c, err := s.Compute(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.admit(ctx, p, c); err != nil {
		return nil, err
	}
	var out *api.Compute
	err = s.store.ReadWrite(ctx, func(tx *Tx) error {
		var err error
		out, err = tx.ModifyCompute(id, changes)
		return err
	})
	return out, err
}

func (s *Service) DeleteCompute(ctx context.Context, p api.Principal, id string) error {
	return s.store.ReadWrite(ctx, func(tx *Tx) error { return tx.DeleteCompute(id) })
}

func (s *Service) ChangeOwner(ctx context.Context, p api.Principal, id, owner string) error {
	if owner == "" {
		return errors.New("owner required")
	}
	return s.store.ReadWrite(ctx, func(tx *Tx) error { return tx.ChangeOwner(id, owner) })
}

// RunAction dispatches op for a compute. Host operations target the host
// itself; instance operations target the host of the instance's container.
// On success the observed state of the instance is recorded.
func (s *Service) RunAction(ctx context.Context, p api.Principal, id string, op dispatch.Operation) (any, error) {
	if op == dispatch.OpDeploy && s.orch != nil {
		c, err := s.Compute(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := s.admit(ctx, p, c); err != nil {
			return nil, err
		}
		return s.orch.Deploy(ctx, id)
	}

	var (
		c    *api.Compute
		host string
		args []any
	)
	err := s.store.ReadOnly(ctx, func(tx *Tx) error {
		var err error
		if c, err = tx.Compute(id); err != nil {
			return err
		}
		if !c.IsVirtual() {
			host = c.Hostname
			return nil
		}
		ct, h, err := tx.Placement(c)
		if err != nil {
			return err
		}
		if h == nil {
			return fmt.Errorf("%s: %w", c, ErrNotPlaced)
		}
		host, args = h.Hostname, []any{ct.Backend, c.ID}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if gatedActions[op] {
		if err := s.admit(ctx, p, c); err != nil {
			return nil, err
		}
	}
	res, err := s.dispatcher.Run(ctx, op, host, args...)
	if err != nil {
		return nil, err
	}
	if c.IsVirtual() {
		if err := s.recordObserved(ctx, id, op); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (s *Service) recordObserved(ctx context.Context, id string, op dispatch.Operation) error {
	state, hasState := observedStates[op]
	undeployed := op == dispatch.OpUndeploy
	if !hasState && !undeployed {
		return nil
	}
	fields := map[string]any{}
	if hasState {
		fields[api.FieldEffectiveState] = state
	}
	if undeployed {
		fields[api.FieldDeployed] = false
		fields[api.FieldEffectiveState] = api.StateInactive
	}
	return s.store.ReadWrite(ctx, func(tx *Tx) error { return tx.SaveFields(id, fields) })
}
