package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/3cpo-dev/knot/internal/core"
	"github.com/3cpo-dev/knot/internal/telemetry"
	"github.com/3cpo-dev/knot/pkg/api"
	"github.com/rs/zerolog/log"
)

// CreditInsufficientError vetoes an operation for a principal out of credit.
type CreditInsufficientError struct {
	Principal string
	Credit    float64
}

func (e *CreditInsufficientError) Error() string {
	return fmt.Sprintf("user %s does not have enough credit (%.2f)", e.Principal, e.Credit)
}

type GateConfig struct {
	BillableGroup string
	Cooldown      time.Duration
}

// Gate checks that members of the billable group have credit before
// privileged operations on their virtual computes.
type Gate struct {
	store   *core.Store
	client  CreditClient
	cfg     GateConfig
	now     func() time.Time
	metrics *telemetry.Metrics
}

// NewGate builds a gate. A nil now defaults to time.Now.
func NewGate(store *core.Store, client CreditClient, cfg GateConfig, now func() time.Time, metrics *telemetry.Metrics) *Gate {
	if now == nil {
		now = time.Now
	}
	return &Gate{store: store, client: client, cfg: cfg, now: now, metrics: metrics}
}

// Admit returns a *CreditInsufficientError when p may not operate on c.
// A stale credit value is refreshed first; refresh failures are logged and
// the last known value is used.
func (g *Gate) Admit(ctx context.Context, p api.Principal, c *api.Compute) error {
	if !c.IsVirtual() {
		return nil
	}
	if !p.InGroup(g.cfg.BillableGroup) {
		log.Info().Str("system", "billing").Str("principal", p.ID).
			Msgf("not checking credit: not a member of %s", g.cfg.BillableGroup)
		g.metrics.CreditCheck("skipped")
		return nil
	}

	var profile api.CreditProfile
	err := g.store.ReadOnly(ctx, func(tx *core.Tx) error {
		var err error
		profile, err = tx.CreditProfile(p.ID)
		return err
	})
	switch {
	case errors.Is(err, core.ErrNotFound):
		profile = api.CreditProfile{PrincipalID: p.ID, UID: p.ID}
	case err != nil:
		return err
	}

	now := g.now()
	if !now.Before(profile.NextCheck(g.cfg.Cooldown)) {
		g.refresh(ctx, &profile, now)
	}

	if !profile.HasCredit() {
		log.Info().Str("system", "billing").Str("principal", p.ID).Float64("credit", profile.Credit).
			Msg("operation vetoed: insufficient credit")
		g.metrics.CreditCheck("denied")
		return &CreditInsufficientError{Principal: p.ID, Credit: profile.Credit}
	}
	g.metrics.CreditCheck("allowed")
	return nil
}

func (g *Gate) refresh(ctx context.Context, profile *api.CreditProfile, now time.Time) {
	logger := log.With().Str("system", "billing").Str("principal", profile.PrincipalID).Str("uid", profile.UID).Logger()
	logger.Debug().Msg("credit profile stale, refreshing")
	if g.client == nil {
		logger.Error().Msg("no credit service configured")
		g.metrics.CreditCheck("refresh_failed")
		return
	}
	credit, err := g.client.GetCredit(ctx, profile.UID)
	if err != nil {
		logger.Error().Err(err).Msg("credit refresh failed")
		g.metrics.CreditCheck("refresh_failed")
		return
	}
	profile.Credit = credit
	profile.CreditTimestamp = now
	err = g.store.ReadWrite(ctx, func(tx *core.Tx) error {
		if err := tx.UpdateCredit(profile.PrincipalID, credit, now); !errors.Is(err, core.ErrNotFound) {
			return err
		}
		return tx.PutCreditProfile(*profile)
	})
	if err != nil {
		logger.Error().Err(err).Msg("storing refreshed credit failed")
	}
}
