package core

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/3cpo-dev/knot/pkg/api"
	"github.com/rs/zerolog/log"
)

// UserStats are the resource totals of one owner's virtual computes.
type UserStats struct {
	Owner     string    `json:"owner"`
	VMCount   int       `json:"vm_count"`
	NumCores  int       `json:"num_cores"`
	Memory    float64   `json:"memory"`
	DiskSize  float64   `json:"disk_size"`
	Credit    float64   `json:"credit"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Statistics recomputes per-owner totals.
type Statistics struct {
	store *Store
}

func NewStatistics(store *Store) *Statistics { return &Statistics{store: store} }

// Update recomputes and stores the statistics of owner.
func (s *Statistics) Update(ctx context.Context, owner string) (UserStats, error) {
	st := UserStats{Owner: owner, UpdatedAt: time.Now().UTC()}
	err := s.store.ReadWrite(ctx, func(tx *Tx) error {
		computes, err := tx.Computes(ComputeFilter{Owner: owner, Kind: api.KindVirtual})
		if err != nil {
			return err
		}
		for _, c := range computes {
			st.VMCount++
			st.NumCores += c.NumCores
			st.Memory += c.Memory
			st.DiskSize += c.DiskSize
		}
		profile, err := tx.CreditProfile(owner)
		switch {
		case err == nil:
			st.Credit = profile.Credit
		case !errors.Is(err, ErrNotFound):
			return err
		}
		return tx.PutStats(st)
	})
	if err != nil {
		return st, err
	}
	log.Info().
		Str("system", "stats").
		Str("owner", owner).
		Int("vms", st.VMCount).
		Int("cores", st.NumCores).
		Float64("memory", st.Memory).
		Float64("disk", st.DiskSize).
		Float64("credit", st.Credit).
		Msg("updated user statistics")
	return st, nil
}

func (t *Tx) PutStats(st UserStats) error {
	if err := t.writable(); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(t.ctx, `INSERT INTO user_stats (owner, vm_count, num_cores, memory, disk_size, credit, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner) DO UPDATE SET vm_count = excluded.vm_count, num_cores = excluded.num_cores,
		memory = excluded.memory, disk_size = excluded.disk_size, credit = excluded.credit, updated_at = excluded.updated_at`,
		st.Owner, st.VMCount, st.NumCores, st.Memory, st.DiskSize, st.Credit, st.UpdatedAt.Unix())
	return err
}

func (t *Tx) Stats(owner string) (UserStats, error) {
	st := UserStats{Owner: owner}
	var ts int64
	err := t.tx.QueryRowContext(t.ctx, `SELECT vm_count, num_cores, memory, disk_size, credit, updated_at
		FROM user_stats WHERE owner = ?`, owner).Scan(&st.VMCount, &st.NumCores, &st.Memory, &st.DiskSize, &st.Credit, &ts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return st, ErrNotFound
		}
		return st, err
	}
	st.UpdatedAt = time.Unix(ts, 0).UTC()
	return st, nil
}

// StatsUpdater refreshes an owner's statistics.
type StatsUpdater interface {
	Update(ctx context.Context, owner string) (UserStats, error)
}

// StatsScheduler defers statistics refreshes until a transaction commits.
type StatsScheduler struct {
	updater  StatsUpdater
	sched    *Scheduler
	disabled bool
}

// NewStatsScheduler returns a scheduler running updates on sched. When
// onlyOnSync is set, refreshes are left to explicit synchronization runs.
func NewStatsScheduler(updater StatsUpdater, sched *Scheduler, onlyOnSync bool) *StatsScheduler {
	return &StatsScheduler{updater: updater, sched: sched, disabled: onlyOnSync}
}

// Schedule refreshes owners once tx commits. Nothing runs if it rolls back.
func (s *StatsScheduler) Schedule(tx *Tx, owners ...string) {
	if s == nil || s.disabled {
		return
	}
	tx.AfterCommit(func() { s.Now(owners...) })
}

// Now refreshes owners in the background, regardless of commit state.
// Callers inside a transaction must not wait for the refresh: it writes
// through its own transaction.
func (s *StatsScheduler) Now(owners ...string) {
	if s == nil || s.disabled {
		return
	}
	s.sched.Go(func(ctx context.Context) {
		for _, owner := range owners {
			if owner == "" {
				continue
			}
			if _, err := s.updater.Update(ctx, owner); err != nil {
				log.Error().Err(err).Str("system", "stats").Str("owner", owner).Msg("statistics update failed")
			}
		}
	})
}
