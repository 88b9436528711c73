package core

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/3cpo-dev/knot/internal/audit"
	"github.com/3cpo-dev/knot/internal/telemetry"
	"github.com/3cpo-dev/knot/pkg/api"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// maxConns bounds the pool. Readers share it; writers take turns on wmu.
const maxConns = 4

// Store is a SQLite-backed persistence layer. Writes through a Tx publish
// lifecycle events on the store's bus.
type Store struct {
	db  *sql.DB
	bus *Bus
	// wmu serializes ReadWrite transactions. A writer may wait on a remote
	// host while holding it; readers never take it.
	wmu sync.Mutex
}

//go:embed migrations/*.sql
var migrationFS embed.FS

func NewStore(path string, metrics *telemetry.Metrics) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(maxConns)
	s := &Store{db: db, bus: NewBus(metrics)}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	for _, e := range entries {
		schema, err := migrationFS.ReadFile("migrations/" + e.Name())
		if err != nil {
			return err
		}
		if _, err := s.db.Exec(string(schema)); err != nil {
			return fmt.Errorf("apply migration %s: %w", e.Name(), err)
		}
	}
	return nil
}

func (s *Store) Bus() *Bus { return s.bus }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

// ReadOnly runs fn in a transaction that is always rolled back.
func (s *Store) ReadOnly(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	return fn(&Tx{ctx: ctx, tx: tx, readOnly: true})
}

// ReadWrite runs fn in a transaction committed when fn returns nil. Only
// one ReadWrite runs at a time. After a successful commit the hooks
// registered through Tx.AfterCommit run in registration order, once the
// next writer may start.
func (s *Store) ReadWrite(ctx context.Context, fn func(*Tx) error) error {
	hooks, err := s.write(ctx, fn)
	if err != nil {
		return err
	}
	for _, hook := range hooks {
		hook()
	}
	return nil
}

func (s *Store) write(ctx context.Context, fn func(*Tx) error) ([]func(), error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	t := &Tx{ctx: ctx, tx: tx, bus: s.bus}
	if err := fn(t); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Error().Err(rbErr).Str("system", "store").Msg("rollback failed")
		}
		log.Debug().Err(err).Str("system", "store").Msg("transaction aborted")
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return t.hooks, nil
}

// Log appends an audit entry in its own transaction. It must not be called
// while a transaction is open on the same goroutine.
func (s *Store) Log(ctx context.Context, e audit.Entry) error {
	return s.ReadWrite(ctx, func(tx *Tx) error { return tx.AppendAudit(e) })
}

// Tx is an open store transaction.
type Tx struct {
	ctx      context.Context
	tx       *sql.Tx
	bus      *Bus
	readOnly bool
	hooks    []func()
}

func (t *Tx) Context() context.Context { return t.ctx }

// AfterCommit registers fn to run once the transaction has committed. It is
// never run for rolled back or read-only transactions.
func (t *Tx) AfterCommit(fn func()) {
	if t.readOnly {
		return
	}
	t.hooks = append(t.hooks, fn)
}

func (t *Tx) writable() error {
	if t.readOnly {
		return errors.New("write in read-only transaction")
	}
	return nil
}

func (t *Tx) publish(ev Event) error {
	return t.bus.Publish(t.ctx, t, ev)
}

const computeColumns = `id, hostname, kind, state, effective_state, owner, cpu_limit, memory,
	num_cores, swap_size, disk_size, template, ipv4_address, deployed, container_id`

type scanner interface {
	Scan(dest ...any) error
}

func scanCompute(row scanner) (*api.Compute, error) {
	var c api.Compute
	var kind string
	err := row.Scan(&c.ID, &c.Hostname, &kind, &c.State, &c.EffectiveState, &c.Owner,
		&c.CPULimit, &c.Memory, &c.NumCores, &c.SwapSize, &c.DiskSize, &c.Template,
		&c.IPv4Address, &c.Deployed, &c.ContainerID)
	if err != nil {
		return nil, err
	}
	c.Kind = api.ComputeKind(kind)
	return &c, nil
}

// Compute loads one compute record.
func (t *Tx) Compute(id string) (*api.Compute, error) {
	row := t.tx.QueryRowContext(t.ctx, `SELECT `+computeColumns+` FROM computes WHERE id = ?`, id)
	c, err := scanCompute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("compute %s: %w", id, ErrNotFound)
	}
	return c, err
}

// ComputeFilter narrows Computes. Zero fields match everything.
type ComputeFilter struct {
	Owner     string
	Kind      api.ComputeKind
	Container string
}

func (t *Tx) Computes(f ComputeFilter) ([]api.Compute, error) {
	var (
		where []string
		args  []any
	)
	if f.Owner != "" {
		where = append(where, "owner = ?")
		args = append(args, f.Owner)
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.Container != "" {
		where = append(where, "container_id = ?")
		args = append(args, f.Container)
	}
	q := `SELECT ` + computeColumns + ` FROM computes`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY hostname, id"
	rows, err := t.tx.QueryContext(t.ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []api.Compute
	for rows.Next() {
		c, err := scanCompute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (t *Tx) insertCompute(c *api.Compute) error {
	_, err := t.tx.ExecContext(t.ctx, `INSERT INTO computes (`+computeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Hostname, string(c.Kind), c.State, c.EffectiveState, c.Owner, c.CPULimit, c.Memory,
		c.NumCores, c.SwapSize, c.DiskSize, c.Template, c.IPv4Address, c.Deployed, c.ContainerID)
	return err
}

// UpdateCompute overwrites a stored record without publishing any event.
func (t *Tx) UpdateCompute(c *api.Compute) error {
	if err := t.writable(); err != nil {
		return err
	}
	res, err := t.tx.ExecContext(t.ctx, `UPDATE computes SET hostname = ?, kind = ?, state = ?,
		effective_state = ?, owner = ?, cpu_limit = ?, memory = ?, num_cores = ?, swap_size = ?,
		disk_size = ?, template = ?, ipv4_address = ?, deployed = ?, container_id = ? WHERE id = ?`,
		c.Hostname, string(c.Kind), c.State, c.EffectiveState, c.Owner, c.CPULimit, c.Memory,
		c.NumCores, c.SwapSize, c.DiskSize, c.Template, c.IPv4Address, c.Deployed, c.ContainerID, c.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("compute %s: %w", c.ID, ErrNotFound)
	}
	return nil
}

// CreateCompute stores a new record and publishes EventCreated.
func (t *Tx) CreateCompute(c *api.Compute) error {
	if err := t.writable(); err != nil {
		return err
	}
	if c.ContainerID != "" {
		if _, err := t.Container(c.ContainerID); err != nil {
			return err
		}
	}
	if err := t.insertCompute(c); err != nil {
		return fmt.Errorf("insert compute %s: %w", c.ID, err)
	}
	return t.publish(Event{Kind: EventCreated, Compute: *c})
}

// ModifyCompute applies changes to the named fields and publishes
// EventModified. Modified holds every supplied key, Original the previous
// values of the same keys.
func (t *Tx) ModifyCompute(id string, changes map[string]any) (*api.Compute, error) {
	if err := t.writable(); err != nil {
		return nil, err
	}
	c, err := t.Compute(id)
	if err != nil {
		return nil, err
	}
	original := make(map[string]any, len(changes))
	modified := make(map[string]any, len(changes))
	for name, v := range changes {
		prev, err := c.Field(name)
		if err != nil {
			return nil, err
		}
		if err := c.SetField(name, v); err != nil {
			return nil, err
		}
		original[name] = prev
		modified[name], _ = c.Field(name)
	}
	if err := t.UpdateCompute(c); err != nil {
		return nil, err
	}
	if err := t.publish(Event{Kind: EventModified, Compute: *c, Original: original, Modified: modified}); err != nil {
		return nil, err
	}
	return c, nil
}

// SaveFields assigns fields without publishing any event. Besides the
// mutable fields it accepts the observed fields.
func (t *Tx) SaveFields(id string, fields map[string]any) error {
	if err := t.writable(); err != nil {
		return err
	}
	c, err := t.Compute(id)
	if err != nil {
		return err
	}
	for name, v := range fields {
		switch name {
		case api.FieldEffectiveState:
			s, ok := v.(string)
			if !ok || !api.ValidState(s) {
				return fmt.Errorf("invalid effective state %v", v)
			}
			c.EffectiveState = s
		case api.FieldDeployed:
			b, ok := v.(bool)
			if !ok {
				return fmt.Errorf("field %s: expected bool, got %T", name, v)
			}
			c.Deployed = b
		default:
			if err := c.SetField(name, v); err != nil {
				return err
			}
		}
	}
	return t.UpdateCompute(c)
}

// DeleteCompute removes a record and publishes EventDeleted.
func (t *Tx) DeleteCompute(id string) error {
	if err := t.writable(); err != nil {
		return err
	}
	c, err := t.Compute(id)
	if err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(t.ctx, `DELETE FROM computes WHERE id = ?`, id); err != nil {
		return err
	}
	return t.publish(Event{Kind: EventDeleted, Compute: *c})
}

// ChangeOwner reassigns a record and publishes EventOwnerChanged.
func (t *Tx) ChangeOwner(id, owner string) error {
	if err := t.writable(); err != nil {
		return err
	}
	c, err := t.Compute(id)
	if err != nil {
		return err
	}
	if c.Owner == owner {
		return nil
	}
	prev := c.Owner
	c.Owner = owner
	if err := t.UpdateCompute(c); err != nil {
		return err
	}
	return t.publish(Event{Kind: EventOwnerChanged, Compute: *c, OldOwner: prev, NewOwner: owner})
}

func (t *Tx) Container(id string) (*api.Container, error) {
	var c api.Container
	var kind string
	err := t.tx.QueryRowContext(t.ctx, `SELECT id, backend, parent_kind, parent_id FROM containers WHERE id = ?`, id).
		Scan(&c.ID, &c.Backend, &kind, &c.ParentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("container %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	c.ParentKind = api.ContainerParent(kind)
	return &c, nil
}

// Containers lists containers, restricted to one parent when parentID is set.
func (t *Tx) Containers(parentID string) ([]api.Container, error) {
	q := `SELECT id, backend, parent_kind, parent_id FROM containers`
	var args []any
	if parentID != "" {
		q += ` WHERE parent_id = ?`
		args = append(args, parentID)
	}
	rows, err := t.tx.QueryContext(t.ctx, q+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []api.Container
	for rows.Next() {
		var c api.Container
		var kind string
		if err := rows.Scan(&c.ID, &c.Backend, &kind, &c.ParentID); err != nil {
			return nil, err
		}
		c.ParentKind = api.ContainerParent(kind)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (t *Tx) PutContainer(c api.Container) error {
	if err := t.writable(); err != nil {
		return err
	}
	switch c.ParentKind {
	case api.ParentHangar, api.ParentHost:
	default:
		return fmt.Errorf("invalid container parent %q", c.ParentKind)
	}
	_, err := t.tx.ExecContext(t.ctx, `INSERT INTO containers (id, backend, parent_kind, parent_id) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET backend = excluded.backend, parent_kind = excluded.parent_kind, parent_id = excluded.parent_id`,
		c.ID, c.Backend, string(c.ParentKind), c.ParentID)
	return err
}

// Placement resolves the container of a virtual compute and, when the
// container sits on a host, the host compute. Host is nil for hangars.
func (t *Tx) Placement(c *api.Compute) (*api.Container, *api.Compute, error) {
	if c.ContainerID == "" {
		return nil, nil, fmt.Errorf("%s: %w", c, ErrNotPlaced)
	}
	ct, err := t.Container(c.ContainerID)
	if err != nil {
		return nil, nil, err
	}
	if ct.ParentKind != api.ParentHost {
		return ct, nil, nil
	}
	host, err := t.Compute(ct.ParentID)
	if err != nil {
		return nil, nil, err
	}
	return ct, host, nil
}

func (t *Tx) Principal(id string) (api.Principal, error) {
	var groups string
	err := t.tx.QueryRowContext(t.ctx, `SELECT member_of FROM principals WHERE id = ?`, id).Scan(&groups)
	if errors.Is(err, sql.ErrNoRows) {
		return api.Principal{}, fmt.Errorf("principal %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return api.Principal{}, err
	}
	p := api.Principal{ID: id}
	for _, g := range strings.Split(groups, ",") {
		if g = strings.TrimSpace(g); g != "" {
			p.Groups = append(p.Groups, g)
		}
	}
	return p, nil
}

func (t *Tx) PutPrincipal(p api.Principal) error {
	if err := t.writable(); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(t.ctx, `INSERT INTO principals (id, member_of) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET member_of = excluded.member_of`, p.ID, strings.Join(p.Groups, ","))
	return err
}

func (t *Tx) CreditProfile(principalID string) (api.CreditProfile, error) {
	var (
		p  = api.CreditProfile{PrincipalID: principalID}
		ts int64
	)
	err := t.tx.QueryRowContext(t.ctx, `SELECT uid, credit, credit_timestamp, cooldown_seconds
		FROM credit_profiles WHERE principal_id = ?`, principalID).Scan(&p.UID, &p.Credit, &ts, &p.CooldownSeconds)
	if errors.Is(err, sql.ErrNoRows) {
		return p, fmt.Errorf("credit profile %s: %w", principalID, ErrNotFound)
	}
	if err != nil {
		return p, err
	}
	p.CreditTimestamp = time.Unix(ts, 0).UTC()
	return p, nil
}

func (t *Tx) PutCreditProfile(p api.CreditProfile) error {
	if err := t.writable(); err != nil {
		return err
	}
	var ts int64
	if !p.CreditTimestamp.IsZero() {
		ts = p.CreditTimestamp.Unix()
	}
	_, err := t.tx.ExecContext(t.ctx, `INSERT INTO credit_profiles (principal_id, uid, credit, credit_timestamp, cooldown_seconds)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(principal_id) DO UPDATE SET uid = excluded.uid, credit = excluded.credit,
		credit_timestamp = excluded.credit_timestamp, cooldown_seconds = excluded.cooldown_seconds`,
		p.PrincipalID, p.UID, p.Credit, ts, p.CooldownSeconds)
	return err
}

// UpdateCredit records a fresh credit value and resets the check timestamp.
func (t *Tx) UpdateCredit(principalID string, credit float64, at time.Time) error {
	if err := t.writable(); err != nil {
		return err
	}
	res, err := t.tx.ExecContext(t.ctx, `UPDATE credit_profiles SET credit = ?, credit_timestamp = ? WHERE principal_id = ?`,
		credit, at.Unix(), principalID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("credit profile %s: %w", principalID, ErrNotFound)
	}
	return nil
}

func (t *Tx) AppendAudit(e audit.Entry) error {
	if err := t.writable(); err != nil {
		return err
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	_, err := t.tx.ExecContext(t.ctx, `INSERT INTO audit_log (ts, subject, owner, message) VALUES (?, ?, ?, ?)`,
		e.Time.UnixMilli(), e.Subject, e.Owner, e.Message)
	return err
}

// Audit returns the most recent entries for owner, newest first.
func (t *Tx) Audit(owner string, limit int) ([]audit.Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := t.tx.QueryContext(t.ctx, `SELECT ts, subject, owner, message FROM audit_log
		WHERE owner = ? ORDER BY id DESC LIMIT ?`, owner, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []audit.Entry
	for rows.Next() {
		var e audit.Entry
		var ts int64
		if err := rows.Scan(&ts, &e.Subject, &e.Owner, &e.Message); err != nil {
			return nil, err
		}
		e.Time = time.UnixMilli(ts).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
