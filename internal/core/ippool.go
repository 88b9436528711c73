package core

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/3cpo-dev/knot/pkg/api"
)

// ParsePool builds a pool from textual bounds.
func ParsePool(name, minimum, maximum string) (api.IPPool, error) {
	lo, err := netip.ParseAddr(minimum)
	if err != nil {
		return api.IPPool{}, fmt.Errorf("pool %s minimum: %w", name, err)
	}
	hi, err := netip.ParseAddr(maximum)
	if err != nil {
		return api.IPPool{}, fmt.Errorf("pool %s maximum: %w", name, err)
	}
	if lo.Is4() != hi.Is4() || lo.Compare(hi) > 0 {
		return api.IPPool{}, fmt.Errorf("pool %s: invalid range %s-%s", name, lo, hi)
	}
	return api.IPPool{Name: name, Minimum: lo, Maximum: hi}, nil
}

// AddPool stores a pool. Ranges of distinct pools may not intersect.
func (t *Tx) AddPool(p api.IPPool) error {
	if err := t.writable(); err != nil {
		return err
	}
	pools, err := t.Pools()
	if err != nil {
		return err
	}
	for _, other := range pools {
		if other.Minimum.Compare(p.Maximum) <= 0 && p.Minimum.Compare(other.Maximum) <= 0 {
			return fmt.Errorf("pool %s overlaps pool %s", p.Name, other.Name)
		}
	}
	_, err = t.tx.ExecContext(t.ctx, `INSERT INTO ip_pools (name, minimum, maximum) VALUES (?, ?, ?)`,
		p.Name, p.Minimum.String(), p.Maximum.String())
	return err
}

func (t *Tx) Pools() ([]api.IPPool, error) {
	rows, err := t.tx.QueryContext(t.ctx, `SELECT name, minimum, maximum FROM ip_pools ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []api.IPPool
	for rows.Next() {
		var name, lo, hi string
		if err := rows.Scan(&name, &lo, &hi); err != nil {
			return nil, err
		}
		p, err := ParsePool(name, lo, hi)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PoolUsage returns the number of allocated addresses per pool.
func (t *Tx) PoolUsage() (map[string]int, error) {
	rows, err := t.tx.QueryContext(t.ctx, `SELECT pool, COUNT(*) FROM ip_allocations GROUP BY pool`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var name string
		var n int
		if err := rows.Scan(&name, &n); err != nil {
			return nil, err
		}
		out[name] = n
	}
	return out, rows.Err()
}

// AllocateIP reserves the lowest free address of the first pool that has one.
func (t *Tx) AllocateIP() (netip.Addr, error) {
	if err := t.writable(); err != nil {
		return netip.Addr{}, err
	}
	pools, err := t.Pools()
	if err != nil {
		return netip.Addr{}, err
	}
	for _, p := range pools {
		used, err := t.allocated(p.Name)
		if err != nil {
			return netip.Addr{}, err
		}
		for a := p.Minimum; a.IsValid() && p.Contains(a); a = a.Next() {
			if used[a] {
				continue
			}
			if _, err := t.tx.ExecContext(t.ctx, `INSERT INTO ip_allocations (address, pool) VALUES (?, ?)`,
				a.String(), p.Name); err != nil {
				return netip.Addr{}, err
			}
			return a, nil
		}
	}
	return netip.Addr{}, ErrNoAddress
}

func (t *Tx) allocated(pool string) (map[netip.Addr]bool, error) {
	rows, err := t.tx.QueryContext(t.ctx, `SELECT address FROM ip_allocations WHERE pool = ?`, pool)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[netip.Addr]bool{}
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		if a, err := netip.ParseAddr(s); err == nil {
			out[a] = true
		}
	}
	return out, rows.Err()
}

// FreeIP releases addr, which may carry a /prefix suffix, from its pool.
// It reports whether the address was allocated.
func (t *Tx) FreeIP(addr string) (bool, error) {
	if err := t.writable(); err != nil {
		return false, err
	}
	if i := strings.IndexByte(addr, '/'); i >= 0 {
		addr = addr[:i]
	}
	a, err := netip.ParseAddr(strings.TrimSpace(addr))
	if err != nil {
		return false, fmt.Errorf("free ip: %w", err)
	}
	res, err := t.tx.ExecContext(t.ctx, `DELETE FROM ip_allocations WHERE address = ?`, a.String())
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
