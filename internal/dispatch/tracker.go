package dispatch

import (
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// TrackerConfig controls timeout blacklisting.
type TrackerConfig struct {
	Enabled   bool
	TTL       time.Duration
	Whitelist []string
}

// Tracker is a per-host temporary blacklist. Entries are added when a
// synchronous call times out and are evicted lazily by Check once their
// TTL has elapsed; there is no background sweep.
type Tracker struct {
	cfg TrackerConfig
	now func() time.Time

	mu      sync.Mutex
	entries map[string]time.Time
}

// NewTracker creates a tracker. A nil now defaults to time.Now.
func NewTracker(cfg TrackerConfig, now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{cfg: cfg, now: now, entries: make(map[string]time.Time)}
}

// Check refuses hosts that are still blacklisted and clears stale entries.
func (t *Tracker) Check(host string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	at, ok := t.entries[host]
	if !ok {
		return nil
	}
	now := t.now()
	if until := at.Add(t.cfg.TTL); until.After(now) {
		return &BlacklistedHostError{Host: host, Remaining: until.Sub(now)}
	}
	log.Info().Str("system", "dispatch").Str("host", host).Msg("removing host from blacklist")
	delete(t.entries, host)
	return nil
}

// RecordTimeout blacklists host unless blacklisting is disabled or the host
// is whitelisted. It reports whether an entry was recorded.
func (t *Tracker) RecordTimeout(host string) bool {
	if !t.cfg.Enabled {
		return false
	}
	if slices.Contains(t.cfg.Whitelist, host) {
		log.Info().Str("system", "dispatch").Str("host", host).Msg("host not blacklisted because in timeout whitelist")
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[host] = t.now()
	log.Warn().Str("system", "dispatch").Str("host", host).Dur("ttl", t.cfg.TTL).Msg("blacklisting host")
	return true
}

// Len returns the number of entries, including stale ones not yet evicted.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Snapshot returns a copy of the blacklist.
func (t *Tracker) Snapshot() map[string]time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]time.Time, len(t.entries))
	for h, at := range t.entries {
		out[h] = at
	}
	return out
}
