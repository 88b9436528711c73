package dispatch

import (
	"fmt"
	"sync"
)

// Registry owns the process-wide per-host state shared by executors: one
// cached client per host and executor kind, and the failure tracker.
// Clients are created lazily and kept for the lifetime of the registry.
type Registry struct {
	factory ClientFactory
	tracker *Tracker

	mu           sync.Mutex
	syncClients  map[string]SyncClient
	asyncClients map[string]AsyncClient
}

func NewRegistry(factory ClientFactory, tracker *Tracker) *Registry {
	if tracker == nil {
		tracker = NewTracker(TrackerConfig{}, nil)
	}
	return &Registry{
		factory:      factory,
		tracker:      tracker,
		syncClients:  map[string]SyncClient{},
		asyncClients: map[string]AsyncClient{},
	}
}

func (r *Registry) Tracker() *Tracker { return r.tracker }

// SyncClient returns the cached blocking client for host.
func (r *Registry) SyncClient(host string) (SyncClient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.syncClients[host]; ok {
		return c, nil
	}
	c, err := r.factory.SyncClient(host)
	if err != nil {
		return nil, fmt.Errorf("sync client for %s: %w", host, err)
	}
	r.syncClients[host] = c
	return c, nil
}

// AsyncClient returns the cached job client for host.
func (r *Registry) AsyncClient(host string) (AsyncClient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.asyncClients[host]; ok {
		return c, nil
	}
	c, err := r.factory.AsyncClient(host)
	if err != nil {
		return nil, fmt.Errorf("async client for %s: %w", host, err)
	}
	r.asyncClients[host] = c
	return c, nil
}
