package shard

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"shardsql/internal/bus"
	"shardsql/internal/logging"
	"shardsql/internal/types"
)

// Manager owns the set of engines for this process. Engines are created
// lazily on first use and rediscovered from the data directory at boot so
// a restart sees every shard that has state on disk.
type Manager struct {
	cfg Config
	pub bus.Publisher

	mu      sync.RWMutex
	engines map[string]*Engine

	onEvent       func(shardID, typ string)
	onUtilization func(shardID string, u float64)
}

// NewManager builds the manager. pub may be nil in tests.
func NewManager(cfg Config, pub bus.Publisher) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:     cfg,
		pub:     pub,
		engines: make(map[string]*Engine),
	}
}

// SetObservers installs metrics hooks passed down to every engine.
func (m *Manager) SetObservers(onEvent func(shardID, typ string), onUtilization func(shardID string, u float64)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEvent = onEvent
	m.onUtilization = onUtilization
	for _, e := range m.engines {
		e.SetObservers(onEvent, onUtilization)
	}
}

// Get returns the engine for shardID, opening it on first use.
func (m *Manager) Get(shardID string) (*Engine, error) {
	if !validIdent(strings.ReplaceAll(shardID, "-", "_")) {
		return nil, types.Errf(types.CodeInvalidQuery, "invalid shard id %q", shardID)
	}
	m.mu.RLock()
	if e, ok := m.engines[shardID]; ok {
		m.mu.RUnlock()
		return e, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.engines[shardID]; ok {
		return e, nil
	}
	e, err := Open(shardID, m.cfg)
	if err != nil {
		return nil, err
	}
	if m.pub != nil {
		e.SetPublisher(m.pub)
	}
	e.SetObservers(m.onEvent, m.onUtilization)
	m.engines[shardID] = e
	return e, nil
}

// KnownShards lists every shard with an open engine or on-disk state,
// sorted. Satisfies the routing store's ShardLister.
func (m *Manager) KnownShards() []string {
	set := map[string]struct{}{}
	m.mu.RLock()
	for id := range m.engines {
		set[id] = struct{}{}
	}
	m.mu.RUnlock()

	matches, err := filepath.Glob(filepath.Join(m.cfg.DataDir, "*.db"))
	if err == nil {
		for _, p := range matches {
			set[strings.TrimSuffix(filepath.Base(p), ".db")] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Health samples every known shard.
func (m *Manager) Health() map[string]types.ShardHealth {
	out := map[string]types.ShardHealth{}
	for _, id := range m.KnownShards() {
		e, err := m.Get(id)
		if err != nil {
			out[id] = types.ShardHealth{ShardID: id, Status: types.HealthUnhealthy, LastCheck: time.Now()}
			continue
		}
		out[id] = e.Health()
	}
	return out
}

// SweepTransactions expires idle transactions on every open engine.
func (m *Manager) SweepTransactions(now time.Time) int {
	m.mu.RLock()
	engines := make([]*Engine, 0, len(m.engines))
	for _, e := range m.engines {
		engines = append(engines, e)
	}
	m.mu.RUnlock()
	total := 0
	for _, e := range engines {
		total += e.SweepTransactions(now)
	}
	return total
}

// Drop closes an engine and deletes its state. Only the split
// orchestrator calls this, after cutover plus the grace window.
func (m *Manager) Drop(ctx context.Context, shardID string) error {
	m.mu.Lock()
	e, ok := m.engines[shardID]
	delete(m.engines, shardID)
	m.mu.Unlock()
	if ok {
		if err := e.Close(); err != nil {
			return err
		}
	}
	path := filepath.Join(m.cfg.DataDir, shardID+".db")
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	logging.Shard("shard %s dropped", shardID)
	return nil
}

// Close shuts down every open engine.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var first error
	for id, e := range m.engines {
		if err := e.Close(); err != nil && first == nil {
			first = err
		}
		delete(m.engines, id)
	}
	return first
}
