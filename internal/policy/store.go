package policy

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"shardsql/internal/logging"
	"shardsql/internal/meta"
)

const (
	keyTablePrefix   = "config:table-policies:"
	keyRoutingPolicy = "config:routing-policy"

	// cacheTTL absorbs repeated policy reads on the hot query path.
	cacheTTL = 5 * time.Minute
)

// RoutingUpdater receives validated routing policy documents. The routing
// store implements this; the indirection keeps the packages acyclic.
type RoutingUpdater interface {
	UpdateFromDocument(doc []byte, description string) (int64, error)
}

type cachedPolicy struct {
	policy  *TablePolicy
	loaded  time.Time
	missing bool // table has no stored policy; default applies
}

// Store is the table policy store.
type Store struct {
	meta       *meta.Store
	defaultTTL time.Duration
	defaultSWR time.Duration

	mu      sync.RWMutex
	cache   map[string]cachedPolicy
	routing RoutingUpdater
	clock   func() time.Time
}

// NewStore builds the store with the fallback cache windows used when a
// table policy is silent.
func NewStore(m *meta.Store, defaultTTL, defaultSWR time.Duration) *Store {
	return &Store{
		meta:       m,
		defaultTTL: defaultTTL,
		defaultSWR: defaultSWR,
		cache:      make(map[string]cachedPolicy),
		clock:      time.Now,
	}
}

// SetRoutingUpdater attaches the routing policy sink for
// UpdateRoutingPolicy.
func (s *Store) SetRoutingUpdater(r RoutingUpdater) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routing = r
}

// GetTablePolicy returns the policy for table, falling back to the
// default when none is configured.
func (s *Store) GetTablePolicy(table string) (*TablePolicy, error) {
	now := s.clock()

	s.mu.RLock()
	if c, ok := s.cache[table]; ok && now.Sub(c.loaded) < cacheTTL {
		s.mu.RUnlock()
		if c.missing {
			return DefaultPolicy(s.defaultTTL, s.defaultSWR), nil
		}
		return c.policy, nil
	}
	s.mu.RUnlock()

	raw, ok, err := s.meta.Get(keyTablePrefix + table)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !ok {
		s.cache[table] = cachedPolicy{loaded: now, missing: true}
		return DefaultPolicy(s.defaultTTL, s.defaultSWR), nil
	}
	p, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	s.cache[table] = cachedPolicy{policy: p, loaded: now}
	return p, nil
}

// GetTablePolicies returns every configured table policy by name.
func (s *Store) GetTablePolicies() (map[string]*TablePolicy, error) {
	entries, err := s.meta.List(keyTablePrefix)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*TablePolicy, len(entries))
	for _, kv := range entries {
		name := strings.TrimPrefix(kv.Key, keyTablePrefix)
		p, err := Parse(kv.Value)
		if err != nil {
			return nil, err
		}
		out[name] = p
	}
	return out, nil
}

// UpdateTablePolicy validates and persists a YAML or JSON policy
// document, then clears the read cache.
func (s *Store) UpdateTablePolicy(table string, doc []byte) error {
	p, err := Parse(doc)
	if err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}
	// Persist canonical JSON rather than the raw document so history is
	// uniform regardless of the submitted format.
	canonical, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if err := s.meta.Put(keyTablePrefix+table, canonical); err != nil {
		return err
	}
	s.ClearCache()
	logging.Policy("table policy updated: %s %s", table, p)
	return nil
}

// UpdateRoutingPolicy forwards a routing policy document to the routing
// store and mirrors the raw document under the config keyspace.
func (s *Store) UpdateRoutingPolicy(doc []byte, description string) (int64, error) {
	s.mu.RLock()
	r := s.routing
	s.mu.RUnlock()
	if r == nil {
		return 0, nil
	}
	v, err := r.UpdateFromDocument(doc, description)
	if err != nil {
		return 0, err
	}
	if err := s.meta.Put(keyRoutingPolicy, doc); err != nil {
		return 0, err
	}
	return v, nil
}

// ValidateConfig re-validates every stored table policy. Used by the
// admin surface and at startup.
func (s *Store) ValidateConfig() error {
	all, err := s.GetTablePolicies()
	if err != nil {
		return err
	}
	for name, p := range all {
		if err := p.Validate(); err != nil {
			return err
		}
		_ = name
	}
	return nil
}

// ClearCache drops the read cache. Called on every update and by the
// config file watcher.
func (s *Store) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string]cachedPolicy)
}
