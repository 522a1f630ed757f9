package routing

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"shardsql/internal/logging"
	"shardsql/internal/meta"
	"shardsql/internal/types"
)

// Persistence layout in the meta store.
const (
	keyPolicyPrefix  = "routing:policy:v"
	keyHistoryPrefix = "routing:history:v"
	keyCurrent       = "routing:current_version"
)

// ShardLister exposes the set of shards known to the storage layer.
type ShardLister interface {
	KnownShards() []string
}

// SplitTargets exposes target shards of active split plans, which are
// legal routing destinations before they carry any policy assignment.
type SplitTargets interface {
	ActiveTargets() []string
}

// Store is the routing policy store. History is append-only; the current
// pointer is a single key moved atomically with each new version.
type Store struct {
	meta *meta.Store

	mu         sync.RWMutex
	current    *Policy
	maxVersion int64
	shards     ShardLister
	splits     SplitTargets
	clock      func() time.Time
}

// NewStore loads the current policy (if any) from the meta store.
func NewStore(m *meta.Store) (*Store, error) {
	s := &Store{meta: m, clock: time.Now}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// SetShardLister attaches the source of known shard ids.
func (s *Store) SetShardLister(l ShardLister) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shards = l
}

// SetSplitTargets attaches the source of active split target shards.
func (s *Store) SetSplitTargets(t SplitTargets) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.splits = t
}

func (s *Store) load() error {
	raw, ok, err := s.meta.Get(keyCurrent)
	if err != nil {
		return err
	}
	if ok {
		v, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return fmt.Errorf("corrupt current version pointer %q: %w", raw, err)
		}
		p, err := s.readVersion(v)
		if err != nil {
			return err
		}
		s.current = p
	}
	// Max version comes from history, not the pointer: after a rollback
	// the pointer sits below versions that still exist.
	entries, err := s.meta.List(keyHistoryPrefix)
	if err != nil {
		return err
	}
	for _, kv := range entries {
		var info VersionInfo
		if err := json.Unmarshal(kv.Value, &info); err != nil {
			continue
		}
		if info.Version > s.maxVersion {
			s.maxVersion = info.Version
		}
	}
	if s.current != nil {
		logging.Routing("routing policy loaded: version=%d maxVersion=%d", s.current.Version, s.maxVersion)
	}
	return nil
}

func (s *Store) readVersion(v int64) (*Policy, error) {
	raw, ok, err := s.meta.Get(fmt.Sprintf("%s%d", keyPolicyPrefix, v))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var p Policy
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("corrupt policy v%d: %w", v, err)
	}
	return &p, nil
}

// Bootstrap creates version 1 if no policy exists yet: no tenant pins,
// hash ranges divided evenly across the given shards.
func (s *Store) Bootstrap(shardIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		return nil
	}
	p := &Policy{
		Version: 1,
		Tenants: map[string]string{},
		Ranges:  EvenRanges(shardIDs),
	}
	if err := s.persistLocked(p, "bootstrap"); err != nil {
		return err
	}
	logging.Routing("bootstrapped routing policy v1 across %d shards", len(shardIDs))
	return nil
}

// CurrentVersion returns the active policy version, 0 if none.
func (s *Store) CurrentVersion() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return 0
	}
	return s.current.Version
}

// Current returns the active policy. Callers must not mutate it.
func (s *Store) Current() (*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return nil, types.NewError(types.CodeInvalidPolicy, "no routing policy installed")
	}
	return s.current, nil
}

// ByVersion returns a historical policy, or nil if the version is unknown.
func (s *Store) ByVersion(v int64) (*Policy, error) {
	return s.readVersion(v)
}

// Update installs newPolicy as the next version. The version field on the
// argument is ignored; the store assigns maxVersion+1 so history survives
// rollbacks without being overwritten.
func (s *Store) Update(newPolicy *Policy, description string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := newPolicy.Validate(); err != nil {
		return 0, types.WrapError(types.CodeInvalidPolicy, "invalid routing policy", err)
	}
	if err := s.checkCompatibleLocked(newPolicy); err != nil {
		return 0, err
	}

	next := newPolicy.Clone()
	next.Version = s.maxVersion + 1
	if next.Version < 1 {
		next.Version = 1
	}
	if err := s.persistLocked(next, description); err != nil {
		return 0, err
	}
	logging.Routing("routing policy updated to v%d (%s)", next.Version, description)
	return next.Version, nil
}

// checkCompatibleLocked enforces that every referenced shard is known:
// in the storage layer, referenced by the current policy, or the target
// of an active split plan. Introducing a shard mid-split is legal.
func (s *Store) checkCompatibleLocked(p *Policy) error {
	known := map[string]struct{}{}
	if s.shards != nil {
		for _, id := range s.shards.KnownShards() {
			known[id] = struct{}{}
		}
	}
	if s.current != nil {
		for _, id := range s.current.ReferencedShards() {
			known[id] = struct{}{}
		}
	}
	if s.splits != nil {
		for _, id := range s.splits.ActiveTargets() {
			known[id] = struct{}{}
		}
	}
	if len(known) == 0 {
		// First policy defines the shard set.
		return nil
	}
	for _, id := range p.ReferencedShards() {
		if _, ok := known[id]; !ok {
			return types.Errf(types.CodeIncompatiblePolicy,
				"policy references unknown shard %q", id).WithDetail("shardId", id)
		}
	}
	return nil
}

// persistLocked writes the policy version, its history entry, and the
// current pointer in one meta-store transaction.
func (s *Store) persistLocked(p *Policy, description string) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}
	info := VersionInfo{
		Version:     p.Version,
		TS:          s.clock().UTC(),
		Description: description,
		Checksum:    Checksum(p),
	}
	infoData, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal version info: %w", err)
	}
	err = s.meta.PutMany(map[string][]byte{
		fmt.Sprintf("%s%d", keyPolicyPrefix, p.Version):  data,
		fmt.Sprintf("%s%d", keyHistoryPrefix, p.Version): infoData,
		keyCurrent: []byte(strconv.FormatInt(p.Version, 10)),
	})
	if err != nil {
		return err
	}
	s.current = p
	if p.Version > s.maxVersion {
		s.maxVersion = p.Version
	}
	return nil
}

// RollbackTo moves the current pointer to a prior, still-persisted
// version. History is never rewritten or deleted.
func (s *Store) RollbackTo(v int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.readVersion(v)
	if err != nil {
		return err
	}
	if p == nil {
		return types.Errf(types.CodeInvalidPolicy, "routing policy v%d does not exist", v)
	}
	if err := s.meta.Put(keyCurrent, []byte(strconv.FormatInt(v, 10))); err != nil {
		return err
	}
	s.current = p
	logging.Routing("routing policy rolled back to v%d (maxVersion=%d)", v, s.maxVersion)
	return nil
}

// Versions lists all history entries, descending by version.
func (s *Store) Versions() ([]VersionInfo, error) {
	entries, err := s.meta.List(keyHistoryPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]VersionInfo, 0, len(entries))
	for _, kv := range entries {
		var info VersionInfo
		if err := json.Unmarshal(kv.Value, &info); err != nil {
			return nil, fmt.Errorf("corrupt history entry %s: %w", kv.Key, err)
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out, nil
}

// DiffVersions computes the delta between two persisted versions.
func (s *Store) DiffVersions(from, to int64) (*Diff, error) {
	fp, err := s.readVersion(from)
	if err != nil {
		return nil, err
	}
	tp, err := s.readVersion(to)
	if err != nil {
		return nil, err
	}
	if fp == nil || tp == nil {
		return nil, types.Errf(types.CodeInvalidPolicy, "diff requires existing versions (from=%d to=%d)", from, to)
	}
	return ComputeDiff(fp, tp), nil
}

// UpdateFromDocument parses a JSON policy document and installs it as the
// next version. Satisfies the table policy store's RoutingUpdater.
func (s *Store) UpdateFromDocument(doc []byte, description string) (int64, error) {
	var p Policy
	if err := json.Unmarshal(doc, &p); err != nil {
		return 0, types.WrapError(types.CodeInvalidPolicy, "unparsable routing policy document", err)
	}
	return s.Update(&p, description)
}
