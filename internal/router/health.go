package router

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"shardsql/internal/logging"
	"shardsql/internal/types"
)

// HealthSource samples the storage layer; the shard manager implements it.
type HealthSource interface {
	Health() map[string]types.ShardHealth
}

// Sampler keeps a periodically refreshed health snapshot of every shard
// so routing decisions never block on a capacity probe.
type Sampler struct {
	source   HealthSource
	interval time.Duration

	mu      sync.RWMutex
	samples map[string]types.ShardHealth

	cron  *cron.Cron
	entry cron.EntryID
}

// NewSampler builds a sampler; interval floors at 30 seconds.
func NewSampler(source HealthSource, interval time.Duration) *Sampler {
	if interval < 30*time.Second {
		interval = 30 * time.Second
	}
	return &Sampler{
		source:   source,
		interval: interval,
		samples:  map[string]types.ShardHealth{},
	}
}

// Start schedules sampling on the cron runner and takes an immediate
// first sample so the snapshot is never empty at boot.
func (s *Sampler) Start() error {
	s.Sample()
	s.cron = cron.New()
	id, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.interval), s.Sample)
	if err != nil {
		return err
	}
	s.entry = id
	s.cron.Start()
	return nil
}

// Stop halts the schedule.
func (s *Sampler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

// Sample refreshes the snapshot once.
func (s *Sampler) Sample() {
	samples := s.source.Health()
	s.mu.Lock()
	s.samples = samples
	s.mu.Unlock()
	for id, h := range samples {
		if h.Status != types.HealthHealthy {
			logging.Router("shard %s is %s (utilization=%.2f errorRate=%.2f)",
				id, h.Status, h.CapacityUtilization, h.ErrorRate)
		}
	}
}

// Snapshot returns the latest samples.
func (s *Sampler) Snapshot() map[string]types.ShardHealth {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]types.ShardHealth, len(s.samples))
	for k, v := range s.samples {
		out[k] = v
	}
	return out
}
