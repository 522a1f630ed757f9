package gateway

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"shardsql/internal/logging"
	"shardsql/internal/types"
)

// Session pins a client to one shard for the lifetime of a transaction.
// Every statement carrying the session id routes to Session.ShardID until
// COMMIT or ROLLBACK.
type Session struct {
	ID              string    `json:"sessionId"`
	TenantID        string    `json:"tenantId"`
	ShardID         string    `json:"shardId"`
	TransactionID   string    `json:"transactionId,omitempty"`
	IsInTransaction bool      `json:"isInTransaction"`
	LastSeen        time.Time `json:"lastSeen"`
}

// SessionManager tracks sticky sessions and evicts idle ones on a sweep
// cadence. Sessions inside a transaction are never swept; the shard's
// transaction inactivity timeout handles those.
type SessionManager struct {
	ttl time.Duration

	mu       sync.Mutex
	sessions map[string]*Session

	cron    *cron.Cron
	onCount func(n int)
}

// NewSessionManager builds the manager.
func NewSessionManager(ttl time.Duration, onCount func(n int)) *SessionManager {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &SessionManager{
		ttl:      ttl,
		sessions: map[string]*Session{},
		onCount:  onCount,
	}
}

// StartSweep schedules the idle sweep.
func (m *SessionManager) StartSweep(every time.Duration) error {
	if every <= 0 {
		every = 60 * time.Second
	}
	m.cron = cron.New()
	if _, err := m.cron.AddFunc(fmt.Sprintf("@every %s", every), func() { m.Sweep(time.Now()) }); err != nil {
		return err
	}
	m.cron.Start()
	return nil
}

// StopSweep halts the schedule.
func (m *SessionManager) StopSweep() {
	if m.cron != nil {
		m.cron.Stop()
	}
}

// Begin creates a session pinned to shardID with an open transaction.
func (m *SessionManager) Begin(tenantID, shardID, transactionID string) *Session {
	s := &Session{
		ID:              uuid.NewString(),
		TenantID:        tenantID,
		ShardID:         shardID,
		TransactionID:   transactionID,
		IsInTransaction: true,
		LastSeen:        time.Now(),
	}
	m.mu.Lock()
	m.sessions[s.ID] = s
	n := len(m.sessions)
	m.mu.Unlock()
	if m.onCount != nil {
		m.onCount(n)
	}
	return s
}

// Get returns the session, refreshing LastSeen, and verifies ownership.
// The mutate-check-replace is one short critical section; no I/O happens
// under the lock.
func (m *SessionManager) Get(sessionID, tenantID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, types.Errf(types.CodeTransactionNotFound, "session %s not found", sessionID)
	}
	if s.TenantID != tenantID {
		return nil, types.NewError(types.CodeTenantAccessDenied, "session belongs to another tenant")
	}
	s.LastSeen = time.Now()
	copied := *s
	return &copied, nil
}

// EndTransaction clears the transaction pin; the session itself lingers
// until the sweep so a client can reuse it for a follow-up BEGIN.
func (m *SessionManager) EndTransaction(sessionID string) {
	m.mu.Lock()
	if s, ok := m.sessions[sessionID]; ok {
		s.TransactionID = ""
		s.IsInTransaction = false
		s.LastSeen = time.Now()
	}
	m.mu.Unlock()
}

// Rebind pins an existing session to a new transaction.
func (m *SessionManager) Rebind(sessionID, shardID, transactionID string) {
	m.mu.Lock()
	if s, ok := m.sessions[sessionID]; ok {
		s.ShardID = shardID
		s.TransactionID = transactionID
		s.IsInTransaction = true
		s.LastSeen = time.Now()
	}
	m.mu.Unlock()
}

// Remove deletes a session outright.
func (m *SessionManager) Remove(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	n := len(m.sessions)
	m.mu.Unlock()
	if m.onCount != nil {
		m.onCount(n)
	}
}

// Sweep evicts sessions idle past the TTL unless they hold an open
// transaction. Returns the eviction count.
func (m *SessionManager) Sweep(now time.Time) int {
	m.mu.Lock()
	evicted := 0
	for id, s := range m.sessions {
		if s.IsInTransaction {
			continue
		}
		if now.Sub(s.LastSeen) > m.ttl {
			delete(m.sessions, id)
			evicted++
		}
	}
	n := len(m.sessions)
	m.mu.Unlock()
	if evicted > 0 {
		logging.Gateway("swept %d idle sessions", evicted)
		if m.onCount != nil {
			m.onCount(n)
		}
	}
	return evicted
}

// Len reports live sessions.
func (m *SessionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
