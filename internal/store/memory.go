package store

import (
	"context"
	"sync"

	"github.com/codebattle-sync/internal/domain"
	"github.com/jonboulle/clockwork"
)

// MemoryStore is an in-process SessionStore. Change handlers run synchronously on the
// writer's goroutine after the store lock is released.
type MemoryStore struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	sessions map[string]domain.Session
	audit    []domain.AuditRecord
	subs     map[string]map[int]subscription
	nextSub  int
	failWith error
}

type subscription struct {
	filter  ChangeFilter
	handler ChangeHandler
}

// NewMemoryStore creates an empty store
func NewMemoryStore(clock clockwork.Clock) *MemoryStore {
	return &MemoryStore{
		clock:    clock,
		sessions: make(map[string]domain.Session),
		subs:     make(map[string]map[int]subscription),
	}
}

// Get returns a copy of the stored document
func (m *MemoryStore) Get(ctx context.Context, id string) (domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	return s.Clone(), nil
}

// Update applies the patch to the stored document
func (m *MemoryStore) Update(ctx context.Context, id string, patch domain.SessionPatch) (domain.Session, error) {
	m.mu.Lock()
	if m.failWith != nil {
		err := m.failWith
		m.mu.Unlock()
		return domain.Session{}, err
	}
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return domain.Session{}, domain.ErrSessionNotFound
	}
	s = patch.Apply(s, m.clock.Now())
	m.sessions[id] = s
	subs := m.subscribers(id)
	m.mu.Unlock()

	m.notify(subs, Change{Kind: ChangeUpdate, Session: s.Clone()})
	return s.Clone(), nil
}

// Insert creates the document if absent
func (m *MemoryStore) Insert(ctx context.Context, session domain.Session) (domain.Session, error) {
	m.mu.Lock()
	if m.failWith != nil {
		err := m.failWith
		m.mu.Unlock()
		return domain.Session{}, err
	}
	if _, ok := m.sessions[session.ID]; ok {
		m.mu.Unlock()
		return domain.Session{}, domain.ErrSessionExists
	}
	s := session.Clone()
	m.sessions[s.ID] = s
	subs := m.subscribers(s.ID)
	m.mu.Unlock()

	m.notify(subs, Change{Kind: ChangeInsert, Session: s.Clone()})
	return s.Clone(), nil
}

// InsertAudit buffers an audit record
func (m *MemoryStore) InsertAudit(ctx context.Context, record domain.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	m.audit = append(m.audit, record)
	return nil
}

// DrainAudit removes and returns up to limit buffered audit records
func (m *MemoryStore) DrainAudit(ctx context.Context, limit int) ([]domain.AuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := min(limit, len(m.audit))
	out := append([]domain.AuditRecord(nil), m.audit[:n]...)
	m.audit = m.audit[n:]
	return out, nil
}

// Audit returns a copy of the buffered audit records
func (m *MemoryStore) Audit() []domain.AuditRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.AuditRecord(nil), m.audit...)
}

// FailWrites makes every subsequent write fail with err until called again with nil
func (m *MemoryStore) FailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
}

// Put overwrites a document without notifying subscribers. Tests use it to seed
// inconsistent remote state.
func (m *MemoryStore) Put(s domain.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s.Clone()
}

// OnChange registers a change handler for one document
func (m *MemoryStore) OnChange(ctx context.Context, id string, filter ChangeFilter, handler ChangeHandler) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subs[id] == nil {
		m.subs[id] = make(map[int]subscription)
	}
	key := m.nextSub
	m.nextSub++
	m.subs[id][key] = subscription{filter: filter, handler: handler}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs[id], key)
			if len(m.subs[id]) == 0 {
				delete(m.subs, id)
			}
		})
	}, nil
}

func (m *MemoryStore) subscribers(id string) []subscription {
	out := make([]subscription, 0, len(m.subs[id]))
	for _, sub := range m.subs[id] {
		out = append(out, sub)
	}
	return out
}

func (m *MemoryStore) notify(subs []subscription, change Change) {
	for _, sub := range subs {
		if sub.filter != nil && !sub.filter(change) {
			continue
		}
		sub.handler(change)
	}
}
