package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/codebattle-sync/internal/domain"
	"github.com/codebattle-sync/internal/store"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

// auditKey is the list buffering audit records until the archive worker drains them
const auditKey = "battle:audit"

// insertScript creates the document only if no id field exists yet
var insertScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[1], 'id', ARGV[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV, 2))
return 1
`)

// updateScript writes a partial document and returns the whole hash, or nil if absent
var updateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return false
end
redis.call('HSET', KEYS[1], unpack(ARGV))
return redis.call('HGETALL', KEYS[1])
`)

// SessionStore keeps session documents in Redis hashes and announces writes over Pub/Sub
type SessionStore struct {
	client *redis.Client
	clock  clockwork.Clock
	logger *slog.Logger
}

// NewSessionStore creates a Redis-backed session store
func NewSessionStore(client *redis.Client, clock clockwork.Clock, logger *slog.Logger) *SessionStore {
	return &SessionStore{
		client: client,
		clock:  clock,
		logger: logger,
	}
}

// sessionKey returns the Redis key for a session document
func (s *SessionStore) sessionKey(id string) string {
	return fmt.Sprintf("battle:session:%s", id)
}

// changesKey returns the Pub/Sub channel carrying a session's change feed
func (s *SessionStore) changesKey(id string) string {
	return fmt.Sprintf("battle:session:%s:changes", id)
}

// Get reads a session document
func (s *SessionStore) Get(ctx context.Context, id string) (domain.Session, error) {
	fields, err := s.client.HGetAll(ctx, s.sessionKey(id)).Result()
	if err != nil {
		return domain.Session{}, fmt.Errorf("getting session: %w", err)
	}
	return decodeSession(fields)
}

// Update writes the non-nil patch fields without reading first
func (s *SessionStore) Update(ctx context.Context, id string, patch domain.SessionPatch) (domain.Session, error) {
	args, err := encodePatch(patch, s.clock.Now())
	if err != nil {
		return domain.Session{}, err
	}

	reply, err := updateScript.Run(ctx, s.client, []string{s.sessionKey(id)}, args...).Slice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Session{}, domain.ErrSessionNotFound
		}
		return domain.Session{}, fmt.Errorf("updating session: %w", err)
	}

	fields, err := pairsToMap(reply)
	if err != nil {
		return domain.Session{}, fmt.Errorf("updating session: %w", err)
	}
	session, err := decodeSession(fields)
	if err != nil {
		return domain.Session{}, err
	}

	s.announce(ctx, store.Change{Kind: store.ChangeUpdate, Session: session})
	return session, nil
}

// Insert creates a session document unless one already exists
func (s *SessionStore) Insert(ctx context.Context, session domain.Session) (domain.Session, error) {
	args, err := encodeSession(session)
	if err != nil {
		return domain.Session{}, err
	}
	args = append([]any{session.ID}, args...)

	created, err := insertScript.Run(ctx, s.client, []string{s.sessionKey(session.ID)}, args...).Int()
	if err != nil {
		return domain.Session{}, fmt.Errorf("inserting session: %w", err)
	}
	if created == 0 {
		return domain.Session{}, domain.ErrSessionExists
	}

	s.announce(ctx, store.Change{Kind: store.ChangeInsert, Session: session})
	return session.Clone(), nil
}

// announce publishes a change notification. A lost notification is equivalent to a dropped one.
func (s *SessionStore) announce(ctx context.Context, change store.Change) {
	data, err := json.Marshal(change)
	if err != nil {
		s.logger.Error("encoding change notification", "session_id", change.Session.ID, "error", err)
		return
	}
	if err := s.client.Publish(ctx, s.changesKey(change.Session.ID), data).Err(); err != nil {
		s.logger.Warn("publishing change notification", "session_id", change.Session.ID, "error", err)
	}
}

// OnChange subscribes to a session's change feed
func (s *SessionStore) OnChange(ctx context.Context, id string, filter store.ChangeFilter, handler store.ChangeHandler) (func(), error) {
	pubsub := s.client.Subscribe(ctx, s.changesKey(id))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribing to session changes: %w", err)
	}

	ch := pubsub.Channel()
	go func() {
		for msg := range ch {
			var change store.Change
			if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
				s.logger.Warn("decoding change notification", "session_id", id, "error", err)
				continue
			}
			if filter != nil && !filter(change) {
				continue
			}
			handler(change)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := pubsub.Close(); err != nil {
				s.logger.Debug("closing change subscription", "session_id", id, "error", err)
			}
		})
	}, nil
}

// InsertAudit appends a history record to the audit list
func (s *SessionStore) InsertAudit(ctx context.Context, record domain.AuditRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding audit record: %w", err)
	}
	if err := s.client.RPush(ctx, auditKey, data).Err(); err != nil {
		return fmt.Errorf("inserting audit record: %w", err)
	}
	return nil
}

// DrainAudit removes and returns up to limit audit records, oldest first
func (s *SessionStore) DrainAudit(ctx context.Context, limit int) ([]domain.AuditRecord, error) {
	if limit <= 0 {
		return nil, nil
	}

	pipe := s.client.TxPipeline()
	rangeCmd := pipe.LRange(ctx, auditKey, 0, int64(limit-1))
	pipe.LTrim(ctx, auditKey, int64(limit), -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("draining audit records: %w", err)
	}

	raw, err := rangeCmd.Result()
	if err != nil {
		return nil, fmt.Errorf("draining audit records: %w", err)
	}

	records := make([]domain.AuditRecord, 0, len(raw))
	for _, item := range raw {
		var record domain.AuditRecord
		if err := json.Unmarshal([]byte(item), &record); err != nil {
			s.logger.Warn("skipping malformed audit record", "error", err)
			continue
		}
		records = append(records, record)
	}
	return records, nil
}
