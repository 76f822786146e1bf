package redis

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/codebattle-sync/internal/domain"
)

// Hash fields of a session document
const (
	fieldID             = "id"
	fieldPhase          = "phase"
	fieldConnected      = "connectedParticipants"
	fieldReady          = "readyParticipants"
	fieldSelections     = "topicSelections"
	fieldHeartbeats     = "heartbeats"
	fieldCompleted      = "completedProblems"
	fieldLastDeparted   = "lastDeparted"
	fieldLastDepartedAt = "lastDepartedAt"
	fieldCreatedAt      = "createdAt"
	fieldUpdatedAt      = "updatedAt"
)

// encodeSession returns every field of s as HSET arguments
func encodeSession(s domain.Session) ([]any, error) {
	p := domain.SessionPatch{
		Phase:                 domain.PhasePtr(s.Phase),
		ConnectedParticipants: orEmpty(s.ConnectedParticipants),
		ReadyParticipants:     orEmpty(s.ReadyParticipants),
		TopicSelections:       s.TopicSelections,
		Heartbeats:            s.Heartbeats,
		CompletedProblems:     s.CompletedProblems,
		LastDeparted:          &s.LastDeparted,
		LastDepartedAt:        s.LastDepartedAt,
	}
	if p.TopicSelections == nil {
		p.TopicSelections = map[string][]string{}
	}
	if p.Heartbeats == nil {
		p.Heartbeats = map[string]int64{}
	}
	if p.CompletedProblems == nil {
		p.CompletedProblems = map[string][]string{}
	}
	args, err := encodePatch(p, s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return append(args, fieldCreatedAt, formatTime(s.CreatedAt)), nil
}

// encodePatch returns the non-nil fields of p, plus updatedAt, as HSET arguments
func encodePatch(p domain.SessionPatch, now time.Time) ([]any, error) {
	var args []any
	add := func(field string, v any) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encoding %s: %w", field, err)
		}
		args = append(args, field, string(raw))
		return nil
	}

	if p.Phase != nil {
		args = append(args, fieldPhase, string(*p.Phase))
	}
	if p.ConnectedParticipants != nil {
		if err := add(fieldConnected, p.ConnectedParticipants); err != nil {
			return nil, err
		}
	}
	if p.ReadyParticipants != nil {
		if err := add(fieldReady, p.ReadyParticipants); err != nil {
			return nil, err
		}
	}
	if p.TopicSelections != nil {
		if err := add(fieldSelections, p.TopicSelections); err != nil {
			return nil, err
		}
	}
	if p.Heartbeats != nil {
		if err := add(fieldHeartbeats, p.Heartbeats); err != nil {
			return nil, err
		}
	}
	if p.CompletedProblems != nil {
		if err := add(fieldCompleted, p.CompletedProblems); err != nil {
			return nil, err
		}
	}
	if p.LastDeparted != nil {
		args = append(args, fieldLastDeparted, *p.LastDeparted)
	}
	if p.LastDepartedAt != nil {
		args = append(args, fieldLastDepartedAt, formatTime(*p.LastDepartedAt))
	}
	args = append(args, fieldUpdatedAt, formatTime(now))
	return args, nil
}

// decodeSession rebuilds a document from its hash fields
func decodeSession(fields map[string]string) (domain.Session, error) {
	if len(fields) == 0 {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	s := domain.Session{
		ID:                    fields[fieldID],
		Phase:                 domain.Phase(fields[fieldPhase]),
		LastDeparted:          fields[fieldLastDeparted],
		ConnectedParticipants: []string{},
		ReadyParticipants:     []string{},
		TopicSelections:       map[string][]string{},
		Heartbeats:            map[string]int64{},
		CompletedProblems:     map[string][]string{},
	}

	decode := func(field string, v any) error {
		raw, ok := fields[field]
		if !ok || raw == "" {
			return nil
		}
		if err := json.Unmarshal([]byte(raw), v); err != nil {
			return fmt.Errorf("decoding %s: %w", field, err)
		}
		return nil
	}
	if err := decode(fieldConnected, &s.ConnectedParticipants); err != nil {
		return domain.Session{}, err
	}
	if err := decode(fieldReady, &s.ReadyParticipants); err != nil {
		return domain.Session{}, err
	}
	if err := decode(fieldSelections, &s.TopicSelections); err != nil {
		return domain.Session{}, err
	}
	if err := decode(fieldHeartbeats, &s.Heartbeats); err != nil {
		return domain.Session{}, err
	}
	if err := decode(fieldCompleted, &s.CompletedProblems); err != nil {
		return domain.Session{}, err
	}

	departedAt, err := parseTime(fields[fieldLastDepartedAt])
	if err != nil {
		return domain.Session{}, err
	}
	if !departedAt.IsZero() {
		s.LastDepartedAt = &departedAt
	}
	if s.CreatedAt, err = parseTime(fields[fieldCreatedAt]); err != nil {
		return domain.Session{}, err
	}
	if s.UpdatedAt, err = parseTime(fields[fieldUpdatedAt]); err != nil {
		return domain.Session{}, err
	}
	return s, nil
}

// pairsToMap converts a flat HGETALL reply into a field map
func pairsToMap(reply []any) (map[string]string, error) {
	if len(reply)%2 != 0 {
		return nil, fmt.Errorf("odd hash reply length %d", len(reply))
	}
	out := make(map[string]string, len(reply)/2)
	for i := 0; i < len(reply); i += 2 {
		k, ok1 := reply[i].(string)
		v, ok2 := reply[i+1].(string)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("unexpected hash reply types %T/%T", reply[i], reply[i+1])
		}
		out[k] = v
	}
	return out, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing time %q: %w", v, err)
	}
	return t, nil
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
