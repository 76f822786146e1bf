package domain

import (
	"encoding/json"
	"time"
)

// AuditKind identifies what an audit record describes
type AuditKind string

const (
	AuditSkillCast AuditKind = "skill_cast"
	AuditSolve     AuditKind = "solve"
)

// AuditRecord is a best-effort history entry written next to the session document
type AuditRecord struct {
	Kind      AuditKind       `json:"kind"`
	SessionID string          `json:"session_id"`
	Identity  string          `json:"identity"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewAuditRecord marshals data into a record
func NewAuditRecord(kind AuditKind, sessionID, identity string, data any, now time.Time) (AuditRecord, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return AuditRecord{}, err
	}
	return AuditRecord{
		Kind:      kind,
		SessionID: sessionID,
		Identity:  identity,
		Data:      raw,
		CreatedAt: now,
	}, nil
}

// SolveRecord is the data of an AuditSolve record
type SolveRecord struct {
	ProblemID  string     `json:"problem_id"`
	Difficulty Difficulty `json:"difficulty"`
	Points     int64      `json:"points"`
}

// SkillCastEntry is an archived skill cast
type SkillCastEntry struct {
	EffectID  string    `json:"effect_id"`
	From      string    `json:"from"`
	Target    string    `json:"target"`
	Kind      SkillKind `json:"kind"`
	AppliedAt time.Time `json:"applied_at"`
}

// SolveEntry is an archived solve
type SolveEntry struct {
	Identity   string     `json:"identity"`
	ProblemID  string     `json:"problem_id"`
	Difficulty Difficulty `json:"difficulty"`
	Points     int64      `json:"points"`
	SolvedAt   time.Time  `json:"solved_at"`
}

// SessionHistory is the archived record of one battle
type SessionHistory struct {
	SessionID  string           `json:"session_id"`
	SkillCasts []SkillCastEntry `json:"skill_casts"`
	Solves     []SolveEntry     `json:"solves"`
	// Totals sums archived solve points per identity
	Totals map[string]int64 `json:"totals"`
}
