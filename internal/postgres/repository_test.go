package postgres

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/codebattle-sync/internal/domain"
	"github.com/jackc/pgx/v5"
)

func auditRecord(t *testing.T, kind domain.AuditKind, data any) domain.AuditRecord {
	t.Helper()
	rec, err := domain.NewAuditRecord(kind, "s1", "a", data, time.Unix(100, 0).UTC())
	if err != nil {
		t.Fatalf("NewAuditRecord: %v", err)
	}
	return rec
}

func TestQueueRecord(t *testing.T) {
	at := time.Unix(50, 0).UTC()
	cases := []struct {
		name     string
		record   domain.AuditRecord
		wantSQL  string
		wantArgs []any
		wantErr  bool
	}{
		{
			name: "skill cast",
			record: auditRecord(t, domain.AuditSkillCast, domain.SkillEffect{
				ID: "e1", From: "a", Target: "b", Kind: domain.SkillFreeze, AppliedAt: at,
			}),
			wantSQL:  insertSkillCastSQL,
			wantArgs: []any{"e1", "s1", "a", "b", "freeze", at},
		},
		{
			name: "solve",
			record: auditRecord(t, domain.AuditSolve, domain.SolveRecord{
				ProblemID: "two-sum", Difficulty: domain.DifficultyHard, Points: 30,
			}),
			wantSQL:  insertSolveSQL,
			wantArgs: []any{"s1", "a", "two-sum", "hard", int64(30), time.Unix(100, 0).UTC()},
		},
		{
			name:    "skill cast without id",
			record:  auditRecord(t, domain.AuditSkillCast, domain.SkillEffect{Kind: domain.SkillChaos}),
			wantErr: true,
		},
		{
			name:    "garbage payload",
			record:  domain.AuditRecord{Kind: domain.AuditSolve, Data: json.RawMessage(`"nope"`)},
			wantErr: true,
		},
		{
			name:    "unknown kind",
			record:  domain.AuditRecord{Kind: "mystery", Data: json.RawMessage(`{}`)},
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			batch := &pgx.Batch{}
			err := queueRecord(batch, tc.record)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected an error")
				}
				if batch.Len() != 0 {
					t.Fatalf("rejected record was queued")
				}
				return
			}
			if err != nil {
				t.Fatalf("queueRecord: %v", err)
			}
			if batch.Len() != 1 {
				t.Fatalf("queued %d queries, want 1", batch.Len())
			}
			q := batch.QueuedQueries[0]
			if q.SQL != tc.wantSQL {
				t.Fatalf("SQL = %q", q.SQL)
			}
			if len(q.Arguments) != len(tc.wantArgs) {
				t.Fatalf("args = %v, want %v", q.Arguments, tc.wantArgs)
			}
			for i := range tc.wantArgs {
				if wt, ok := tc.wantArgs[i].(time.Time); ok {
					if !q.Arguments[i].(time.Time).Equal(wt) {
						t.Fatalf("arg %d = %v, want %v", i, q.Arguments[i], wt)
					}
					continue
				}
				if q.Arguments[i] != tc.wantArgs[i] {
					t.Fatalf("arg %d = %v, want %v", i, q.Arguments[i], tc.wantArgs[i])
				}
			}
		})
	}
}

func TestQueueRecordUnknownKindIsTyped(t *testing.T) {
	err := queueRecord(&pgx.Batch{}, domain.AuditRecord{Kind: "mystery"})
	if !errors.Is(err, errUnknownAuditKind) {
		t.Fatalf("err = %v", err)
	}
}

func TestSessionArgs(t *testing.T) {
	s := domain.NewSession("s1", "a", time.Unix(10, 0))
	s.ConnectedParticipants = []string{"a", "b"}
	s.CompletedProblems = map[string][]string{"a": {"p1"}}

	args, err := sessionArgs(s, time.Unix(20, 0))
	if err != nil {
		t.Fatalf("sessionArgs: %v", err)
	}
	if args[0] != "s1" || args[1] != "topic_selection" {
		t.Fatalf("args = %v", args)
	}
	if string(args[2].([]byte)) != `["a","b"]` {
		t.Fatalf("participants = %s", args[2])
	}
	if string(args[3].([]byte)) != `{"a":["p1"]}` {
		t.Fatalf("completed = %s", args[3])
	}
}
