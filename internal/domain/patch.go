package domain

import (
	"slices"
	"time"
)

// SessionPatch is a partial write to a session document.
// Nil fields are left untouched; use an empty non-nil slice or map to clear a field.
type SessionPatch struct {
	Phase                 *Phase
	ConnectedParticipants []string
	ReadyParticipants     []string
	TopicSelections       map[string][]string
	Heartbeats            map[string]int64
	CompletedProblems     map[string][]string
	LastDeparted          *string
	LastDepartedAt        *time.Time
}

// Empty reports whether the patch writes nothing
func (p SessionPatch) Empty() bool {
	return p.Phase == nil &&
		p.ConnectedParticipants == nil &&
		p.ReadyParticipants == nil &&
		p.TopicSelections == nil &&
		p.Heartbeats == nil &&
		p.CompletedProblems == nil &&
		p.LastDeparted == nil &&
		p.LastDepartedAt == nil
}

// Apply returns s with the patch applied. UpdatedAt is set to now.
func (p SessionPatch) Apply(s Session, now time.Time) Session {
	out := s.Clone()
	if p.Phase != nil {
		out.Phase = *p.Phase
	}
	if p.ConnectedParticipants != nil {
		out.ConnectedParticipants = slices.Clone(p.ConnectedParticipants)
	}
	if p.ReadyParticipants != nil {
		out.ReadyParticipants = slices.Clone(p.ReadyParticipants)
	}
	if p.TopicSelections != nil {
		out.TopicSelections = cloneListMap(p.TopicSelections)
	}
	if p.Heartbeats != nil {
		out.Heartbeats = make(map[string]int64, len(p.Heartbeats))
		for k, v := range p.Heartbeats {
			out.Heartbeats[k] = v
		}
	}
	if p.CompletedProblems != nil {
		out.CompletedProblems = cloneListMap(p.CompletedProblems)
	}
	if p.LastDeparted != nil {
		out.LastDeparted = *p.LastDeparted
	}
	if p.LastDepartedAt != nil {
		at := *p.LastDepartedAt
		out.LastDepartedAt = &at
	}
	out.UpdatedAt = now
	return out
}

// AddIdentity returns set with identity appended if absent. The result is never nil.
func AddIdentity(set []string, identity string) []string {
	out := make([]string, 0, len(set)+1)
	out = append(out, set...)
	if !slices.Contains(out, identity) {
		out = append(out, identity)
	}
	return out
}

// RemoveIdentities returns set without any of ids, also dropping duplicates of them.
// The result is never nil, and removing an absent identity is a no-op.
func RemoveIdentities(set []string, ids ...string) []string {
	out := make([]string, 0, len(set))
	for _, identity := range set {
		if !slices.Contains(ids, identity) {
			out = append(out, identity)
		}
	}
	return out
}

// DistinctIdentities returns set with later duplicates dropped. The result is never nil.
func DistinctIdentities(set []string) []string {
	out := make([]string, 0, len(set))
	for _, identity := range set {
		if !slices.Contains(out, identity) {
			out = append(out, identity)
		}
	}
	return out
}

// PhasePtr is a helper for building patches
func PhasePtr(p Phase) *Phase {
	return &p
}
