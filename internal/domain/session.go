package domain

import (
	"slices"
	"sort"
	"strings"
	"time"
)

// Phase represents the session-wide phase of a battle
type Phase string

const (
	PhaseLobby          Phase = "lobby"
	PhaseTopicSelection Phase = "topic_selection"
	PhaseBattleRoom     Phase = "battle_room"
)

// Rank orders phases for the monotonic-by-convention rule. Unknown phases rank lowest.
func (p Phase) Rank() int {
	switch p {
	case PhaseLobby:
		return 1
	case PhaseTopicSelection:
		return 2
	case PhaseBattleRoom:
		return 3
	default:
		return 0
	}
}

// Valid reports whether p is a known phase
func (p Phase) Valid() bool {
	return p.Rank() > 0
}

// RequiredTopics is the number of distinct topics a participant must pick to be ready
const RequiredTopics = 2

// MinParticipants is the smallest session that may enter the battle room
const MinParticipants = 2

// Session is the shared document for one battle instance
type Session struct {
	ID                    string              `json:"id"`
	Phase                 Phase               `json:"phase"`
	ConnectedParticipants []string            `json:"connectedParticipants"`
	ReadyParticipants     []string            `json:"readyParticipants"`
	TopicSelections       map[string][]string `json:"topicSelections"`
	Heartbeats            map[string]int64    `json:"heartbeats"`
	CompletedProblems     map[string][]string `json:"completedProblems"`
	LastDeparted          string              `json:"lastDeparted,omitempty"`
	LastDepartedAt        *time.Time          `json:"lastDepartedAt,omitempty"`
	CreatedAt             time.Time           `json:"createdAt"`
	UpdatedAt             time.Time           `json:"updatedAt"`
}

// NewSession returns the document a first joiner creates
func NewSession(id, identity string, now time.Time) Session {
	return Session{
		ID:                    id,
		Phase:                 PhaseTopicSelection,
		ConnectedParticipants: []string{identity},
		ReadyParticipants:     []string{},
		TopicSelections:       map[string][]string{},
		Heartbeats:            map[string]int64{identity: now.UnixMilli()},
		CompletedProblems:     map[string][]string{},
		CreatedAt:             now,
		UpdatedAt:             now,
	}
}

// IsConnected reports whether identity is in the connected set
func (s Session) IsConnected(identity string) bool {
	return slices.Contains(s.ConnectedParticipants, identity)
}

// HasValidSelection reports whether identity has exactly RequiredTopics distinct topics
func (s Session) HasValidSelection(identity string) bool {
	return ValidTopics(s.TopicSelections[identity])
}

// Connected returns the connected identities without duplicates, in document order.
// A remote writer may have stored the same identity twice; readers count it once.
func (s Session) Connected() []string {
	return DistinctIdentities(s.ConnectedParticipants)
}

// EffectiveReady is the readiness every reader must use instead of ReadyParticipants
func (s Session) EffectiveReady(identity string) bool {
	return slices.Contains(s.ReadyParticipants, identity) &&
		s.IsConnected(identity) &&
		s.HasValidSelection(identity)
}

// EffectiveReadyMap computes EffectiveReady for every connected participant
func (s Session) EffectiveReadyMap() map[string]bool {
	connected := s.Connected()
	ready := make(map[string]bool, len(connected))
	for _, identity := range connected {
		ready[identity] = s.EffectiveReady(identity)
	}
	return ready
}

// IncorrectlyReady returns identities marked ready that fail EffectiveReady
func (s Session) IncorrectlyReady() []string {
	var bad []string
	for _, identity := range s.ReadyParticipants {
		if !s.EffectiveReady(identity) && !slices.Contains(bad, identity) {
			bad = append(bad, identity)
		}
	}
	return bad
}

// CanEnterBattle checks the transition guard into the battle room.
// A nil error means the guard holds; otherwise the error carries a user-facing reason.
func (s Session) CanEnterBattle() error {
	connected := s.Connected()
	if len(connected) < MinParticipants {
		return NewPreconditionError(ErrNotEnoughParticipants,
			"at least 2 connected participants are required to start")
	}
	var waiting []string
	for _, identity := range connected {
		if !s.EffectiveReady(identity) {
			waiting = append(waiting, identity)
		}
	}
	if len(waiting) > 0 {
		return NewPreconditionError(ErrParticipantsNotReady,
			"waiting for participants to be ready: "+strings.Join(waiting, ", "))
	}
	return nil
}

// AgreedTopics returns the union of the connected participants' topic selections, sorted
func (s Session) AgreedTopics() []string {
	var topics []string
	for _, identity := range s.Connected() {
		for _, topic := range s.TopicSelections[identity] {
			if !slices.Contains(topics, topic) {
				topics = append(topics, topic)
			}
		}
	}
	sort.Strings(topics)
	return topics
}

// Clone returns a deep copy so callers can modify it for a read-modify-write
func (s Session) Clone() Session {
	c := s
	c.ConnectedParticipants = slices.Clone(s.ConnectedParticipants)
	c.ReadyParticipants = slices.Clone(s.ReadyParticipants)
	c.TopicSelections = cloneListMap(s.TopicSelections)
	c.CompletedProblems = cloneListMap(s.CompletedProblems)
	if s.LastDepartedAt != nil {
		at := *s.LastDepartedAt
		c.LastDepartedAt = &at
	}
	c.Heartbeats = make(map[string]int64, len(s.Heartbeats))
	for k, v := range s.Heartbeats {
		c.Heartbeats[k] = v
	}
	return c
}

// ValidTopics reports whether topics holds exactly RequiredTopics distinct, non-empty ids
func ValidTopics(topics []string) bool {
	if len(topics) != RequiredTopics {
		return false
	}
	seen := make(map[string]bool, len(topics))
	for _, t := range topics {
		if t == "" || seen[t] {
			return false
		}
		seen[t] = true
	}
	return true
}

func cloneListMap(m map[string][]string) map[string][]string {
	out := make(map[string][]string, len(m))
	for k, v := range m {
		out[k] = slices.Clone(v)
	}
	return out
}
