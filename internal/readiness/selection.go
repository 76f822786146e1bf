package readiness

import "slices"

// State is a participant's local readiness state
type State string

const (
	StateNotSelecting State = "not_selecting"
	StateSelecting    State = "selecting"
	StateReady        State = "ready"
)

// Selection is the local working set of topics, capped in size. Choosing a topic
// beyond the cap evicts the oldest choice.
type Selection struct {
	topics   []string
	capacity int
}

// NewSelection creates an empty working set holding at most capacity topics
func NewSelection(capacity int) *Selection {
	return &Selection{capacity: capacity}
}

// Toggle removes topic if selected, otherwise adds it
func (s *Selection) Toggle(topic string) {
	if i := slices.Index(s.topics, topic); i >= 0 {
		s.topics = slices.Delete(s.topics, i, i+1)
		return
	}
	s.topics = append(s.topics, topic)
	if len(s.topics) > s.capacity {
		s.topics = slices.Delete(s.topics, 0, len(s.topics)-s.capacity)
	}
}

// Topics returns the selected topics, oldest first
func (s *Selection) Topics() []string {
	return slices.Clone(s.topics)
}

// Complete reports whether the working set is full
func (s *Selection) Complete() bool {
	return len(s.topics) == s.capacity
}

// Reset clears the working set
func (s *Selection) Reset() {
	s.topics = nil
}

// State derives the local readiness state given whether the participant has declared ready
func (s *Selection) State(declared bool) State {
	switch {
	case declared:
		return StateReady
	case len(s.topics) == 0:
		return StateNotSelecting
	default:
		return StateSelecting
	}
}
