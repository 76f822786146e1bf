package domain

import "time"

// SkillKind identifies a built-in interference effect
type SkillKind string

const (
	SkillFreeze SkillKind = "freeze"
	SkillChaos  SkillKind = "chaos"
)

// Valid reports whether k is a built-in skill
func (k SkillKind) Valid() bool {
	return k == SkillFreeze || k == SkillChaos
}

// Timed reports whether the effect stays active for a duration after delivery
func (k SkillKind) Timed() bool {
	return k == SkillFreeze
}

// SkillEffect is the broadcast payload of a cast skill
type SkillEffect struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	Target    string    `json:"target"`
	Kind      SkillKind `json:"kind"`
	AppliedAt time.Time `json:"appliedAt"`
}

// ActiveEffect is a delivered timed effect on the local participant
type ActiveEffect struct {
	Kind        SkillKind `json:"kind"`
	From        string    `json:"from"`
	DeliveredAt time.Time `json:"deliveredAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Active reports whether the effect is still in force at now
func (e ActiveEffect) Active(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}
