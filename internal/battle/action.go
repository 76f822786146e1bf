package battle

import "github.com/codebattle-sync/internal/domain"

// Action is a user-initiated request against the local participant's session
type Action interface{ isAction() }

type SelectTopic struct {
	Topic string `json:"topic"`
}

func (SelectTopic) isAction() {}

type DeclareReady struct{}

func (DeclareReady) isAction() {}

type ChangeTopics struct{}

func (ChangeTopics) isAction() {}

type EnterBattleRoom struct{}

func (EnterBattleRoom) isAction() {}

type UseSkill struct {
	Kind   domain.SkillKind `json:"kind"`
	Target string           `json:"target"`
}

func (UseSkill) isAction() {}

type RecordSolve struct {
	ProblemID  string            `json:"problem_id"`
	Difficulty domain.Difficulty `json:"difficulty"`
}

func (RecordSolve) isAction() {}

type EditContent struct {
	Content string `json:"content"`
}

func (EditContent) isAction() {}

// ResetMatch re-enables skills and clears local scores and effects
type ResetMatch struct{}

func (ResetMatch) isAction() {}

// Result is the answer to a user action. Reason is shown to the user when OK is false.
type Result struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}
