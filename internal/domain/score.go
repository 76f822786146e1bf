package domain

import "time"

// Difficulty of a solved problem, used to look up its point value
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// PointTable maps difficulties to the points a solve is worth
type PointTable map[Difficulty]int64

// DefaultPoints returns the standard point values
func DefaultPoints() PointTable {
	return PointTable{
		DifficultyEasy:   10,
		DifficultyMedium: 20,
		DifficultyHard:   30,
	}
}

// Points returns the value of a solve at difficulty d
func (t PointTable) Points(d Difficulty) (int64, error) {
	p, ok := t[d]
	if !ok {
		return 0, ErrUnknownDifficulty
	}
	return p, nil
}

// ScoreUpdate is a full-map score snapshot broadcast after a solve
type ScoreUpdate struct {
	Scores    map[string]int64 `json:"scores"`
	EmittedBy string           `json:"emittedBy"`
	Timestamp time.Time        `json:"timestamp"`
}

// Verdict is a code-execution result reported by the external judge
type Verdict struct {
	SessionID  string     `json:"session_id"`
	Identity   string     `json:"identity"`
	ProblemID  string     `json:"problem_id"`
	Difficulty Difficulty `json:"difficulty"`
	Passed     bool       `json:"passed"`
	Timestamp  time.Time  `json:"timestamp"`
}
