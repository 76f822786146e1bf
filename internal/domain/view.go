package domain

// ViewModel is the derived state a UI renders for one participant
type ViewModel struct {
	SessionID             string              `json:"sessionId"`
	Identity              string              `json:"identity"`
	Phase                 Phase               `json:"phase"`
	ConnectedParticipants []string            `json:"connectedParticipants"`
	EffectiveReady        map[string]bool     `json:"effectiveReadyMap"`
	ReadinessState        string              `json:"readinessState"`
	SelectedTopics        []string            `json:"selectedTopics"`
	AgreedTopics          []string            `json:"agreedTopics,omitempty"`
	Scores                map[string]int64    `json:"scores"`
	Completed             map[string][]string `json:"completed"`
	ActiveEffectsOnMe     []ActiveEffect      `json:"activeEffectsOnMe"`
	SkillsUsed            []SkillKind         `json:"skillsUsed"`
	Content               string              `json:"content"`
	CanEnterBattle        bool                `json:"canEnterBattle"`
	EnterBlockedReason    string              `json:"enterBlockedReason,omitempty"`
	RegressionObserved    bool                `json:"regressionObserved,omitempty"`
	Status                string              `json:"status,omitempty"`
}
