package domain

// UserProfile accumulates per-user signals observed across turns.
type UserProfile struct {
	EmotionalState []string          `json:"emotionalState"`
	RiskLevel      float64           `json:"riskLevel"`
	Preferences    map[string]string `json:"preferences"`
}

// SessionContext tracks conversation-level signals for one session.
type SessionContext struct {
	ConversationThemes []string `json:"conversationThemes"`
	CurrentTechnique   *string  `json:"currentTechnique"`
}

// Memory aggregates derived signals across the turns of one session. It is
// loaded with the session at the start of a turn and persisted together with
// the turn's messages.
type Memory struct {
	UserProfile    UserProfile    `json:"userProfile"`
	SessionContext SessionContext `json:"sessionContext"`
}

// NewMemory returns an empty Memory with initialized collections.
func NewMemory() Memory {
	return Memory{
		UserProfile: UserProfile{
			EmotionalState: []string{},
			Preferences:    map[string]string{},
		},
		SessionContext: SessionContext{
			ConversationThemes: []string{},
		},
	}
}

// Normalize replaces nil collections with empty ones so a Memory deserialized
// from an older record is safe to append to.
func (m *Memory) Normalize() {
	if m.UserProfile.EmotionalState == nil {
		m.UserProfile.EmotionalState = []string{}
	}
	if m.UserProfile.Preferences == nil {
		m.UserProfile.Preferences = map[string]string{}
	}
	if m.SessionContext.ConversationThemes == nil {
		m.SessionContext.ConversationThemes = []string{}
	}
}

// Apply merges one turn's analysis into the memory. Emotional states and
// themes are appended (duplicates permitted); risk level is latest-wins and
// only overwritten when the analysis produced a non-zero level.
func (m *Memory) Apply(a Analysis) {
	if a.EmotionalState != "" {
		m.UserProfile.EmotionalState = append(m.UserProfile.EmotionalState, a.EmotionalState)
	}
	if len(a.Themes) > 0 {
		m.SessionContext.ConversationThemes = append(m.SessionContext.ConversationThemes, a.Themes...)
	}
	if a.RiskLevel != 0 {
		m.UserProfile.RiskLevel = a.RiskLevel
	}
}

// Analysis is the structured result of analyzing one user message.
type Analysis struct {
	EmotionalState      string   `json:"emotionalState"`
	Themes              []string `json:"themes"`
	RiskLevel           float64  `json:"riskLevel"`
	RecommendedApproach string   `json:"recommendedApproach"`
	ProgressIndicators  []string `json:"progressIndicators"`
}

// NeutralAnalysis is the safe default used whenever analysis fails.
func NeutralAnalysis() Analysis {
	return Analysis{
		EmotionalState:      "neutral",
		Themes:              []string{},
		RiskLevel:           0,
		RecommendedApproach: "supportive",
		ProgressIndicators:  []string{},
	}
}
