package prompt

import (
	_ "embed"
	"strings"
)

var (
	//go:embed template/reflection_initial.txt
	reflectionInitialRaw string

	//go:embed template/reflection_continue.txt
	reflectionContinueRaw string

	//go:embed template/session_summary.txt
	sessionSummaryRaw string

	//go:embed template/goal_planning.txt
	goalPlanningRaw string

	//go:embed template/state_analysis.txt
	stateAnalysisRaw string
)

// PromptSet holds loaded prompt content.
type PromptSet struct {
	ReflectionInitial  string
	ReflectionContinue string
	SessionSummary     string
	GoalPlanning       string
	StateAnalysis      string
}

// LoadPromptSet returns a PromptSet with trimmed prompt strings.
// This is safe to call concurrently; the embed is compile-time, and trimming is cheap.
func LoadPromptSet() PromptSet {
	return PromptSet{
		ReflectionInitial:  strings.TrimSpace(reflectionInitialRaw),
		ReflectionContinue: strings.TrimSpace(reflectionContinueRaw),
		SessionSummary:     strings.TrimSpace(sessionSummaryRaw),
		GoalPlanning:       strings.TrimSpace(goalPlanningRaw),
		StateAnalysis:      strings.TrimSpace(stateAnalysisRaw),
	}
}
