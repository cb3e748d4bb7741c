package domain

// Decision is the closed-set tag the scheduler emits each pass.
type Decision string

// Presentation decisions are handed straight to the renderer.
const (
	DecisionShowStep        Decision = "show_step"
	DecisionSuggestBreak    Decision = "suggest_break"
	DecisionResumePrompt    Decision = "RESUME_PROMPT"
	DecisionIdle            Decision = "IDLE"
	DecisionShowChat        Decision = "SHOW_CHAT"
	DecisionAskCommitment   Decision = "ask_commitment"
	DecisionNotifyRoutine   Decision = "notify_routine_available"
	DecisionShowCelebration Decision = "show_completion_celebration"
)

// Action decisions are performed by the executor.
const (
	DecisionDecomposeTask   Decision = "decompose_task"
	DecisionTriggerDeferred Decision = "trigger_deferred_task"
	DecisionInterruption    Decision = "interruption"
	DecisionChat            Decision = "CHAT"
	DecisionPlanDecompose   Decision = "plan_decompose"
	DecisionRoutine         Decision = "routine_management"
)

// IsPresentation reports whether the decision only needs rendering.
func (d Decision) IsPresentation() bool {
	switch d {
	case DecisionShowStep, DecisionSuggestBreak, DecisionResumePrompt, DecisionIdle,
		DecisionShowChat, DecisionAskCommitment, DecisionNotifyRoutine, DecisionShowCelebration:
		return true
	}
	return false
}
