package domain

// Intent is the classified purpose of a user input.
type Intent string

// Intents produced by the classifier.
const (
	IntentNone              Intent = ""
	IntentConversation      Intent = "conversation"
	IntentTaskDecomposition Intent = "task_decomposition"
	IntentDayPlanning       Intent = "day_planning"
	IntentRoutineManagement Intent = "routine_management"
	IntentProfileUpdate     Intent = "profile_update"
)

// ParseIntent maps classifier output to a known intent.
func ParseIntent(s string) (Intent, bool) {
	switch i := Intent(s); i {
	case IntentConversation, IntentTaskDecomposition, IntentDayPlanning,
		IntentRoutineManagement, IntentProfileUpdate:
		return i, true
	}
	return IntentNone, false
}

// IsWorking reports whether the intent asks the assistant to take on work.
func (i Intent) IsWorking() bool {
	return i == IntentTaskDecomposition || i == IntentDayPlanning || i == IntentRoutineManagement
}

// StartsNewTask reports whether the intent replaces whatever task is active.
func (i Intent) StartsNewTask() bool {
	return i == IntentTaskDecomposition || i == IntentDayPlanning
}
