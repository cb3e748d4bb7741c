package domain

// DateLayout is the calendar-day layout used for streak bookkeeping.
const DateLayout = "2006-01-02"

// RewardStats is the persisted gamification record for a user.
type RewardStats struct {
	UserID             string
	XP                 int
	StreakCount        int
	LastCompletionDate string
}

// RewardResult is the outcome of one task completion.
type RewardResult struct {
	GainedXP int `json:"gained_xp"`
	TotalXP  int `json:"total_xp"`
	Streak   int `json:"streak"`
	Level    int `json:"level"`
}
