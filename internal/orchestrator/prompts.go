package orchestrator

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ashureev/companion/internal/domain"
)

// historyWindow is how many chat history lines a conversation prompt sees.
const historyWindow = 6

func basePrompt(profile domain.Profile) string {
	traits, err := json.Marshal(profile)
	if err != nil {
		traits = []byte("{}")
	}
	return `You are a calm, structured companion for people with executive-function difficulties (ADHD, autism and similar).
Guidelines:
- Help an overwhelmed user brain dump before planning.
- Keep every step under five minutes.
- If energy is below 3, suggest rest.
- Always give estimated durations.

Current user profile:
` + string(traits) + "\n"
}

const intentSystem = `You extract structured meaning from user input with high precision.
Return ONLY valid JSON. No explanations.

Pick an execution intent only when the user clearly asks you to plan, break down, or remember something.
Allowed intents, choose exactly one:
- conversation: casual chat, feelings, questions, vague help requests. The fallback when unsure.
- task_decomposition: one concrete task to do now ("Help me study calculus", "Break down cleaning my room", "Start now").
- day_planning: several tasks for today or a given day ("Plan my day", "I have this and that, plan it").
- routine_management: explicitly recurring behaviour ("Every night I journal").
- profile_update: traits, energy patterns, or support needs ("I'm a morning person", "I prefer short steps").

Never infer a habit unless repetition is explicit. Never treat a vague request as a task.`

func intentUser(text string, now time.Time) string {
	return fmt.Sprintf(`Input: %q
Current date and time: %s

Return JSON with:
- intent: one of the allowed intents
- action: the task the user wants done
- temporal_reference: after_previous or none
- time_of_the_task: HH:MM or YYYY-MM-DD HH:MM, empty if none
- is_routine: true for a recurring request, false otherwise

If the user says "tomorrow", use tomorrow's actual date.`, text, now.Format(domain.TimeLayout))
}

const decomposeSystem = `You break tasks into very small, gentle steps.
Each step must take less than 3 minutes. Use simple language.
Return ONLY valid JSON matching:
{"steps": [{"text": string, "difficulty": 0-9, "duration_minutes": number}], "overall_difficulty": 0-9}`

func decomposeUser(profile domain.Profile, task string) string {
	return basePrompt(profile) + "Task: " + task
}

func planSystem(peakHour string, routines []domain.Routine, now time.Time) string {
	rj, err := json.Marshal(routines)
	if err != nil || routines == nil {
		rj = []byte("[]")
	}
	nowStr := now.Format(domain.TimeLayout)
	return fmt.Sprintf(`You are a bio-rhythm aware day planner.
User's peak focus hour: %s
Existing routines: %s

1. Fit the existing routines into the plan.
2. Put high-difficulty tasks at the peak focus hour.
3. Every start_time must be after %s. An immediate task starts at %s.
4. Return ONLY valid JSON with the key "plan". No extra text.
Output schema: {"plan": [{"activity": string, "difficulty": 0-9, "start_time": "YYYY-MM-DD HH:MM"}]}`,
		peakHour, rj, nowStr, now.Add(time.Minute).Format(domain.TimeLayout))
}

func planUser(profile domain.Profile, energy int, text string) string {
	return fmt.Sprintf("%sEnergy: %d\nRequest: %s", basePrompt(profile), energy, text)
}

func conversationSystem(history []string, lastAI string) string {
	if lastAI == "" {
		lastAI = "No previous context."
	}
	return fmt.Sprintf(`You are a calm, supportive companion and a steady anchor for the user.

Recent chat history:
%s

The last thing you said:
%q

Guidelines:
- Reply briefly, in one or two sentences.
- If the user agrees to your last suggestion, confirm and move into task mode.
- If they seem overwhelmed, suggest a two-minute breathing break.`, strings.Join(history, "\n"), lastAI)
}

func conversationUser(profile domain.Profile, text string) string {
	return basePrompt(profile) + "\nUser: " + text
}
