package server

import (
	"strings"
	"time"
)

const (
	maxTranscriptChars    = 5000
	maxCoachingFieldChars = 2000
	maxGratitudeChars     = 2000
	maxReflectionChars    = 2000
)

type empathyPromptRequest struct {
	ConversationID string `json:"conversation_id"`
	StepNumber     int    `json:"step_number"`
	UserResponse   string `json:"user_response"`
}

type echoCoachingRequest struct {
	SessionID          string `json:"session_id"`
	SpeakerStatement   string `json:"speaker_statement"`
	ListenerReflection string `json:"listener_reflection"`
}

type voiceMemoSentimentRequest struct {
	MemoID string `json:"memo_id"`
}

type dateNightRequest struct {
	Time         string `json:"time"`
	Location     string `json:"location"`
	Price        string `json:"price"`
	Participants string `json:"participants"`
	Energy       string `json:"energy"`
}

type checkinRequest struct {
	ConnectednessScore int    `json:"connectedness_score"`
	ConflictScore      int    `json:"conflict_score"`
	Reflection         string `json:"reflection"`
	WeekStart          string `json:"week_start"`
}

type gratitudeRequest struct {
	Content string `json:"content"`
}

type goalRequest struct {
	Title string `json:"title"`
}

type goalUpdateRequest struct {
	Status string `json:"status"`
}

type horsemanIncidentRequest struct {
	HorsemanType string `json:"horseman_type"`
	Note         string `json:"note"`
}

type therapistCommentRequest struct {
	Body string `json:"body"`
}

// clientLabels maps the calling partner to "you" and the other partner to
// "your partner" for client-facing anonymization.
func clientLabels(couple coupleRecord, userID string) (string, string) {
	if partnerSlot(couple, userID) == 2 {
		return "your partner", "you"
	}
	return "you", "your partner"
}

func parseDate(value string) (time.Time, error) {
	t, err := time.Parse("2006-01-02", strings.TrimSpace(value))
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
}

// startOfWeekUTC returns the Monday 00:00 UTC that opens the week containing t.
func startOfWeekUTC(t time.Time) time.Time {
	utc := t.UTC()
	day := time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}

func splitNonEmptyLines(text string) []string {
	parts := strings.Split(text, "\n")
	result := make([]string, 0, len(parts))
	for _, item := range parts {
		trimmed := strings.TrimSpace(item)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
