package server

import (
	"encoding/json"
	"errors"
	"strings"
)

// errUpstreamFormat marks model output that does not decode into the
// endpoint's declared payload. The request fails closed; no placeholder
// content is substituted.
var errUpstreamFormat = errors.New("ai response violated expected format")

type insightsPayload struct {
	Summary         string   `json:"summary"`
	Discrepancies   []string `json:"discrepancies"`
	Patterns        []string `json:"patterns"`
	Recommendations []string `json:"recommendations"`
}

type recommendationItem struct {
	ToolName        string `json:"tool_name"`
	Rationale       string `json:"rationale"`
	SuggestedAction string `json:"suggested_action"`
}

type recommendationsPayload struct {
	Recommendations []recommendationItem `json:"recommendations"`
}

type echoPayload struct {
	Score    int      `json:"score"`
	Feedback string   `json:"feedback"`
	Missed   []string `json:"missed"`
}

type sentimentPayload struct {
	Score   int      `json:"score"`
	Summary string   `json:"summary"`
	Tones   []string `json:"tones"`
}

// decodeModelJSON extracts the JSON object from a model answer and unmarshals
// it strictly into target. Models occasionally wrap JSON in code fences or
// lead-in prose; anything outside the outermost object is discarded.
func decodeModelJSON(answer string, target any) error {
	block := extractJSONBlock(answer)
	if block == "" {
		return errUpstreamFormat
	}
	if err := json.Unmarshal([]byte(block), target); err != nil {
		return errUpstreamFormat
	}
	return nil
}

func extractJSONBlock(answer string) string {
	cleaned := strings.TrimSpace(answer)
	if strings.HasPrefix(cleaned, "```") {
		cleaned = strings.TrimPrefix(cleaned, "```json")
		cleaned = strings.TrimPrefix(cleaned, "```")
		if idx := strings.LastIndex(cleaned, "```"); idx >= 0 {
			cleaned = cleaned[:idx]
		}
		cleaned = strings.TrimSpace(cleaned)
	}
	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}")
	if start < 0 || end <= start {
		return ""
	}
	return cleaned[start : end+1]
}

func (p insightsPayload) validate() error {
	if strings.TrimSpace(p.Summary) == "" {
		return errUpstreamFormat
	}
	return nil
}

func (p recommendationsPayload) validate() error {
	if len(p.Recommendations) == 0 {
		return errUpstreamFormat
	}
	for _, item := range p.Recommendations {
		if strings.TrimSpace(item.ToolName) == "" {
			return errUpstreamFormat
		}
	}
	return nil
}

func (p echoPayload) validate() error {
	if strings.TrimSpace(p.Feedback) == "" {
		return errUpstreamFormat
	}
	return nil
}

// clampScore forces model-reported scores onto the 1-10 scale regardless of
// what came back.
func clampScore(value int) int {
	return clampInt(value, 1, 10)
}

var positiveSentimentWords = []string{
	"love", "miss", "proud", "thank", "grateful", "happy", "excited",
	"appreciate", "sweet", "wonderful", "beautiful", "glad",
}

var negativeSentimentWords = []string{
	"angry", "hate", "annoyed", "tired", "frustrated", "upset", "sick",
	"disappointed", "hurt", "ignore", "never", "worst",
}

// fallbackSentimentScore derives a deterministic 1-10 score from keyword
// matching, used when the model omits its structured score field.
func fallbackSentimentScore(transcript string) int {
	lowered := strings.ToLower(transcript)
	score := 5
	for _, word := range positiveSentimentWords {
		score += strings.Count(lowered, word)
	}
	for _, word := range negativeSentimentWords {
		score -= strings.Count(lowered, word)
	}
	return clampScore(score)
}
