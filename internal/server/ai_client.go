package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"couplesync/backend/internal/config"
)

type AIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type AIModelRequest struct {
	Model        string
	SystemPrompt string
	UserPrompt   string
}

type AIModelResponse struct {
	Answer    string
	Model     string
	Citations []string
	Usage     AIUsage
}

type AIClient interface {
	Query(ctx context.Context, req AIModelRequest) (AIModelResponse, error)
}

// PerplexityClient talks to the Perplexity chat-completions API. One request
// per Query, bounded by the configured client timeout; there is no retry.
type PerplexityClient struct {
	apiKey     string
	baseURL    string
	model      string
	maxTokens  int
	httpClient *http.Client
}

func NewPerplexityClient(cfg config.Config) *PerplexityClient {
	timeoutSeconds := cfg.AITimeoutSeconds
	if timeoutSeconds <= 0 {
		timeoutSeconds = 30
	}
	return &PerplexityClient{
		apiKey:    strings.TrimSpace(cfg.PerplexityAPIKey),
		baseURL:   strings.TrimRight(strings.TrimSpace(cfg.PerplexityBaseURL), "/"),
		model:     strings.TrimSpace(cfg.PerplexityModel),
		maxTokens: cfg.AIMaxOutputTokens,
		httpClient: &http.Client{
			Timeout: time.Duration(timeoutSeconds) * time.Second,
		},
	}
}

func (c *PerplexityClient) Query(ctx context.Context, req AIModelRequest) (AIModelResponse, error) {
	if strings.TrimSpace(c.apiKey) == "" {
		return AIModelResponse{}, errors.New("PERPLEXITY_API_KEY is not configured")
	}
	if strings.TrimSpace(c.baseURL) == "" {
		return AIModelResponse{}, errors.New("PERPLEXITY_BASE_URL is not configured")
	}
	requestModel := strings.TrimSpace(req.Model)
	if requestModel == "" {
		requestModel = c.model
	}
	if requestModel == "" {
		return AIModelResponse{}, errors.New("PERPLEXITY_MODEL is not configured")
	}

	type chatMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	messages := make([]chatMessage, 0, 2)
	if system := strings.TrimSpace(req.SystemPrompt); system != "" {
		messages = append(messages, chatMessage{Role: "system", Content: system})
	}
	userPrompt := strings.TrimSpace(req.UserPrompt)
	if userPrompt == "" {
		return AIModelResponse{}, errors.New("AI request prompt is empty")
	}
	messages = append(messages, chatMessage{Role: "user", Content: userPrompt})

	maxTokens := c.maxTokens
	if maxTokens < 256 {
		maxTokens = 256
	}
	payload := map[string]any{
		"model":      requestModel,
		"messages":   messages,
		"max_tokens": maxTokens,
	}
	bodyRaw, err := json.Marshal(payload)
	if err != nil {
		return AIModelResponse{}, err
	}

	request, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		c.baseURL+"/chat/completions",
		bytes.NewReader(bodyRaw),
	)
	if err != nil {
		return AIModelResponse{}, err
	}
	request.Header.Set("Authorization", "Bearer "+c.apiKey)
	request.Header.Set("Content-Type", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return AIModelResponse{}, err
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(response.Body)
	if err != nil {
		return AIModelResponse{}, err
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return AIModelResponse{}, fmt.Errorf(
			"perplexity error (%d): %s",
			response.StatusCode,
			strings.TrimSpace(string(responseBody)),
		)
	}

	parsed := parseJSONStringMap(responseBody)
	answer := extractChatAnswer(parsed)
	if strings.TrimSpace(answer) == "" {
		log.Printf("perplexity response had no extractable answer: %s", truncateForLog(string(responseBody), 1200))
		return AIModelResponse{}, errors.New("perplexity response answer is empty")
	}

	usageMap, _ := parsed["usage"].(map[string]any)
	modelName := strings.TrimSpace(toString(parsed["model"]))
	if modelName == "" {
		modelName = requestModel
	}

	return AIModelResponse{
		Answer:    answer,
		Model:     modelName,
		Citations: extractCitations(parsed),
		Usage: AIUsage{
			PromptTokens:     int(extractNumberFromMap(usageMap, "prompt_tokens")),
			CompletionTokens: int(extractNumberFromMap(usageMap, "completion_tokens")),
			TotalTokens:      int(extractNumberFromMap(usageMap, "total_tokens")),
		},
	}, nil
}

func extractChatAnswer(data map[string]any) string {
	choices, ok := data["choices"].([]any)
	if !ok || len(choices) == 0 {
		return ""
	}
	first, ok := choices[0].(map[string]any)
	if !ok {
		return ""
	}
	message, ok := first["message"].(map[string]any)
	if !ok {
		return ""
	}
	return strings.TrimSpace(toString(message["content"]))
}

func extractCitations(data map[string]any) []string {
	raw, ok := data["citations"].([]any)
	if !ok {
		return nil
	}
	citations := make([]string, 0, len(raw))
	for _, item := range raw {
		if s := strings.TrimSpace(toString(item)); s != "" {
			citations = append(citations, s)
		}
	}
	if len(citations) == 0 {
		return nil
	}
	return citations
}

// MockAIClient is the test double. It keys canned answers off the persona in
// the system prompt so every structured endpoint receives decodable JSON, and
// counts calls so tests can assert that rejected requests never reach the
// model.
type MockAIClient struct {
	Model string
	Calls atomic.Int32
}

func (m *MockAIClient) Query(_ context.Context, req AIModelRequest) (AIModelResponse, error) {
	m.Calls.Add(1)

	system := strings.ToLower(req.SystemPrompt)
	user := strings.ToLower(req.UserPrompt)

	answer := "Mock coaching response."
	switch {
	case strings.Contains(system, "sentiment analyst"):
		answer = `{"score": 8, "summary": "Warm and appreciative overall.", "tones": ["affectionate", "calm"]}`
	case strings.Contains(system, "clinical analyst") && strings.Contains(user, "json only"):
		answer = `{"summary": "Mock twelve-week overview.", "discrepancies": ["Partner 1 reports higher conflict than Partner 2."], "patterns": ["Check-ins cluster on weekends."], "recommendations": ["Schedule one gratitude exchange midweek."]}`
	case strings.Contains(system, "communication coach") && strings.Contains(user, "echo listening"):
		answer = `{"score": 7, "feedback": "You captured the main point well. Try reflecting the feeling behind it too.", "missed": ["the worry about next month"]}`
	case strings.Contains(system, "relationship coach") && strings.Contains(user, "json only"):
		answer = `{"recommendations": [{"tool_name": "Gratitude Log", "rationale": "You have not logged gratitude recently.", "suggested_action": "Write one appreciation tonight."}, {"tool_name": "Guided Conversation", "rationale": "Conflict scores rose this month.", "suggested_action": "Start a 10-minute dialogue about one recurring friction."}]}`
	}

	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = strings.TrimSpace(m.Model)
	}
	if model == "" {
		model = "sonar"
	}
	return AIModelResponse{
		Answer:    answer,
		Model:     model,
		Citations: nil,
		Usage: AIUsage{
			PromptTokens:     120,
			CompletionTokens: 80,
			TotalTokens:      200,
		},
	}, nil
}

func parseJSONStringMap(input []byte) map[string]any {
	if len(input) == 0 {
		return map[string]any{}
	}
	var result map[string]any
	if err := json.Unmarshal(input, &result); err != nil || result == nil {
		return map[string]any{}
	}
	return result
}

func extractNumberFromMap(data map[string]any, keys ...string) float64 {
	if data == nil {
		return 0
	}
	for _, key := range keys {
		raw, ok := data[key]
		if !ok {
			continue
		}
		switch v := raw.(type) {
		case float64:
			return v
		case float32:
			return float64(v)
		case int:
			return float64(v)
		case int64:
			return float64(v)
		case json.Number:
			f, err := v.Float64()
			if err == nil {
				return f
			}
		case string:
			var parsed float64
			_, err := fmt.Sscanf(v, "%f", &parsed)
			if err == nil {
				return parsed
			}
		}
	}
	return 0
}

func toString(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	default:
		return ""
	}
}

func truncateForLog(value string, limit int) string {
	trimmed := strings.TrimSpace(value)
	if limit <= 0 || len(trimmed) <= limit {
		return trimmed
	}
	return trimmed[:limit] + "...(truncated)"
}
