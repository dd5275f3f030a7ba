package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// generateEmpathyPrompt coaches one partner through a step of the six-step
// empathy dialogue. Participant-scoped: the conversation must belong to the
// caller's couple.
func (a *App) generateEmpathyPrompt(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}
	var payload empathyPromptRequest
	if !mustJSON(c, &payload) {
		return
	}
	if strings.TrimSpace(payload.ConversationID) == "" {
		writeError(c, http.StatusBadRequest, "conversation_id is required")
		return
	}
	if payload.StepNumber < 1 || payload.StepNumber > 6 {
		writeError(c, http.StatusBadRequest, "step_number must be between 1 and 6")
		return
	}
	userResponse := strings.TrimSpace(payload.UserResponse)
	if userResponse == "" {
		writeError(c, http.StatusBadRequest, "user_response is required")
		return
	}

	ctx := c.Request.Context()
	couple, statusCode, err := a.getOwnCouple(ctx, user)
	if err != nil {
		writeError(c, statusCode, err.Error())
		return
	}

	var conversationCoupleID, topic string
	err = a.db.QueryRow(
		ctx,
		`SELECT couple_id, topic FROM conversations WHERE id = $1`,
		payload.ConversationID,
	).Scan(&conversationCoupleID, &topic)
	if errors.Is(err, pgx.ErrNoRows) {
		writeError(c, http.StatusNotFound, "Conversation not found")
		return
	}
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load conversation")
		return
	}
	if conversationCoupleID != couple.ID {
		writeError(c, http.StatusForbidden, "Conversation belongs to a different couple")
		return
	}

	cacheKey := fmt.Sprintf(
		"empathy:%s:%d:%s",
		payload.ConversationID,
		payload.StepNumber,
		textFingerprint(userResponse, 256),
	)
	if a.serveCached(c, cacheKey) {
		return
	}

	selfLabel, partnerLabel := clientLabels(couple, user.ID)
	anonymized := anonymizeForPrompt(truncate(userResponse, maxCoachingFieldChars), couple, selfLabel, partnerLabel)

	aiResponse, err := a.ai.Query(ctx, AIModelRequest{
		SystemPrompt: personaCommunicationCoach,
		UserPrompt:   buildEmpathyPrompt(anonymizeForPrompt(topic, couple, selfLabel, partnerLabel), payload.StepNumber, anonymized),
	})
	if err != nil {
		writeAIError(c, "empathy prompt", err)
		return
	}
	guidance := strings.TrimSpace(aiResponse.Answer)
	if guidance == "" {
		writeAIError(c, "empathy prompt", errUpstreamFormat)
		return
	}

	if _, err := a.db.Exec(
		ctx,
		`INSERT INTO conversation_steps (id, conversation_id, user_id, step_number, response, created_at)
		 VALUES ($1, $2, $3, $4, $5, NOW())`,
		uuid.NewString(),
		payload.ConversationID,
		user.ID,
		payload.StepNumber,
		userResponse,
	); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to save conversation step")
		return
	}

	a.respondCached(c, cacheKey, a.ttl(a.cfg.CoachingTTLMin), gin.H{
		"conversation_id": payload.ConversationID,
		"step_number":     payload.StepNumber,
		"guidance":        guidance,
		"generated_at":    time.Now().UTC(),
	})
}

// getExerciseRecommendations suggests the next exercises for the caller's
// couple from their 30-day activity buckets.
func (a *App) getExerciseRecommendations(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}
	ctx := c.Request.Context()
	couple, statusCode, err := a.getOwnCouple(ctx, user)
	if err != nil {
		writeError(c, statusCode, err.Error())
		return
	}

	cacheKey := "recommendations:" + couple.ID
	if a.serveCached(c, cacheKey) {
		return
	}

	activity, err := a.loadCoupleActivity(ctx, couple.ID, time.Now().UTC().Add(-windowRecommendations))
	if err != nil {
		writeError(c, http.StatusInternalServerError, err.Error())
		return
	}
	stats := computeCheckinStats(couple, activity.Checkins)

	aiResponse, err := a.ai.Query(ctx, AIModelRequest{
		SystemPrompt: personaRelationshipCoach,
		UserPrompt:   buildRecommendationsPrompt(activity, stats),
	})
	if err != nil {
		writeAIError(c, "recommendations", err)
		return
	}

	var payload recommendationsPayload
	if err := decodeModelJSON(aiResponse.Answer, &payload); err != nil {
		writeAIError(c, "recommendations", err)
		return
	}
	if err := payload.validate(); err != nil {
		writeAIError(c, "recommendations", err)
		return
	}
	recommendations := payload.Recommendations
	if len(recommendations) > 3 {
		recommendations = recommendations[:3]
	}

	a.respondCached(c, cacheKey, a.ttl(a.cfg.RecommendTTLMin), gin.H{
		"couple_id":    couple.ID,
		"generated_at": time.Now().UTC(),
		"activity": gin.H{
			"connection": gin.H{
				"weekly_checkins":    len(activity.Checkins),
				"gratitude_logs":     activity.GratitudeCount,
				"connection_rituals": activity.RitualCount,
			},
			"communication": gin.H{
				"guided_conversations": activity.ConversationCount,
				"voice_memos":          activity.VoiceMemoCount,
				"avg_memo_sentiment":   activity.AvgSentiment,
				"horsemen_incidents":   horsemenTotalCount(activity.HorsemenByType),
			},
			"growth": gin.H{
				"goals_active":       activity.GoalsActive,
				"goals_completed":    activity.GoalsCompleted,
				"meditation_minutes": activity.MeditationMinutes,
			},
		},
		"recommendations": recommendations,
	})
}

// generateEchoCoaching scores how faithfully the listener reflected the
// speaker. Listener-scoped: only the session's registered listener may ask.
func (a *App) generateEchoCoaching(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}
	var payload echoCoachingRequest
	if !mustJSON(c, &payload) {
		return
	}
	if strings.TrimSpace(payload.SessionID) == "" {
		writeError(c, http.StatusBadRequest, "session_id is required")
		return
	}
	speakerStatement := strings.TrimSpace(payload.SpeakerStatement)
	listenerReflection := strings.TrimSpace(payload.ListenerReflection)
	if speakerStatement == "" {
		writeError(c, http.StatusBadRequest, "speaker_statement is required")
		return
	}
	if listenerReflection == "" {
		writeError(c, http.StatusBadRequest, "listener_reflection is required")
		return
	}
	if len(speakerStatement) > maxCoachingFieldChars {
		writeError(c, http.StatusBadRequest, "speaker_statement exceeds 2000 characters")
		return
	}
	if len(listenerReflection) > maxCoachingFieldChars {
		writeError(c, http.StatusBadRequest, "listener_reflection exceeds 2000 characters")
		return
	}

	ctx := c.Request.Context()
	couple, statusCode, err := a.getOwnCouple(ctx, user)
	if err != nil {
		writeError(c, statusCode, err.Error())
		return
	}

	var sessionCoupleID, listenerID string
	err = a.db.QueryRow(
		ctx,
		`SELECT couple_id, listener_id FROM echo_sessions WHERE id = $1`,
		payload.SessionID,
	).Scan(&sessionCoupleID, &listenerID)
	if errors.Is(err, pgx.ErrNoRows) {
		writeError(c, http.StatusNotFound, "Echo session not found")
		return
	}
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load echo session")
		return
	}
	if sessionCoupleID != couple.ID {
		writeError(c, http.StatusForbidden, "Echo session belongs to a different couple")
		return
	}
	if listenerID != user.ID {
		writeError(c, http.StatusForbidden, "Only the registered listener can request coaching")
		return
	}

	cacheKey := fmt.Sprintf(
		"echo:%s:%s",
		payload.SessionID,
		textFingerprint(speakerStatement+"\x1f"+listenerReflection, 512),
	)
	if a.serveCached(c, cacheKey) {
		return
	}

	selfLabel, partnerLabel := clientLabels(couple, user.ID)
	aiResponse, err := a.ai.Query(ctx, AIModelRequest{
		SystemPrompt: personaCommunicationCoach,
		UserPrompt: buildEchoCoachingPrompt(
			anonymizeForPrompt(speakerStatement, couple, selfLabel, partnerLabel),
			anonymizeForPrompt(listenerReflection, couple, selfLabel, partnerLabel),
		),
	})
	if err != nil {
		writeAIError(c, "echo coaching", err)
		return
	}

	var coaching echoPayload
	if err := decodeModelJSON(aiResponse.Answer, &coaching); err != nil {
		writeAIError(c, "echo coaching", err)
		return
	}
	if err := coaching.validate(); err != nil {
		writeAIError(c, "echo coaching", err)
		return
	}

	a.respondCached(c, cacheKey, a.ttl(a.cfg.CoachingTTLMin), gin.H{
		"session_id":   payload.SessionID,
		"score":        clampScore(coaching.Score),
		"feedback":     coaching.Feedback,
		"missed":       emptyIfNil(coaching.Missed),
		"generated_at": time.Now().UTC(),
	})
}

// analyzeVoiceMemoSentiment scores a stored transcript. Sender-scoped; caps
// the transcript length before any model call is made.
func (a *App) analyzeVoiceMemoSentiment(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}
	var payload voiceMemoSentimentRequest
	if !mustJSON(c, &payload) {
		return
	}
	if strings.TrimSpace(payload.MemoID) == "" {
		writeError(c, http.StatusBadRequest, "memo_id is required")
		return
	}

	ctx := c.Request.Context()
	couple, statusCode, err := a.getOwnCouple(ctx, user)
	if err != nil {
		writeError(c, statusCode, err.Error())
		return
	}

	var memoCoupleID, senderID string
	var transcript *string
	err = a.db.QueryRow(
		ctx,
		`SELECT couple_id, sender_id, transcript FROM voice_memos WHERE id = $1`,
		payload.MemoID,
	).Scan(&memoCoupleID, &senderID, &transcript)
	if errors.Is(err, pgx.ErrNoRows) {
		writeError(c, http.StatusNotFound, "Voice memo not found")
		return
	}
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load voice memo")
		return
	}
	if memoCoupleID != couple.ID {
		writeError(c, http.StatusForbidden, "Voice memo belongs to a different couple")
		return
	}
	if senderID != user.ID {
		writeError(c, http.StatusForbidden, "Only the sender can analyze this memo")
		return
	}
	if transcript == nil || strings.TrimSpace(*transcript) == "" {
		writeError(c, http.StatusBadRequest, "Voice memo has no transcript")
		return
	}
	if len(*transcript) > maxTranscriptChars {
		writeError(c, http.StatusRequestEntityTooLarge, "Transcript exceeds 5000 characters")
		return
	}

	cacheKey := "sentiment:" + payload.MemoID
	if a.serveCached(c, cacheKey) {
		return
	}

	selfLabel, partnerLabel := clientLabels(couple, user.ID)
	aiResponse, err := a.ai.Query(ctx, AIModelRequest{
		SystemPrompt: personaSentimentAnalyst,
		UserPrompt:   buildSentimentPrompt(anonymizeForPrompt(*transcript, couple, selfLabel, partnerLabel)),
	})
	if err != nil {
		writeAIError(c, "sentiment analysis", err)
		return
	}

	var sentiment sentimentPayload
	if err := decodeModelJSON(aiResponse.Answer, &sentiment); err != nil {
		writeAIError(c, "sentiment analysis", err)
		return
	}
	score := sentiment.Score
	if score == 0 {
		score = fallbackSentimentScore(*transcript)
	}
	score = clampScore(score)

	if _, err := a.db.Exec(
		ctx,
		`UPDATE voice_memos SET sentiment_score = $2, sentiment_summary = $3 WHERE id = $1`,
		payload.MemoID,
		score,
		sentiment.Summary,
	); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to save sentiment")
		return
	}

	a.respondCached(c, cacheKey, a.ttl(a.cfg.SentimentTTLMin), gin.H{
		"memo_id":      payload.MemoID,
		"score":        score,
		"summary":      sentiment.Summary,
		"tones":        emptyIfNil(sentiment.Tones),
		"generated_at": time.Now().UTC(),
	})
}

// generateDateNight produces a plan from the couple's stated constraints and
// stores it so the couple can revisit past ideas.
func (a *App) generateDateNight(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}
	var payload dateNightRequest
	if !mustJSON(c, &payload) {
		return
	}
	fields := []struct {
		name  string
		value string
	}{
		{"time", payload.Time},
		{"location", payload.Location},
		{"price", payload.Price},
		{"participants", payload.Participants},
		{"energy", payload.Energy},
	}
	for _, field := range fields {
		if strings.TrimSpace(field.value) == "" {
			writeError(c, http.StatusBadRequest, field.name+" is required")
			return
		}
	}

	ctx := c.Request.Context()
	couple, statusCode, err := a.getOwnCouple(ctx, user)
	if err != nil {
		writeError(c, statusCode, err.Error())
		return
	}

	fingerprint := textFingerprint(strings.Join(
		[]string{payload.Time, payload.Location, payload.Price, payload.Participants, payload.Energy},
		"\x1f",
	), 512)
	cacheKey := "date-night:" + couple.ID + ":" + fingerprint
	if a.serveCached(c, cacheKey) {
		return
	}

	aiResponse, err := a.ai.Query(ctx, AIModelRequest{
		SystemPrompt: personaRelationshipCoach,
		UserPrompt:   buildDateNightPrompt(payload),
	})
	if err != nil {
		writeAIError(c, "date night plan", err)
		return
	}
	content := strings.TrimSpace(aiResponse.Answer)
	if content == "" {
		writeAIError(c, "date night plan", errUpstreamFormat)
		return
	}

	if _, err := a.db.Exec(
		ctx,
		`INSERT INTO date_night_ideas (id, couple_id, content, created_at)
		 VALUES ($1, $2, $3, NOW())`,
		uuid.NewString(),
		couple.ID,
		content,
	); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to save date night idea")
		return
	}

	a.respondCached(c, cacheKey, a.ttl(a.cfg.DateNightTTLMin), gin.H{
		"couple_id":    couple.ID,
		"content":      content,
		"generated_at": time.Now().UTC(),
		"citations":    aiResponse.Citations,
	})
}
