package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// writeAIError distinguishes a model that answered in the wrong shape from
// any other upstream failure. Both abort the request; neither is retried.
func writeAIError(c *gin.Context, action string, err error) {
	if errors.Is(err, errUpstreamFormat) {
		writeError(c, http.StatusInternalServerError, "AI response violated the expected format")
		return
	}
	writeError(c, http.StatusInternalServerError, "Failed to generate "+action)
}

// getCoupleInsights produces the therapist insight report from the trailing
// twelve weeks of couple activity.
func (a *App) getCoupleInsights(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}
	coupleID := strings.TrimSpace(c.Query("couple_id"))
	if coupleID == "" {
		writeError(c, http.StatusBadRequest, "couple_id is required")
		return
	}

	ctx := c.Request.Context()
	couple, statusCode, err := a.getCoupleForTherapist(ctx, user, coupleID)
	if err != nil {
		writeError(c, statusCode, err.Error())
		return
	}

	cacheKey := "insights:" + couple.ID
	if a.serveCached(c, cacheKey) {
		return
	}

	activity, err := a.loadCoupleActivity(ctx, couple.ID, time.Now().UTC().Add(-windowInsights))
	if err != nil {
		writeError(c, http.StatusInternalServerError, err.Error())
		return
	}
	stats := computeCheckinStats(couple, activity.Checkins)
	if stats.Total == 0 {
		writeError(c, http.StatusBadRequest, "No check-ins in the last 12 weeks; insights need check-in data")
		return
	}

	aiResponse, err := a.ai.Query(ctx, AIModelRequest{
		SystemPrompt: personaClinicalAnalyst,
		UserPrompt:   buildInsightsPrompt(couple, activity, stats),
	})
	if err != nil {
		writeAIError(c, "insights", err)
		return
	}

	var payload insightsPayload
	if err := decodeModelJSON(aiResponse.Answer, &payload); err != nil {
		writeAIError(c, "insights", err)
		return
	}
	if err := payload.validate(); err != nil {
		writeAIError(c, "insights", err)
		return
	}

	a.respondCached(c, cacheKey, a.ttl(a.cfg.InsightsTTLMin), gin.H{
		"couple_id":       couple.ID,
		"generated_at":    time.Now().UTC(),
		"summary":         payload.Summary,
		"discrepancies":   emptyIfNil(payload.Discrepancies),
		"patterns":        emptyIfNil(payload.Patterns),
		"recommendations": emptyIfNil(payload.Recommendations),
		"raw_analysis":    aiResponse.Answer,
		"citations":       aiResponse.Citations,
	})
}

// generateSessionPrep builds the pre-session briefing from the trailing four
// weeks. Unlike insights, any recorded activity qualifies, not just check-ins.
func (a *App) generateSessionPrep(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}
	coupleID := strings.TrimSpace(c.Param("couple_id"))

	ctx := c.Request.Context()
	couple, statusCode, err := a.getCoupleForTherapist(ctx, user, coupleID)
	if err != nil {
		writeError(c, statusCode, err.Error())
		return
	}

	cacheKey := "session-prep:" + couple.ID
	if a.serveCached(c, cacheKey) {
		return
	}

	activity, err := a.loadCoupleActivity(ctx, couple.ID, time.Now().UTC().Add(-windowSessionPrep))
	if err != nil {
		writeError(c, http.StatusInternalServerError, err.Error())
		return
	}
	if activity.total() == 0 {
		writeError(c, http.StatusBadRequest, "No activity in the last 4 weeks; nothing to prepare from")
		return
	}
	stats := computeCheckinStats(couple, activity.Checkins)

	aiResponse, err := a.ai.Query(ctx, AIModelRequest{
		SystemPrompt: personaClinicalAnalyst,
		UserPrompt:   buildSessionPrepPrompt(couple, activity, stats),
	})
	if err != nil {
		writeAIError(c, "session prep", err)
		return
	}
	prepNotes := strings.TrimSpace(aiResponse.Answer)
	if prepNotes == "" {
		writeAIError(c, "session prep", errUpstreamFormat)
		return
	}

	a.respondCached(c, cacheKey, a.ttl(a.cfg.SessionPrepTTLMin), gin.H{
		"couple_id":     couple.ID,
		"generated_at":  time.Now().UTC(),
		"prep_notes":    prepNotes,
		"prep_sections": splitNonEmptyLines(prepNotes),
		"analytics":     computeCoupleAnalytics(couple, activity),
		"citations":     aiResponse.Citations,
	})
}

func emptyIfNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
