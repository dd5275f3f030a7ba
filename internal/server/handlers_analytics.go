package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// getTherapistAnalytics builds the caseload dashboard: one CoupleAnalytics
// per assigned couple over the trailing 30 days plus caseload-wide totals.
func (a *App) getTherapistAnalytics(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}
	if user.Role != roleTherapist {
		writeError(c, http.StatusForbidden, "Therapist role required")
		return
	}

	cacheKey := "analytics:" + user.ID
	if a.serveCached(c, cacheKey) {
		return
	}

	ctx := c.Request.Context()
	rows, err := a.db.Query(
		ctx,
		`SELECT c.id, c.therapist_id, c.partner1_id, c.partner2_id, p1.full_name, p2.full_name
		 FROM couples c
		 JOIN profiles p1 ON p1.id = c.partner1_id
		 JOIN profiles p2 ON p2.id = c.partner2_id
		 WHERE c.therapist_id = $1
		 ORDER BY c.created_at ASC`,
		user.ID,
	)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load couples")
		return
	}
	defer rows.Close()

	couples := make([]coupleRecord, 0)
	for rows.Next() {
		var record coupleRecord
		if err := rows.Scan(
			&record.ID,
			&record.TherapistID,
			&record.Partner1ID,
			&record.Partner2ID,
			&record.Partner1Name,
			&record.Partner2Name,
		); err != nil {
			writeError(c, http.StatusInternalServerError, "Failed to parse couples")
			return
		}
		couples = append(couples, record)
	}
	if err := rows.Err(); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load couples")
		return
	}

	since := time.Now().UTC().Add(-windowRecommendations)
	reports := make([]CoupleAnalytics, 0, len(couples))
	activeCouples := 0
	totalGratitude := 0
	rateSum := 0
	for _, couple := range couples {
		activity, err := a.loadCoupleActivity(ctx, couple.ID, since)
		if err != nil {
			writeError(c, http.StatusInternalServerError, err.Error())
			return
		}
		report := computeCoupleAnalytics(couple, activity)
		if report.Active {
			activeCouples++
		}
		totalGratitude += report.GratitudeCount
		rateSum += report.CheckinRate
		reports = append(reports, report)
	}

	var commentsGiven int
	if err := a.db.QueryRow(
		ctx,
		`SELECT COUNT(*) FROM therapist_comments WHERE therapist_id = $1`,
		user.ID,
	).Scan(&commentsGiven); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load comments")
		return
	}

	overallRate := 0
	if len(reports) > 0 {
		overallRate = percentage(rateSum, len(reports)*100)
	}

	a.respondCached(c, cacheKey, a.ttl(a.cfg.AnalyticsTTLMin), gin.H{
		"therapist_id":         user.ID,
		"generated_at":         time.Now().UTC(),
		"total_couples":        len(reports),
		"active_couples":       activeCouples,
		"overall_checkin_rate": overallRate,
		"total_gratitude_logs": totalGratitude,
		"total_comments_given": commentsGiven,
		"couples":              reports,
	})
}
