package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// invalidateCoupleCaches drops the derived responses that a new exercise row
// makes stale. Fingerprinted keys (empathy, echo, date night) age out on
// their own short TTLs instead.
func (a *App) invalidateCoupleCaches(couple coupleRecord) {
	a.cache.Invalidate("insights:" + couple.ID)
	a.cache.Invalidate("session-prep:" + couple.ID)
	a.cache.Invalidate("recommendations:" + couple.ID)
	if couple.TherapistID != nil {
		a.cache.Invalidate("analytics:" + *couple.TherapistID)
	}
}

func (a *App) createCheckin(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}
	var payload checkinRequest
	if !mustJSON(c, &payload) {
		return
	}
	if payload.ConnectednessScore < 1 || payload.ConnectednessScore > 10 {
		writeError(c, http.StatusBadRequest, "connectedness_score must be between 1 and 10")
		return
	}
	if payload.ConflictScore < 1 || payload.ConflictScore > 10 {
		writeError(c, http.StatusBadRequest, "conflict_score must be between 1 and 10")
		return
	}
	reflection := strings.TrimSpace(payload.Reflection)
	if len(reflection) > maxReflectionChars {
		writeError(c, http.StatusBadRequest, "reflection exceeds 2000 characters")
		return
	}

	weekStart := startOfWeekUTC(time.Now())
	if strings.TrimSpace(payload.WeekStart) != "" {
		parsed, err := parseDate(payload.WeekStart)
		if err != nil {
			writeError(c, http.StatusBadRequest, "week_start must be a YYYY-MM-DD date")
			return
		}
		weekStart = parsed
	}

	ctx := c.Request.Context()
	couple, statusCode, err := a.getOwnCouple(ctx, user)
	if err != nil {
		writeError(c, statusCode, err.Error())
		return
	}

	checkinID := uuid.NewString()
	if _, err := a.db.Exec(
		ctx,
		`INSERT INTO weekly_checkins (id, couple_id, user_id, connectedness_score, conflict_score, reflection, week_start, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())`,
		checkinID,
		couple.ID,
		user.ID,
		payload.ConnectednessScore,
		payload.ConflictScore,
		reflection,
		weekStart,
	); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to save check-in")
		return
	}
	a.invalidateCoupleCaches(couple)

	c.JSON(http.StatusCreated, gin.H{
		"id":                  checkinID,
		"couple_id":           couple.ID,
		"user_id":             user.ID,
		"connectedness_score": payload.ConnectednessScore,
		"conflict_score":      payload.ConflictScore,
		"reflection":          reflection,
		"week_start":          weekStart.Format("2006-01-02"),
	})
}

func (a *App) listCheckins(c *gin.Context) {
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

	rows, err := a.db.Query(
		ctx,
		`SELECT id, user_id, connectedness_score, conflict_score, COALESCE(reflection, ''), week_start, created_at
		 FROM weekly_checkins
		 WHERE couple_id = $1
		 ORDER BY created_at DESC
		 LIMIT 50`,
		couple.ID,
	)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load check-ins")
		return
	}
	defer rows.Close()

	checkins := make([]gin.H, 0)
	for rows.Next() {
		var id, userID, reflection string
		var connectedness, conflict int
		var weekStart, createdAt time.Time
		if err := rows.Scan(&id, &userID, &connectedness, &conflict, &reflection, &weekStart, &createdAt); err != nil {
			writeError(c, http.StatusInternalServerError, "Failed to parse check-ins")
			return
		}
		checkins = append(checkins, gin.H{
			"id":                  id,
			"user_id":             userID,
			"connectedness_score": connectedness,
			"conflict_score":      conflict,
			"reflection":          reflection,
			"week_start":          weekStart.UTC().Format("2006-01-02"),
			"created_at":          createdAt.UTC(),
		})
	}
	if err := rows.Err(); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load check-ins")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"couple_id": couple.ID,
		"checkins":  checkins,
	})
}

func (a *App) createGratitudeLog(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}
	var payload gratitudeRequest
	if !mustJSON(c, &payload) {
		return
	}
	content := strings.TrimSpace(payload.Content)
	if content == "" {
		writeError(c, http.StatusBadRequest, "content is required")
		return
	}
	if len(content) > maxGratitudeChars {
		writeError(c, http.StatusBadRequest, "content exceeds 2000 characters")
		return
	}

	ctx := c.Request.Context()
	couple, statusCode, err := a.getOwnCouple(ctx, user)
	if err != nil {
		writeError(c, statusCode, err.Error())
		return
	}

	logID := uuid.NewString()
	if _, err := a.db.Exec(
		ctx,
		`INSERT INTO gratitude_logs (id, couple_id, user_id, content, created_at)
		 VALUES ($1, $2, $3, $4, NOW())`,
		logID,
		couple.ID,
		user.ID,
		content,
	); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to save gratitude log")
		return
	}
	a.invalidateCoupleCaches(couple)

	c.JSON(http.StatusCreated, gin.H{
		"id":        logID,
		"couple_id": couple.ID,
		"user_id":   user.ID,
		"content":   content,
	})
}

func (a *App) listGratitudeLogs(c *gin.Context) {
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

	rows, err := a.db.Query(
		ctx,
		`SELECT id, user_id, content, created_at
		 FROM gratitude_logs
		 WHERE couple_id = $1
		 ORDER BY created_at DESC
		 LIMIT 50`,
		couple.ID,
	)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load gratitude logs")
		return
	}
	defer rows.Close()

	logs := make([]gin.H, 0)
	for rows.Next() {
		var id, userID, content string
		var createdAt time.Time
		if err := rows.Scan(&id, &userID, &content, &createdAt); err != nil {
			writeError(c, http.StatusInternalServerError, "Failed to parse gratitude logs")
			return
		}
		logs = append(logs, gin.H{
			"id":         id,
			"user_id":    userID,
			"content":    content,
			"created_at": createdAt.UTC(),
		})
	}
	if err := rows.Err(); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load gratitude logs")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"couple_id": couple.ID,
		"logs":      logs,
	})
}

func (a *App) createSharedGoal(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}
	var payload goalRequest
	if !mustJSON(c, &payload) {
		return
	}
	title := strings.TrimSpace(payload.Title)
	if title == "" {
		writeError(c, http.StatusBadRequest, "title is required")
		return
	}

	ctx := c.Request.Context()
	couple, statusCode, err := a.getOwnCouple(ctx, user)
	if err != nil {
		writeError(c, statusCode, err.Error())
		return
	}

	goalID := uuid.NewString()
	if _, err := a.db.Exec(
		ctx,
		`INSERT INTO shared_goals (id, couple_id, created_by, title, status, created_at)
		 VALUES ($1, $2, $3, $4, 'active', NOW())`,
		goalID,
		couple.ID,
		user.ID,
		title,
	); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to save goal")
		return
	}
	a.invalidateCoupleCaches(couple)

	c.JSON(http.StatusCreated, gin.H{
		"id":        goalID,
		"couple_id": couple.ID,
		"title":     title,
		"status":    "active",
	})
}

func (a *App) updateSharedGoal(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}
	goalID := strings.TrimSpace(c.Param("goal_id"))
	var payload goalUpdateRequest
	if !mustJSON(c, &payload) {
		return
	}
	status := strings.TrimSpace(payload.Status)
	if status != "active" && status != "completed" {
		writeError(c, http.StatusBadRequest, "status must be 'active' or 'completed'")
		return
	}

	ctx := c.Request.Context()
	couple, statusCode, err := a.getOwnCouple(ctx, user)
	if err != nil {
		writeError(c, statusCode, err.Error())
		return
	}

	var existingStatus string
	err = a.db.QueryRow(
		ctx,
		`SELECT status FROM shared_goals WHERE id = $1 AND couple_id = $2`,
		goalID,
		couple.ID,
	).Scan(&existingStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		writeError(c, http.StatusNotFound, "Goal not found")
		return
	}
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load goal")
		return
	}

	if status == "completed" {
		_, err = a.db.Exec(
			ctx,
			`UPDATE shared_goals SET status = 'completed', completed_at = NOW() WHERE id = $1`,
			goalID,
		)
	} else {
		_, err = a.db.Exec(
			ctx,
			`UPDATE shared_goals SET status = 'active', completed_at = NULL WHERE id = $1`,
			goalID,
		)
	}
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to update goal")
		return
	}
	a.invalidateCoupleCaches(couple)

	c.JSON(http.StatusOK, gin.H{
		"id":     goalID,
		"status": status,
	})
}

func (a *App) createHorsemanIncident(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}
	var payload horsemanIncidentRequest
	if !mustJSON(c, &payload) {
		return
	}
	horsemanType := strings.ToLower(strings.TrimSpace(payload.HorsemanType))
	if _, known := horsemanTypes[horsemanType]; !known {
		writeError(c, http.StatusBadRequest, "horseman_type must be one of criticism, contempt, defensiveness, stonewalling")
		return
	}
	note := strings.TrimSpace(payload.Note)
	if len(note) > maxReflectionChars {
		writeError(c, http.StatusBadRequest, "note exceeds 2000 characters")
		return
	}

	ctx := c.Request.Context()
	couple, statusCode, err := a.getOwnCouple(ctx, user)
	if err != nil {
		writeError(c, statusCode, err.Error())
		return
	}

	incidentID := uuid.NewString()
	if _, err := a.db.Exec(
		ctx,
		`INSERT INTO horsemen_incidents (id, couple_id, reported_by, horseman_type, note, created_at)
		 VALUES ($1, $2, $3, $4, $5, NOW())`,
		incidentID,
		couple.ID,
		user.ID,
		horsemanType,
		note,
	); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to save incident")
		return
	}
	a.invalidateCoupleCaches(couple)

	c.JSON(http.StatusCreated, gin.H{
		"id":            incidentID,
		"couple_id":     couple.ID,
		"horseman_type": horsemanType,
	})
}

func (a *App) listTherapistComments(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}
	ctx := c.Request.Context()
	couple, statusCode, err := a.getCoupleForTherapist(ctx, user, strings.TrimSpace(c.Param("couple_id")))
	if err != nil {
		writeError(c, statusCode, err.Error())
		return
	}

	rows, err := a.db.Query(
		ctx,
		`SELECT id, body, created_at
		 FROM therapist_comments
		 WHERE couple_id = $1 AND therapist_id = $2
		 ORDER BY created_at DESC
		 LIMIT 100`,
		couple.ID,
		user.ID,
	)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load comments")
		return
	}
	defer rows.Close()

	comments := make([]gin.H, 0)
	for rows.Next() {
		var id, body string
		var createdAt time.Time
		if err := rows.Scan(&id, &body, &createdAt); err != nil {
			writeError(c, http.StatusInternalServerError, "Failed to parse comments")
			return
		}
		comments = append(comments, gin.H{
			"id":         id,
			"body":       body,
			"created_at": createdAt.UTC(),
		})
	}
	if err := rows.Err(); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load comments")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"couple_id": couple.ID,
		"comments":  comments,
	})
}

func (a *App) createTherapistComment(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}
	var payload therapistCommentRequest
	if !mustJSON(c, &payload) {
		return
	}
	body := strings.TrimSpace(payload.Body)
	if body == "" {
		writeError(c, http.StatusBadRequest, "body is required")
		return
	}

	ctx := c.Request.Context()
	couple, statusCode, err := a.getCoupleForTherapist(ctx, user, strings.TrimSpace(c.Param("couple_id")))
	if err != nil {
		writeError(c, statusCode, err.Error())
		return
	}

	commentID := uuid.NewString()
	if _, err := a.db.Exec(
		ctx,
		`INSERT INTO therapist_comments (id, couple_id, therapist_id, body, created_at)
		 VALUES ($1, $2, $3, $4, NOW())`,
		commentID,
		couple.ID,
		user.ID,
		body,
	); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to save comment")
		return
	}
	a.cache.Invalidate("analytics:" + user.ID)

	c.JSON(http.StatusCreated, gin.H{
		"id":        commentID,
		"couple_id": couple.ID,
		"body":      body,
	})
}
