package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"couplesync/backend/internal/cache"
	"couplesync/backend/internal/config"
)

const (
	roleTherapist = "therapist"
	roleClient    = "client"
)

type App struct {
	cfg   config.Config
	db    *pgxpool.Pool
	ai    AIClient
	cache *cache.Cache
}

type AuthUser struct {
	ID       string
	Role     string
	FullName string
	CoupleID *string
}

func New(cfg config.Config, db *pgxpool.Pool) *App {
	return NewWithAI(cfg, db, NewPerplexityClient(cfg))
}

func NewWithAI(cfg config.Config, db *pgxpool.Pool, ai AIClient) *App {
	return &App{
		cfg:   cfg,
		db:    db,
		ai:    ai,
		cache: cache.New(cfg.CacheMaxEntries),
	}
}

func (a *App) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     a.cfg.CORSAllowOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/health", a.health)

	api := router.Group(a.cfg.APIPrefix)
	api.Use(a.authMiddleware())

	api.GET("/analytics", a.getTherapistAnalytics)
	api.GET("/insights", a.getCoupleInsights)
	api.POST("/session-prep/:couple_id", a.generateSessionPrep)

	api.POST("/empathy-prompt", a.generateEmpathyPrompt)
	api.GET("/exercise-recommendations", a.getExerciseRecommendations)
	api.POST("/echo-coaching", a.generateEchoCoaching)
	api.POST("/voice-memo-sentiment", a.analyzeVoiceMemoSentiment)
	api.POST("/date-night", a.generateDateNight)

	api.POST("/checkins", a.createCheckin)
	api.GET("/checkins", a.listCheckins)
	api.POST("/gratitude", a.createGratitudeLog)
	api.GET("/gratitude", a.listGratitudeLogs)
	api.POST("/goals", a.createSharedGoal)
	api.PATCH("/goals/:goal_id", a.updateSharedGoal)
	api.POST("/horsemen-incidents", a.createHorsemanIncident)
	api.GET("/couples/:couple_id/comments", a.listTherapistComments)
	api.POST("/couples/:couple_id/comments", a.createTherapistComment)

	return router
}

func (a *App) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "couplesync-api",
	})
}

func (a *App) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if !strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
			writeError(c, http.StatusUnauthorized, "Bearer token required")
			return
		}
		tokenString := strings.TrimSpace(authHeader[len("Bearer "):])
		if tokenString == "" {
			writeError(c, http.StatusUnauthorized, "Bearer token required")
			return
		}

		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
			if token.Method == nil || token.Method.Alg() != a.cfg.JWTAlgorithm {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return []byte(a.cfg.JWTSecret), nil
		})
		if err != nil || !token.Valid {
			writeError(c, http.StatusUnauthorized, "Invalid bearer token")
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			writeError(c, http.StatusUnauthorized, "Invalid token payload")
			return
		}
		if a.cfg.JWTAudience != "" && !claimHasAudience(claims["aud"], a.cfg.JWTAudience) {
			writeError(c, http.StatusUnauthorized, "Invalid token audience")
			return
		}
		if a.cfg.JWTIssuer != "" {
			issuer, _ := claims["iss"].(string)
			if issuer != a.cfg.JWTIssuer {
				writeError(c, http.StatusUnauthorized, "Invalid token issuer")
				return
			}
		}
		sub, _ := claims["sub"].(string)
		sub = strings.TrimSpace(sub)
		if sub == "" {
			writeError(c, http.StatusUnauthorized, "Token subject missing")
			return
		}

		user, err := a.loadProfile(c.Request.Context(), sub)
		if err != nil {
			writeError(c, http.StatusUnauthorized, err.Error())
			return
		}

		c.Set("authUser", user)
		c.Next()
	}
}

func claimHasAudience(value any, audience string) bool {
	switch v := value.(type) {
	case string:
		return v == audience
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s == audience {
				return true
			}
		}
	case []string:
		for _, item := range v {
			if item == audience {
				return true
			}
		}
	}
	return false
}

// loadProfile resolves the token subject against the profiles table. Profiles
// are provisioned by the Supabase auth hook, so a missing row is an auth
// failure rather than a signup path.
func (a *App) loadProfile(ctx context.Context, userID string) (AuthUser, error) {
	user := AuthUser{}
	var coupleID *string
	err := a.db.QueryRow(
		ctx,
		`SELECT id, role, full_name, couple_id FROM profiles WHERE id = $1`,
		userID,
	).Scan(&user.ID, &user.Role, &user.FullName, &coupleID)
	if errors.Is(err, pgx.ErrNoRows) {
		return AuthUser{}, errors.New("Profile not found")
	}
	if err != nil {
		return AuthUser{}, err
	}
	user.CoupleID = coupleID
	return user, nil
}

func authUserFromContext(c *gin.Context) (AuthUser, bool) {
	raw, ok := c.Get("authUser")
	if !ok {
		return AuthUser{}, false
	}
	user, ok := raw.(AuthUser)
	return user, ok
}

func writeError(c *gin.Context, status int, detail string) {
	c.AbortWithStatusJSON(status, gin.H{"detail": detail})
}

func mustJSON(c *gin.Context, payload any) bool {
	if err := c.ShouldBindJSON(payload); err != nil {
		writeError(c, http.StatusBadRequest, "Invalid request payload")
		return false
	}
	return true
}

type coupleRecord struct {
	ID           string
	TherapistID  *string
	Partner1ID   string
	Partner2ID   string
	Partner1Name string
	Partner2Name string
}

func (a *App) getCouple(ctx context.Context, coupleID string) (coupleRecord, int, error) {
	record := coupleRecord{}
	err := a.db.QueryRow(
		ctx,
		`SELECT c.id, c.therapist_id, c.partner1_id, c.partner2_id, p1.full_name, p2.full_name
		 FROM couples c
		 JOIN profiles p1 ON p1.id = c.partner1_id
		 JOIN profiles p2 ON p2.id = c.partner2_id
		 WHERE c.id = $1`,
		coupleID,
	).Scan(
		&record.ID,
		&record.TherapistID,
		&record.Partner1ID,
		&record.Partner2ID,
		&record.Partner1Name,
		&record.Partner2Name,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return coupleRecord{}, http.StatusNotFound, errors.New("Couple not found")
	}
	if err != nil {
		return coupleRecord{}, http.StatusInternalServerError, err
	}
	return record, http.StatusOK, nil
}

// getCoupleForTherapist loads a couple and verifies the caller is its
// assigned therapist.
func (a *App) getCoupleForTherapist(ctx context.Context, user AuthUser, coupleID string) (coupleRecord, int, error) {
	if user.Role != roleTherapist {
		return coupleRecord{}, http.StatusForbidden, errors.New("Therapist role required")
	}
	record, statusCode, err := a.getCouple(ctx, coupleID)
	if err != nil {
		return coupleRecord{}, statusCode, err
	}
	if record.TherapistID == nil || *record.TherapistID != user.ID {
		return coupleRecord{}, http.StatusForbidden, errors.New("Couple is not assigned to this therapist")
	}
	return record, http.StatusOK, nil
}

// getOwnCouple resolves the calling client's couple via the profile link.
func (a *App) getOwnCouple(ctx context.Context, user AuthUser) (coupleRecord, int, error) {
	if user.Role != roleClient {
		return coupleRecord{}, http.StatusForbidden, errors.New("Client role required")
	}
	if user.CoupleID == nil || strings.TrimSpace(*user.CoupleID) == "" {
		return coupleRecord{}, http.StatusNotFound, errors.New("No couple linked to this account")
	}
	return a.getCouple(ctx, *user.CoupleID)
}

// partnerSlot reports whether userID is partner 1 or partner 2 of the couple;
// 0 means the user is not a member.
func partnerSlot(couple coupleRecord, userID string) int {
	switch userID {
	case couple.Partner1ID:
		return 1
	case couple.Partner2ID:
		return 2
	}
	return 0
}

// respondCached serializes payload, stores it under key, and writes it as the
// response body. Cache hits served through serveCached return the exact same
// bytes until the TTL lapses.
func (a *App) respondCached(c *gin.Context, key string, ttl time.Duration, payload any) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to encode response")
		return
	}
	a.cache.Set(key, encoded, ttl)
	c.Data(http.StatusOK, "application/json; charset=utf-8", encoded)
}

func (a *App) serveCached(c *gin.Context, key string) bool {
	payload, ok := a.cache.Get(key)
	if !ok {
		return false
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", payload)
	return true
}

func (a *App) ttl(minutes int) time.Duration {
	if minutes <= 0 {
		return 0
	}
	return time.Duration(minutes) * time.Minute
}

// textFingerprint folds a bounded prefix of free text into a short hash so
// cache keys distinguish materially different inputs without storing them.
func textFingerprint(text string, prefixLimit int) string {
	trimmed := strings.TrimSpace(text)
	if prefixLimit > 0 && len(trimmed) > prefixLimit {
		trimmed = trimmed[:prefixLimit]
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(trimmed))
	return fmt.Sprintf("%016x", h.Sum64())
}

// percentage returns round(numerator/denominator*100) clamped to [0,100],
// treating a non-positive denominator as 1.
func percentage(numerator, denominator int) int {
	if denominator < 1 {
		denominator = 1
	}
	value := int(math.Round(float64(numerator) / float64(denominator) * 100))
	return clampInt(value, 0, 100)
}

func clampInt(value, low, high int) int {
	if value < low {
		return low
	}
	if value > high {
		return high
	}
	return value
}

func clampFloat(value, low, high float64) float64 {
	if value < low {
		return low
	}
	if value > high {
		return high
	}
	return value
}

// round1 rounds to one decimal place; averages over empty inputs are reported
// as 0 upstream, never NaN.
func round1(value float64) float64 {
	return math.Round(value*10) / 10
}

// truncate cuts value to at most limit bytes without splitting a rune.
func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(value[cut]) {
		cut--
	}
	return value[:cut]
}
