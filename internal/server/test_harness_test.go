package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"couplesync/backend/internal/config"
	"couplesync/backend/internal/db"
)

var (
	testPool              *pgxpool.Pool
	baseTestConfig        config.Config
	integrationDBReady    bool
	integrationSkipReason string
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	baseTestConfig = newTestConfig()

	testDatabaseURL := strings.TrimSpace(os.Getenv("TEST_DATABASE_URL"))
	if testDatabaseURL == "" {
		integrationSkipReason = "integration tests skipped: TEST_DATABASE_URL is not set"
		fmt.Fprintln(os.Stderr, integrationSkipReason)
		os.Exit(m.Run())
	}
	testDatabaseURL = withSimpleProtocol(testDatabaseURL)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	pool, err := db.Connect(ctx, testDatabaseURL)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "integration test setup failed: cannot connect TEST_DATABASE_URL: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	err = pool.Ping(ctx)
	cancel()
	if err != nil {
		pool.Close()
		fmt.Fprintf(os.Stderr, "integration test setup failed: database ping failed: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	err = ValidateRuntimeSchema(ctx, pool)
	cancel()
	if err != nil {
		pool.Close()
		fmt.Fprintf(os.Stderr, "integration test setup failed: %v\n", err)
		os.Exit(1)
	}

	testPool = pool
	integrationDBReady = true

	exitCode := m.Run()
	testPool.Close()
	os.Exit(exitCode)
}

func withSimpleProtocol(rawURL string) string {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return rawURL
	}
	queries := parsed.Query()
	queries.Set("default_query_exec_mode", "simple_protocol")
	parsed.RawQuery = queries.Encode()
	return parsed.String()
}

func newTestConfig() config.Config {
	cfg := config.Config{
		AppEnv:            "test",
		AppName:           "CoupleSync API Test",
		APIPrefix:         "/api",
		AppPort:           "0",
		DatabaseURL:       "test",
		JWTSecret:         "test-secret-1234567890",
		JWTAlgorithm:      "HS256",
		JWTAudience:       "",
		JWTIssuer:         "",
		PerplexityModel:   "sonar",
		PerplexityBaseURL: "https://api.perplexity.test",
		AIMaxOutputTokens: 1200,
		AITimeoutSeconds:  5,
		CacheMaxEntries:   256,
		AnalyticsTTLMin:   60,
		InsightsTTLMin:    60,
		SessionPrepTTLMin: 60,
		RecommendTTLMin:   60,
		CoachingTTLMin:    5,
		SentimentTTLMin:   60,
		DateNightTTLMin:   30,
		CORSAllowOrigins: []string{
			"http://localhost:5173",
			"http://127.0.0.1:5173",
			"http://localhost:3000",
		},
	}

	if v := strings.TrimSpace(os.Getenv("TEST_JWT_SECRET")); v != "" {
		cfg.JWTSecret = v
	}
	if v := strings.TrimSpace(os.Getenv("TEST_JWT_AUDIENCE")); v != "" {
		cfg.JWTAudience = v
	}
	if v := strings.TrimSpace(os.Getenv("TEST_JWT_ISSUER")); v != "" {
		cfg.JWTIssuer = v
	}
	return cfg
}

func requireIntegration(t *testing.T) {
	t.Helper()
	if !integrationDBReady {
		if integrationSkipReason == "" {
			integrationSkipReason = "integration tests skipped: TEST_DATABASE_URL is not configured"
		}
		t.Skip(integrationSkipReason)
	}
}

// newTestRouter wires the app against the shared test pool with the mock AI
// client, so structured endpoints get decodable canned answers and tests can
// assert on the call count.
func newTestRouter(t *testing.T) (*gin.Engine, *MockAIClient) {
	t.Helper()
	return newTestRouterWithConfig(t, baseTestConfig)
}

func newTestRouterWithConfig(t *testing.T, cfg config.Config) (*gin.Engine, *MockAIClient) {
	t.Helper()
	requireIntegration(t)
	mock := &MockAIClient{Model: "sonar"}
	return NewWithAI(cfg, testPool, mock).Router(), mock
}

func resetDatabase(t *testing.T) {
	t.Helper()
	requireIntegration(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := testPool.Exec(
		ctx,
		`TRUNCATE TABLE
			date_night_ideas,
			therapist_comments,
			echo_sessions,
			horsemen_incidents,
			meditation_sessions,
			voice_memos,
			rituals,
			conversation_steps,
			conversations,
			shared_goals,
			gratitude_logs,
			weekly_checkins,
			couples,
			profiles
		RESTART IDENTITY CASCADE`,
	)
	if err != nil {
		t.Fatalf("reset database: %v", err)
	}
}

// coupleFixture is the standard seeded unit: one therapist, one couple, both
// partner profiles linked via profiles.couple_id.
type coupleFixture struct {
	TherapistID string
	CoupleID    string
	Partner1ID  string
	Partner2ID  string
}

func seedCoupleFixture(t *testing.T) coupleFixture {
	t.Helper()
	therapistID := seedProfile(t, "", roleTherapist, "Dr. Sam Reyes")
	partner1ID := seedProfile(t, "", roleClient, "Ana Lima")
	partner2ID := seedProfile(t, "", roleClient, "Ben Carter")
	coupleID := seedCouple(t, "", &therapistID, partner1ID, partner2ID)
	linkProfileToCouple(t, partner1ID, coupleID)
	linkProfileToCouple(t, partner2ID, coupleID)
	return coupleFixture{
		TherapistID: therapistID,
		CoupleID:    coupleID,
		Partner1ID:  partner1ID,
		Partner2ID:  partner2ID,
	}
}

func seedProfile(t *testing.T, profileID, role, fullName string) string {
	t.Helper()
	requireIntegration(t)
	if strings.TrimSpace(profileID) == "" {
		profileID = testID()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := testPool.Exec(
		ctx,
		`INSERT INTO profiles (id, role, full_name, couple_id, created_at)
		 VALUES ($1, $2, $3, NULL, NOW())`,
		profileID,
		role,
		fullName,
	)
	if err != nil {
		t.Fatalf("seed profile: %v", err)
	}
	return profileID
}

func seedCouple(t *testing.T, coupleID string, therapistID *string, partner1ID, partner2ID string) string {
	t.Helper()
	requireIntegration(t)
	if strings.TrimSpace(coupleID) == "" {
		coupleID = testID()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := testPool.Exec(
		ctx,
		`INSERT INTO couples (id, therapist_id, partner1_id, partner2_id, created_at)
		 VALUES ($1, $2, $3, $4, NOW())`,
		coupleID,
		therapistID,
		partner1ID,
		partner2ID,
	)
	if err != nil {
		t.Fatalf("seed couple: %v", err)
	}
	return coupleID
}

func linkProfileToCouple(t *testing.T, profileID, coupleID string) {
	t.Helper()
	requireIntegration(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := testPool.Exec(
		ctx,
		`UPDATE profiles SET couple_id = $2 WHERE id = $1`,
		profileID,
		coupleID,
	); err != nil {
		t.Fatalf("link profile to couple: %v", err)
	}
}

func seedCheckin(
	t *testing.T,
	coupleID, userID string,
	connectedness, conflict int,
	reflection string,
	weekStart time.Time,
) string {
	t.Helper()
	requireIntegration(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	checkinID := testID()
	_, err := testPool.Exec(
		ctx,
		`INSERT INTO weekly_checkins (id, couple_id, user_id, connectedness_score, conflict_score, reflection, week_start, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())`,
		checkinID,
		coupleID,
		userID,
		connectedness,
		conflict,
		reflection,
		weekStart.UTC(),
	)
	if err != nil {
		t.Fatalf("seed checkin: %v", err)
	}
	return checkinID
}

func seedGratitudeLog(t *testing.T, coupleID, userID, content string) string {
	t.Helper()
	requireIntegration(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	logID := testID()
	_, err := testPool.Exec(
		ctx,
		`INSERT INTO gratitude_logs (id, couple_id, user_id, content, created_at)
		 VALUES ($1, $2, $3, $4, NOW())`,
		logID,
		coupleID,
		userID,
		content,
	)
	if err != nil {
		t.Fatalf("seed gratitude log: %v", err)
	}
	return logID
}

func seedConversation(t *testing.T, coupleID, topic string) string {
	t.Helper()
	requireIntegration(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conversationID := testID()
	_, err := testPool.Exec(
		ctx,
		`INSERT INTO conversations (id, couple_id, topic, created_at)
		 VALUES ($1, $2, $3, NOW())`,
		conversationID,
		coupleID,
		topic,
	)
	if err != nil {
		t.Fatalf("seed conversation: %v", err)
	}
	return conversationID
}

func seedEchoSession(t *testing.T, coupleID, speakerID, listenerID string) string {
	t.Helper()
	requireIntegration(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sessionID := testID()
	_, err := testPool.Exec(
		ctx,
		`INSERT INTO echo_sessions (id, couple_id, speaker_id, listener_id, created_at)
		 VALUES ($1, $2, $3, $4, NOW())`,
		sessionID,
		coupleID,
		speakerID,
		listenerID,
	)
	if err != nil {
		t.Fatalf("seed echo session: %v", err)
	}
	return sessionID
}

func seedVoiceMemo(t *testing.T, coupleID, senderID, transcript string) string {
	t.Helper()
	requireIntegration(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	memoID := testID()
	var transcriptRef any
	if transcript != "" {
		transcriptRef = transcript
	}
	_, err := testPool.Exec(
		ctx,
		`INSERT INTO voice_memos (id, couple_id, sender_id, audio_url, transcript, created_at)
		 VALUES ($1, $2, $3, $4, $5, NOW())`,
		memoID,
		coupleID,
		senderID,
		"uploads/memos/"+memoID+".m4a",
		transcriptRef,
	)
	if err != nil {
		t.Fatalf("seed voice memo: %v", err)
	}
	return memoID
}

func seedHorsemanIncident(t *testing.T, coupleID, reportedBy, horsemanType string) string {
	t.Helper()
	requireIntegration(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	incidentID := testID()
	_, err := testPool.Exec(
		ctx,
		`INSERT INTO horsemen_incidents (id, couple_id, reported_by, horseman_type, note, created_at)
		 VALUES ($1, $2, $3, $4, '', NOW())`,
		incidentID,
		coupleID,
		reportedBy,
		horsemanType,
	)
	if err != nil {
		t.Fatalf("seed horseman incident: %v", err)
	}
	return incidentID
}

func signToken(t *testing.T, sub string, overrides map[string]any) string {
	t.Helper()
	return signTokenWithConfig(t, baseTestConfig, sub, overrides)
}

func signTokenWithConfig(t *testing.T, cfg config.Config, sub string, overrides map[string]any) string {
	t.Helper()

	claims := jwt.MapClaims{
		"exp": time.Now().UTC().Add(1 * time.Hour).Unix(),
		"iat": time.Now().UTC().Add(-1 * time.Minute).Unix(),
	}
	if strings.TrimSpace(sub) != "" {
		claims["sub"] = sub
	}
	if strings.TrimSpace(cfg.JWTAudience) != "" {
		claims["aud"] = cfg.JWTAudience
	}
	if strings.TrimSpace(cfg.JWTIssuer) != "" {
		claims["iss"] = cfg.JWTIssuer
	}
	for key, value := range overrides {
		if value == nil {
			delete(claims, key)
			continue
		}
		claims[key] = value
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(cfg.JWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func performRequest(
	t *testing.T,
	router http.Handler,
	method, targetPath, token string,
	body any,
	headers map[string]string,
) *httptest.ResponseRecorder {
	t.Helper()

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
	}

	req := httptest.NewRequest(method, targetPath, bytes.NewReader(payload))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSONMap(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response JSON: %v; body=%s", err, rec.Body.String())
	}
	return payload
}

func responseDetail(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeJSONMap(t, rec)
	detail, _ := body["detail"].(string)
	return detail
}

func testID() string {
	return uuid.NewString()
}
