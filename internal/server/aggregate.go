package server

import (
	"context"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
)

// Trailing windows used by the AI endpoints. Insights look back twelve weeks,
// session prep four, recommendations and the therapist dashboard one month.
const (
	windowRecommendations = 30 * 24 * time.Hour
	windowSessionPrep     = 28 * 24 * time.Hour
	windowInsights        = 84 * 24 * time.Hour
)

const horsemenPatternThreshold = 3

var horsemanTypes = map[string]struct{}{
	"criticism":     {},
	"contempt":      {},
	"defensiveness": {},
	"stonewalling":  {},
}

type checkinRow struct {
	UserID        string
	Connectedness int
	Conflict      int
	Reflection    string
	WeekStart     time.Time
	CreatedAt     time.Time
}

// coupleActivity is the request-scoped snapshot every aggregation reduces
// over. It is rebuilt from source rows on each cache miss and discarded with
// the response.
type coupleActivity struct {
	CoupleID          string
	Since             time.Time
	Checkins          []checkinRow
	GratitudeCount    int
	GoalsActive       int
	GoalsCompleted    int
	ConversationCount int
	RitualCount       int
	VoiceMemoCount    int
	AvgSentiment      float64
	MeditationCount   int
	MeditationMinutes int
	HorsemenByType    map[string]int
	LastActivityAt    *time.Time
}

// observeActivityAt folds a candidate timestamp into LastActivityAt. Not safe
// for concurrent use; the load fan-out merges per-source timestamps only after
// its goroutines have joined.
func (a *coupleActivity) observeActivityAt(ts *time.Time) {
	if ts == nil {
		return
	}
	if a.LastActivityAt == nil || ts.After(*a.LastActivityAt) {
		utc := ts.UTC()
		a.LastActivityAt = &utc
	}
}

func (a coupleActivity) total() int {
	total := len(a.Checkins) + a.GratitudeCount + a.GoalsActive + a.GoalsCompleted +
		a.ConversationCount + a.RitualCount + a.VoiceMemoCount + a.MeditationCount
	for _, count := range a.HorsemenByType {
		total += count
	}
	return total
}

// loadCoupleActivity issues one query per source table, all filtered by
// couple and window cutoff, concurrently. Any query failure aborts the whole
// aggregation; there is no partial result.
func (a *App) loadCoupleActivity(ctx context.Context, coupleID string, since time.Time) (coupleActivity, error) {
	activity := coupleActivity{
		CoupleID:       coupleID,
		Since:          since.UTC(),
		HorsemenByType: map[string]int{},
	}

	eg, egCtx := errgroup.WithContext(ctx)

	// Each goroutine records its source's newest timestamp in its own slot;
	// the merge into LastActivityAt happens after Wait, on one goroutine.
	sourceLatest := make([]*time.Time, 7)

	eg.Go(func() error {
		rows, err := a.db.Query(
			egCtx,
			`SELECT user_id, connectedness_score, conflict_score, COALESCE(reflection, ''), week_start, created_at
			 FROM weekly_checkins
			 WHERE couple_id = $1 AND created_at >= $2
			 ORDER BY created_at ASC`,
			coupleID,
			activity.Since,
		)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var row checkinRow
			if err := rows.Scan(&row.UserID, &row.Connectedness, &row.Conflict, &row.Reflection, &row.WeekStart, &row.CreatedAt); err != nil {
				return err
			}
			activity.Checkins = append(activity.Checkins, row)
		}
		return rows.Err()
	})

	eg.Go(func() error {
		var latest *time.Time
		err := a.db.QueryRow(
			egCtx,
			`SELECT COUNT(*), MAX(created_at) FROM gratitude_logs
			 WHERE couple_id = $1 AND created_at >= $2`,
			coupleID,
			activity.Since,
		).Scan(&activity.GratitudeCount, &latest)
		if err != nil {
			return err
		}
		sourceLatest[0] = latest
		return nil
	})

	eg.Go(func() error {
		var latest *time.Time
		err := a.db.QueryRow(
			egCtx,
			`SELECT
				COUNT(*) FILTER (WHERE status = 'active'),
				COUNT(*) FILTER (WHERE status = 'completed' AND completed_at >= $2),
				MAX(created_at)
			 FROM shared_goals
			 WHERE couple_id = $1 AND (created_at >= $2 OR completed_at >= $2)`,
			coupleID,
			activity.Since,
		).Scan(&activity.GoalsActive, &activity.GoalsCompleted, &latest)
		if err != nil {
			return err
		}
		sourceLatest[1] = latest
		return nil
	})

	eg.Go(func() error {
		var latest *time.Time
		err := a.db.QueryRow(
			egCtx,
			`SELECT COUNT(*), MAX(created_at) FROM conversations
			 WHERE couple_id = $1 AND created_at >= $2`,
			coupleID,
			activity.Since,
		).Scan(&activity.ConversationCount, &latest)
		if err != nil {
			return err
		}
		sourceLatest[2] = latest
		return nil
	})

	eg.Go(func() error {
		var latest *time.Time
		err := a.db.QueryRow(
			egCtx,
			`SELECT COUNT(*), MAX(last_completed_at) FROM rituals
			 WHERE couple_id = $1 AND last_completed_at >= $2`,
			coupleID,
			activity.Since,
		).Scan(&activity.RitualCount, &latest)
		if err != nil {
			return err
		}
		sourceLatest[3] = latest
		return nil
	})

	eg.Go(func() error {
		var latest *time.Time
		var avgSentiment *float64
		err := a.db.QueryRow(
			egCtx,
			`SELECT COUNT(*), AVG(sentiment_score), MAX(created_at) FROM voice_memos
			 WHERE couple_id = $1 AND created_at >= $2`,
			coupleID,
			activity.Since,
		).Scan(&activity.VoiceMemoCount, &avgSentiment, &latest)
		if err != nil {
			return err
		}
		if avgSentiment != nil {
			activity.AvgSentiment = round1(*avgSentiment)
		}
		sourceLatest[4] = latest
		return nil
	})

	eg.Go(func() error {
		var latest *time.Time
		var minutes *int
		err := a.db.QueryRow(
			egCtx,
			`SELECT COUNT(*), SUM(duration_minutes), MAX(created_at) FROM meditation_sessions
			 WHERE couple_id = $1 AND created_at >= $2`,
			coupleID,
			activity.Since,
		).Scan(&activity.MeditationCount, &minutes, &latest)
		if err != nil {
			return err
		}
		if minutes != nil {
			activity.MeditationMinutes = *minutes
		}
		sourceLatest[5] = latest
		return nil
	})

	eg.Go(func() error {
		rows, err := a.db.Query(
			egCtx,
			`SELECT horseman_type, COUNT(*), MAX(created_at) FROM horsemen_incidents
			 WHERE couple_id = $1 AND created_at >= $2
			 GROUP BY horseman_type`,
			coupleID,
			activity.Since,
		)
		if err != nil {
			return err
		}
		defer rows.Close()
		var newest *time.Time
		for rows.Next() {
			var horseman string
			var count int
			var latest *time.Time
			if err := rows.Scan(&horseman, &count, &latest); err != nil {
				return err
			}
			activity.HorsemenByType[horseman] = count
			if latest != nil && (newest == nil || latest.After(*newest)) {
				newest = latest
			}
		}
		sourceLatest[6] = newest
		return rows.Err()
	})

	if err := eg.Wait(); err != nil {
		return coupleActivity{}, err
	}

	for _, latest := range sourceLatest {
		activity.observeActivityAt(latest)
	}
	for _, row := range activity.Checkins {
		createdAt := row.CreatedAt
		activity.observeActivityAt(&createdAt)
	}
	return activity, nil
}

type checkinStats struct {
	Total             int
	Partner1Count     int
	Partner2Count     int
	AvgConnectedness  float64
	AvgConflict       float64
	AvgConnectednessP [2]float64
	AvgConflictP      [2]float64
	DistinctWeeks     int
	CompletionRate    int
}

// computeCheckinStats partitions check-ins by partner slot. Rows whose
// user_id matches neither stored partner are dropped from both buckets.
// The completion rate is the share of active weeks where both partners
// checked in, clamped to [0,100].
func computeCheckinStats(couple coupleRecord, checkins []checkinRow) checkinStats {
	stats := checkinStats{}
	var sumConn, sumConf float64
	var sumConnP, sumConfP [2]float64
	var countP [2]int
	weekPartners := map[string]map[int]struct{}{}

	for _, row := range checkins {
		slot := partnerSlot(couple, row.UserID)
		if slot == 0 {
			continue
		}
		stats.Total++
		sumConn += float64(row.Connectedness)
		sumConf += float64(row.Conflict)
		sumConnP[slot-1] += float64(row.Connectedness)
		sumConfP[slot-1] += float64(row.Conflict)
		countP[slot-1]++

		weekKey := row.WeekStart.UTC().Format("2006-01-02")
		if weekPartners[weekKey] == nil {
			weekPartners[weekKey] = map[int]struct{}{}
		}
		weekPartners[weekKey][slot] = struct{}{}
	}

	stats.Partner1Count = countP[0]
	stats.Partner2Count = countP[1]
	if stats.Total > 0 {
		stats.AvgConnectedness = round1(sumConn / float64(stats.Total))
		stats.AvgConflict = round1(sumConf / float64(stats.Total))
	}
	for i := 0; i < 2; i++ {
		if countP[i] > 0 {
			stats.AvgConnectednessP[i] = round1(sumConnP[i] / float64(countP[i]))
			stats.AvgConflictP[i] = round1(sumConfP[i] / float64(countP[i]))
		}
	}

	bothWeeks := 0
	for _, partners := range weekPartners {
		if len(partners) == 2 {
			bothWeeks++
		}
	}
	stats.DistinctWeeks = len(weekPartners)
	stats.CompletionRate = percentage(bothWeeks, stats.DistinctWeeks)
	return stats
}

type CoupleAnalytics struct {
	CoupleID          string     `json:"couple_id"`
	Partner1Name      string     `json:"partner1_name"`
	Partner2Name      string     `json:"partner2_name"`
	TotalCheckins     int        `json:"total_checkins"`
	CheckinRate       int        `json:"checkin_rate"`
	AvgConnectedness  float64    `json:"avg_connectedness"`
	AvgConflict       float64    `json:"avg_conflict"`
	GratitudeCount    int        `json:"gratitude_count"`
	GoalsActive       int        `json:"goals_active"`
	GoalsCompleted    int        `json:"goals_completed"`
	ConversationCount int        `json:"conversation_count"`
	RitualCount       int        `json:"ritual_count"`
	VoiceMemoCount    int        `json:"voice_memo_count"`
	MeditationMinutes int        `json:"meditation_minutes"`
	HorsemenTotal     int        `json:"horsemen_incidents"`
	FlaggedPatterns   []string   `json:"flagged_patterns"`
	EngagementScore   int        `json:"engagement_score"`
	LastActivityAt    *time.Time `json:"last_activity_at"`
	Active            bool       `json:"active"`
}

// computeCoupleAnalytics reduces one couple's activity snapshot into the
// dashboard report. It is the single implementation shared by the analytics
// list and session prep.
func computeCoupleAnalytics(couple coupleRecord, activity coupleActivity) CoupleAnalytics {
	stats := computeCheckinStats(couple, activity.Checkins)

	report := CoupleAnalytics{
		CoupleID:          couple.ID,
		Partner1Name:      couple.Partner1Name,
		Partner2Name:      couple.Partner2Name,
		TotalCheckins:     stats.Total,
		CheckinRate:       stats.CompletionRate,
		AvgConnectedness:  stats.AvgConnectedness,
		AvgConflict:       stats.AvgConflict,
		GratitudeCount:    activity.GratitudeCount,
		GoalsActive:       activity.GoalsActive,
		GoalsCompleted:    activity.GoalsCompleted,
		ConversationCount: activity.ConversationCount,
		RitualCount:       activity.RitualCount,
		VoiceMemoCount:    activity.VoiceMemoCount,
		MeditationMinutes: activity.MeditationMinutes,
		HorsemenTotal:     horsemenTotalCount(activity.HorsemenByType),
		FlaggedPatterns:   flaggedHorsemenPatterns(activity.HorsemenByType),
		EngagementScore:   engagementScore(activity),
		LastActivityAt:    activity.LastActivityAt,
		Active:            activity.total() > 0,
	}
	return report
}

// flaggedHorsemenPatterns lists destructive communication patterns that
// crossed the incident threshold inside the window, in stable order.
func flaggedHorsemenPatterns(byType map[string]int) []string {
	flagged := make([]string, 0, len(byType))
	for horseman, count := range byType {
		if count >= horsemenPatternThreshold {
			flagged = append(flagged, horseman)
		}
	}
	sort.Strings(flagged)
	return flagged
}

// engagementScore is a weighted sum of five activity ratios. The denominators
// are the expected monthly cadence for each exercise; each term saturates at
// its weight so one hyperactive category cannot mask neglect of the rest.
func engagementScore(activity coupleActivity) int {
	score := ratioTerm(len(activity.Checkins), 8, 30) +
		ratioTerm(activity.GratitudeCount, 12, 20) +
		ratioTerm(activity.GoalsCompleted, 4, 20) +
		ratioTerm(activity.ConversationCount, 6, 15) +
		ratioTerm(activity.RitualCount, 10, 15)
	return clampInt(score, 0, 100)
}

func ratioTerm(count, denominator, weight int) int {
	if denominator < 1 {
		denominator = 1
	}
	ratio := clampFloat(float64(count)/float64(denominator), 0, 1)
	return int(ratio*float64(weight) + 0.5)
}

// activitySummary maps display metric names to window counts for prompt
// rendering.
func activitySummary(activity coupleActivity) []summaryMetric {
	return []summaryMetric{
		{"Weekly Check-ins", len(activity.Checkins)},
		{"Gratitude Log", activity.GratitudeCount},
		{"Goals Completed", activity.GoalsCompleted},
		{"Guided Conversations", activity.ConversationCount},
		{"Connection Rituals", activity.RitualCount},
		{"Voice Memos", activity.VoiceMemoCount},
		{"Meditation Sessions", activity.MeditationCount},
		{"Four Horsemen Incidents", horsemenTotalCount(activity.HorsemenByType)},
	}
}

type summaryMetric struct {
	Name  string
	Count int
}

func horsemenTotalCount(byType map[string]int) int {
	total := 0
	for _, count := range byType {
		total += count
	}
	return total
}
