package server

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// requiredTables are the Supabase-owned tables this service reads or writes.
// The schema itself is managed by Supabase migrations; the check only fails
// fast when the service is pointed at the wrong database.
var requiredTables = []string{
	"profiles",
	"couples",
	"weekly_checkins",
	"gratitude_logs",
	"shared_goals",
	"conversations",
	"conversation_steps",
	"rituals",
	"voice_memos",
	"meditation_sessions",
	"horsemen_incidents",
	"echo_sessions",
	"therapist_comments",
	"date_night_ideas",
}

func ValidateRuntimeSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return fmt.Errorf("database pool is nil")
	}

	missing := make([]string, 0)
	for _, table := range requiredTables {
		ok, err := tableExists(ctx, pool, table)
		if err != nil {
			return fmt.Errorf("failed checking schema for table %s: %w", table, err)
		}
		if !ok {
			missing = append(missing, table)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf(
			"required tables missing: %s; apply the supabase migrations first",
			strings.Join(missing, ", "),
		)
	}
	return nil
}

func tableExists(ctx context.Context, pool *pgxpool.Pool, tableName string) (bool, error) {
	table := strings.TrimSpace(tableName)
	if table == "" {
		return false, fmt.Errorf("table must not be empty")
	}
	var exists bool
	err := pool.QueryRow(
		ctx,
		`SELECT EXISTS (
		   SELECT 1
		   FROM information_schema.tables
		   WHERE table_schema = current_schema()
		     AND lower(table_name) = lower($1)
		 )`,
		table,
	).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}
