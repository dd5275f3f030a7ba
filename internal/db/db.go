package db

import (
	"context"
	"net/url"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Supabase connection strings copied from the dashboard often carry query
// parameters meant for other drivers; anything pgx does not understand is
// stripped before the pool is built.
var supportedPGQueryKeys = map[string]struct{}{
	"application_name":     {},
	"channel_binding":      {},
	"client_encoding":      {},
	"connect_timeout":      {},
	"gssencmode":           {},
	"keepalives":           {},
	"keepalives_count":     {},
	"keepalives_idle":      {},
	"keepalives_interval":  {},
	"options":              {},
	"passfile":             {},
	"pool_max_conns":       {},
	"pool_min_conns":       {},
	"service":              {},
	"sslcert":              {},
	"sslkey":               {},
	"sslmode":              {},
	"sslpassword":          {},
	"sslrootcert":          {},
	"target_session_attrs": {},
}

func Connect(ctx context.Context, rawURL string) (*pgxpool.Pool, error) {
	normalized := NormalizeDatabaseURL(rawURL)
	cfg, err := pgxpool.ParseConfig(normalized)
	if err != nil {
		return nil, err
	}
	return pgxpool.NewWithConfig(ctx, cfg)
}

func NormalizeDatabaseURL(rawURL string) string {
	normalized := strings.TrimSpace(rawURL)
	for _, prefix := range []string{"postgresql+psycopg://", "postgresql://"} {
		if strings.HasPrefix(normalized, prefix) {
			normalized = "postgres://" + normalized[len(prefix):]
			break
		}
	}

	parsed, err := url.Parse(normalized)
	if err != nil {
		return normalized
	}
	if parsed.Scheme != "postgres" {
		return normalized
	}

	queries := parsed.Query()
	filtered := make(url.Values)
	for key, values := range queries {
		if _, ok := supportedPGQueryKeys[key]; ok {
			for _, v := range values {
				filtered.Add(key, v)
			}
		}
	}
	parsed.RawQuery = filtered.Encode()
	return parsed.String()
}
