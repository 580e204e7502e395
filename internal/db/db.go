package db

import (
	"context"
	"database/sql"
	"net/url"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

func Init(ctx context.Context, dbPath string) (*sql.DB, error) {
	dsn := formatDBPath(dbPath)

	instance, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Error().Err(err).Msg("failed to open database")
		return nil, err
	}

	if err := instance.PingContext(ctx); err != nil {
		log.Error().Err(err).Msg("failed to ping database")
		return nil, err
	}

	log.Debug().Msg("database connection successful")

	if err := migrate(ctx, instance); err != nil {
		log.Error().Err(err).Msg("failed to run migrations")
		return nil, err
	}

	log.Info().Msg("migrations completed successfully")
	return instance, nil
}

func formatDBPath(path string) string {
	// Add pragmas for better performance and safety
	// See: https://pkg.go.dev/modernc.org/sqlite#pkg-overview
	params := url.Values{}
	params.Set("cache", "shared")
	params.Set("mode", "rwc")
	params.Set("_time_format", "sqlite")
	params.Set("_pragma", "foreign_keys(1)")
	params.Add("_pragma", "journal_mode(WAL)")
	params.Add("_pragma", "synchronous(NORMAL)")
	params.Set("_busy_timeout", "5000")

	return "file:" + path + "?" + params.Encode()
}

func migrate(ctx context.Context, db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS links (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		owner_id TEXT NOT NULL,
		slug TEXT UNIQUE NOT NULL,
		destination TEXT NOT NULL,
		link_type TEXT NOT NULL DEFAULT 'url',
		asset_ref TEXT NOT NULL DEFAULT '',
		rules TEXT NOT NULL DEFAULT '{}',
		webhook_target TEXT NOT NULL DEFAULT '',
		active INTEGER NOT NULL DEFAULT 1,
		style_meta TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS scan_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		link_id INTEGER NOT NULL,
		source_ip TEXT,
		client_signature TEXT,
		device_class TEXT,
		geo_city TEXT,
		geo_country TEXT,
		occurred_at TEXT NOT NULL,
		FOREIGN KEY(link_id) REFERENCES links(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS leads (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		link_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		email TEXT NOT NULL,
		submitted_at TEXT NOT NULL,
		FOREIGN KEY(link_id) REFERENCES links(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS bulk_jobs (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'queued',
		input_ref TEXT NOT NULL,
		base_template TEXT NOT NULL DEFAULT '',
		style_config TEXT NOT NULL DEFAULT '{}',
		processed_count INTEGER NOT NULL DEFAULT 0,
		output_ref TEXT NOT NULL DEFAULT '',
		error_detail TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_links_slug ON links(slug);
	CREATE INDEX IF NOT EXISTS idx_scan_events_link_id ON scan_events(link_id);
	CREATE INDEX IF NOT EXISTS idx_scan_events_occurred_at ON scan_events(occurred_at);
	CREATE INDEX IF NOT EXISTS idx_leads_link_id ON leads(link_id);
	CREATE INDEX IF NOT EXISTS idx_bulk_jobs_owner_id ON bulk_jobs(owner_id);
	`

	_, err := db.ExecContext(ctx, schema)
	return err
}
