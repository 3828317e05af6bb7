package postgres

import (
	"context"
	"fmt"
)

// EnsureSchema creates the tenant schema and the three tables if they do
// not exist yet.
func (s *Store) EnsureSchema(ctx context.Context, schema string) error {
	if !schemaNameRe.MatchString(schema) {
		return fmt.Errorf("unsafe schema name %q", schema)
	}

	statements := []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, schema),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s.%s (
				id            BIGSERIAL PRIMARY KEY,
				host          TEXT,
				sender        TEXT,
				recipient     TEXT,
				process_start TIMESTAMP,
				queued_as     TEXT[] NOT NULL DEFAULT '{}',
				message_id    TEXT
			)`, schema, tableLogs),
		fmt.Sprintf(`
			CREATE INDEX IF NOT EXISTS %s_queued_as_idx ON %s.%s USING GIN (queued_as)`,
			tableLogs, schema, tableLogs),
		fmt.Sprintf(`
			CREATE INDEX IF NOT EXISTS %s_message_id_idx ON %s.%s (message_id)`,
			tableLogs, schema, tableLogs),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s.%s (
				id          BIGSERIAL PRIMARY KEY,
				mail_log_id BIGINT REFERENCES %s.%s (id),
				content     TEXT,
				log_time    TIMESTAMP
			)`, schema, tableMessages, schema, tableLogs),
		fmt.Sprintf(`
			CREATE INDEX IF NOT EXISTS %s_log_idx ON %s.%s (mail_log_id)`,
			tableMessages, schema, tableMessages),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s.%s (
				id                  BIGSERIAL PRIMARY KEY,
				mail_log_id         BIGINT REFERENCES %s.%s (id),
				recipient           TEXT,
				status              TEXT,
				relay               TEXT,
				log_time            TIMESTAMP,
				mail_log_message_id BIGINT REFERENCES %s.%s (id),
				queue_id            TEXT
			)`, schema, tableStatuses, schema, tableLogs, schema, tableMessages),
		fmt.Sprintf(`
			CREATE INDEX IF NOT EXISTS %s_attempt_idx ON %s.%s (mail_log_id, recipient, queue_id)`,
			tableStatuses, schema, tableStatuses),
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema %s: %w", schema, err)
		}
	}
	return nil
}
