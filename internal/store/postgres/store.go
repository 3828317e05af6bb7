package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/lib/pq"

	"maillog/internal/logger"
	"maillog/pkg/models"
)

const (
	tableLogs     = "mail_logs"
	tableMessages = "mail_log_messages"
	tableStatuses = "mail_log_statuses"
)

// SQL queries. Tables are schema-qualified per tenant namespace.
const (
	searchNoQueueQuery = `
		SELECT id FROM %s.%s
		WHERE host=$1 AND sender=$2 AND recipient=$3 AND process_start=$4 AND queued_as=$5 AND message_id=$6`

	insertLogQuery = `
		INSERT INTO %s.%s (host, sender, recipient, process_start, queued_as, message_id)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`

	updateLogQuery = `
		UPDATE %s.%s SET host=$1, sender=$2, recipient=$3, process_start=$4, queued_as=$5, message_id=$6
		WHERE id=$7 RETURNING id`

	searchMessageQuery = `
		SELECT id FROM %s.%s WHERE mail_log_id=$1 AND content=$2 AND log_time=$3`

	insertMessageQuery = `
		INSERT INTO %s.%s (mail_log_id, content, log_time) VALUES ($1, $2, $3) RETURNING id`

	searchStatusQuery = `
		SELECT id FROM %s.%s WHERE mail_log_id=$1 AND recipient=$2 AND queue_id=$3`

	insertStatusQuery = `
		INSERT INTO %s.%s (mail_log_id, recipient, status, relay, log_time, mail_log_message_id, queue_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`

	updateStatusQuery = `
		UPDATE %s.%s SET status=$1, relay=$2, log_time=$3, mail_log_message_id=$4, queue_id=$5
		WHERE id=$6 RETURNING id`
)

var schemaNameRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Stager re-persists a record into the staging store after a status row
// lands, so a replayed line does not produce a duplicate write.
type Stager interface {
	Put(ctx context.Context, rec *models.Record) error
}

// Store writes finalized records into the three related tables. Every
// statement runs in its own short transaction; a failing statement is
// logged and abandoned without stopping the remaining work, so partial
// persistence is a tolerated outcome recoverable by replaying the log.
type Store struct {
	db *sql.DB
}

// NewStore wraps an open database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

type logRow struct {
	id           int64
	recipient    sql.NullString
	processStart sql.NullTime
	queuedAs     pq.StringArray
	messageID    sql.NullString
}

// SaveRecord persists one finalized record. Ignored transactions are
// locally generated system mail and are dropped without a row.
func (s *Store) SaveRecord(ctx context.Context, rec *models.Record, stager Stager) {
	if !schemaNameRe.MatchString(rec.Schema) {
		logger.Errorf("Refusing unsafe schema name %q for record %s", rec.Schema, rec.Key)
		return
	}

	var (
		id  int64
		err error
	)
	switch rec.Stage {
	case models.StageIgnored:
		logger.Debugf("Skipping ignored transaction %s", rec.Key)
		return
	case models.StageNoQueue:
		id, err = s.upsertNoQueue(ctx, rec)
	default:
		id, err = s.upsertTransaction(ctx, rec)
	}
	if err != nil {
		logger.Fatalf("Save transaction %s: %v", rec.Key, err)
		return
	}

	for _, addr := range rec.RecipientList() {
		s.saveRecipient(ctx, rec, id, addr, stager)
	}
}

// saveRecipient writes the message row and status row for one recipient.
func (s *Store) saveRecipient(ctx context.Context, rec *models.Record, logID int64, addr string, stager Stager) {
	detail := rec.Recipients[addr]
	if detail == nil || detail.Saved {
		return
	}

	messageID, err := s.upsertMessage(ctx, rec.Schema, logID, detail)
	if err != nil {
		logger.Fatalf("Save message for %s recipient %s: %v", rec.Key, addr, err)
		return
	}

	if err := s.upsertStatus(ctx, rec.Schema, logID, messageID, addr, detail, rec.Key); err != nil {
		logger.Fatalf("Save status for %s recipient %s: %v", rec.Key, addr, err)
		return
	}

	detail.Saved = true
	if stager != nil && rec.Key != models.NoQueueKey {
		if err := stager.Put(ctx, rec); err != nil {
			logger.Errorf("Restage record %s after status write: %v", rec.Key, err)
		}
	}
}

// upsertNoQueue uses an exact-match search before inserting: no-queue
// transactions never acquire a message id and must not be merged with
// unrelated rows through the OR search.
func (s *Store) upsertNoQueue(ctx context.Context, rec *models.Record) (int64, error) {
	recipient := strings.Join(rec.RecipientList(), ",")
	queuedAs := pq.Array([]string{rec.Key})
	start := dbTime(rec.Time)

	var id int64
	query := fmt.Sprintf(searchNoQueueQuery, rec.Schema, tableLogs)
	err := s.db.QueryRowContext(ctx, query, rec.Host, rec.FromValue(), recipient, start, queuedAs, "").Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("search noqueue row: %w", err)
	}

	query = fmt.Sprintf(insertLogQuery, rec.Schema, tableLogs)
	return s.execReturningID(ctx, query, rec.Host, rec.FromValue(), recipient, start, queuedAs, "")
}

// upsertTransaction finds or creates the transaction row. The three-way
// OR search is required because an existing row may be known only by its
// own queue id, its message id, or a successor queue id, depending on
// which lines arrived before the row was created.
func (s *Store) upsertTransaction(ctx context.Context, rec *models.Record) (int64, error) {
	messageID := rec.MessageIDValue()
	recipients := rec.RecipientList()
	queuedAs := append([]string{rec.Key}, rec.QueuedAs...)
	start := dbTime(rec.Time)

	row, err := s.searchLog(ctx, rec.Schema, rec.Key, messageID, rec.QueuedAs)
	if err != nil {
		return 0, err
	}

	if row == nil {
		query := fmt.Sprintf(insertLogQuery, rec.Schema, tableLogs)
		return s.execReturningID(ctx, query,
			rec.Host, rec.FromValue(), strings.Join(recipients, ","), start,
			pq.Array(uniqueStrings(queuedAs)), messageID)
	}

	// Merge into the existing row: arrays and the recipient list only
	// grow, process_start keeps the earliest value, and a stored message
	// id survives an empty incoming one.
	if row.recipient.Valid && row.recipient.String != "" {
		recipients = append(strings.Split(row.recipient.String, ","), recipients...)
	}
	queuedAs = append(queuedAs, row.queuedAs...)
	if messageID == "" && row.messageID.Valid {
		messageID = row.messageID.String
	}
	if row.processStart.Valid && row.processStart.Time.Before(start) {
		start = dbTime(row.processStart.Time)
	}

	query := fmt.Sprintf(updateLogQuery, rec.Schema, tableLogs)
	return s.execReturningID(ctx, query,
		rec.Host, rec.FromValue(), strings.Join(uniqueStrings(recipients), ","), start,
		pq.Array(uniqueStrings(queuedAs)), messageID, row.id)
}

// searchLog runs the OR search, most recent row first.
func (s *Store) searchLog(ctx context.Context, schema, key, messageID string, queuedAs []string) (*logRow, error) {
	query := fmt.Sprintf(`SELECT id, recipient, process_start, queued_as, message_id FROM %s.%s WHERE $1 = ANY(queued_as)`, schema, tableLogs)
	args := []interface{}{key}

	if messageID != "" {
		args = append(args, messageID)
		query += fmt.Sprintf(" OR message_id = $%d", len(args))
	}
	if len(queuedAs) > 0 {
		args = append(args, pq.Array(queuedAs))
		query += fmt.Sprintf(" OR queued_as && $%d", len(args))
	}
	query += " ORDER BY id DESC LIMIT 1"

	var row logRow
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&row.id, &row.recipient, &row.processStart, &row.queuedAs, &row.messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("search transaction row: %w", err)
	}
	return &row, nil
}

// upsertMessage stores the raw line content once per transaction; rows
// are content-addressed and immutable.
func (s *Store) upsertMessage(ctx context.Context, schema string, logID int64, detail *models.Detail) (int64, error) {
	logTime := dbTime(detail.Time)

	var id int64
	query := fmt.Sprintf(searchMessageQuery, schema, tableMessages)
	err := s.db.QueryRowContext(ctx, query, logID, detail.Message, logTime).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("search message row: %w", err)
	}

	query = fmt.Sprintf(insertMessageQuery, schema, tableMessages)
	return s.execReturningID(ctx, query, logID, detail.Message, logTime)
}

// upsertStatus writes one delivery outcome keyed by transaction,
// recipient and originating queue id, so a redelivery under a new queue
// id gets its own row while replays update in place.
func (s *Store) upsertStatus(ctx context.Context, schema string, logID, messageID int64, addr string, detail *models.Detail, attemptKey string) error {
	var id int64
	query := fmt.Sprintf(searchStatusQuery, schema, tableStatuses)
	err := s.db.QueryRowContext(ctx, query, logID, addr, attemptKey).Scan(&id)
	logTime := dbTime(detail.Time)

	if err == nil {
		query = fmt.Sprintf(updateStatusQuery, schema, tableStatuses)
		_, err = s.execReturningID(ctx, query, detail.Status, detail.Relay, logTime, messageID, attemptKey, id)
		return err
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("search status row: %w", err)
	}

	query = fmt.Sprintf(insertStatusQuery, schema, tableStatuses)
	_, err = s.execReturningID(ctx, query, logID, addr, detail.Status, detail.Relay, logTime, messageID, attemptKey)
	return err
}

// execReturningID runs one write statement in its own transaction scope.
func (s *Store) execReturningID(ctx context.Context, query string, args ...interface{}) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var id int64
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("execute write: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit write: %w", err)
	}
	return id, nil
}

func dbTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
