package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/log"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/opentelemetry"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/outbox"
)

const (
	defaultTableName       = "outbox_events"
	maxSQLIdentifierLength = 63
	recordColumns          = "id, event_type, payload, status, retry_count, last_attempt, processing_started_at, error, created_at, updated_at, published_at"
	selectColumns          = "id::text, event_type, payload, status, retry_count, last_attempt, processing_started_at, error, created_at, updated_at, published_at"
)

var (
	ErrConnectionRequired = errors.New("outbox postgres: connection is required")
	ErrInvalidIdentifier  = errors.New("outbox postgres: invalid sql identifier")
	ErrLimitNotPositive   = errors.New("outbox postgres: limit must be greater than zero")
	identifierPattern     = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
)

// DB is the query surface shared by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var _ outbox.Repository = (*Repository)(nil)

type Option func(*Repository)

// WithLogger sets the repository logger.
func WithLogger(logger log.Logger) Option {
	return func(repo *Repository) { repo.logger = log.OrNop(logger) }
}

// WithTableName overrides the table, optionally schema-qualified.
func WithTableName(tableName string) Option {
	return func(repo *Repository) { repo.tableName = strings.TrimSpace(tableName) }
}

// Repository persists outbox records in PostgreSQL.
type Repository struct {
	db        DB
	logger    log.Logger
	tableName string
	table     string
}

// NewRepository creates a PostgreSQL outbox repository over db.
func NewRepository(db DB, opts ...Option) (*Repository, error) {
	if db == nil {
		return nil, ErrConnectionRequired
	}

	repo := &Repository{db: db, logger: log.NewNop(), tableName: defaultTableName}

	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}

	if repo.tableName == "" {
		repo.tableName = defaultTableName
	}

	if err := validateIdentifierPath(repo.tableName); err != nil {
		return nil, fmt.Errorf("table name: %w", err)
	}

	repo.table = quoteIdentifierPath(repo.tableName)

	return repo, nil
}

// Schema returns the DDL for the outbox table and its polling indexes.
func (repo *Repository) Schema() string {
	index := strings.ReplaceAll(repo.tableName, ".", "_")

	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]s (
	id UUID PRIMARY KEY,
	event_type VARCHAR(255) NOT NULL,
	payload BYTEA NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','processing','published','failed')),
	retry_count INT NOT NULL DEFAULT 0,
	last_attempt TIMESTAMPTZ,
	processing_started_at TIMESTAMPTZ,
	error VARCHAR(512),
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	published_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS %[2]s ON %[1]s (status, created_at);
CREATE INDEX IF NOT EXISTS %[3]s ON %[1]s (status, processing_started_at);`,
		repo.table,
		quoteIdentifier(index+"_status_created_idx"),
		quoteIdentifier(index+"_status_processing_idx"))
}

// EnsureSchema creates the table and indexes when missing.
func (repo *Repository) EnsureSchema(ctx context.Context) error {
	if _, err := repo.db.Exec(ctx, repo.Schema()); err != nil {
		return fmt.Errorf("ensure outbox schema: %w", err)
	}

	return nil
}

// Insert stores record using the repository connection.
func (repo *Repository) Insert(ctx context.Context, record *outbox.Record) error {
	return repo.InsertTx(ctx, repo.db, record)
}

// InsertTx stores record through tx, typically the transaction of the
// state change the record describes.
func (repo *Repository) InsertTx(ctx context.Context, tx DB, record *outbox.Record) error {
	if record == nil {
		return outbox.ErrRecordRequired
	}

	if tx == nil {
		return ErrConnectionRequired
	}

	ctx, span := reliability.NewTrackingFromContext(ctx).Tracer.Start(ctx, "postgres.outbox.insert")
	defer span.End()

	query := "INSERT INTO " + repo.table + " (" + recordColumns + ") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)"

	_, err := tx.Exec(ctx, query,
		record.ID, record.EventType, record.Payload, string(record.Status), record.RetryCount,
		record.LastAttempt, record.ProcessingStartedAt, nullableString(record.Error),
		record.CreatedAt, record.UpdatedAt, record.PublishedAt)
	if err != nil {
		opentelemetry.HandleSpanError(&span, "failed to insert outbox record", err)
		return fmt.Errorf("inserting outbox record: %w", err)
	}

	return nil
}

func (repo *Repository) FindPending(ctx context.Context, limit, maxRetries int) ([]*outbox.Record, error) {
	if limit <= 0 {
		return nil, ErrLimitNotPositive
	}

	ctx, span := reliability.NewTrackingFromContext(ctx).Tracer.Start(ctx, "postgres.outbox.find_pending")
	defer span.End()

	query := "SELECT " + selectColumns + " FROM " + repo.table +
		" WHERE status = $1 AND retry_count < $2 ORDER BY created_at ASC LIMIT $3"

	records, err := repo.query(ctx, query, limit, outbox.StatusPending, maxRetries, limit)
	if err != nil {
		opentelemetry.HandleSpanError(&span, "failed to list pending outbox records", err)
		return nil, err
	}

	return records, nil
}

func (repo *Repository) Claim(ctx context.Context, id string, expectedRetryCount int, now time.Time) (bool, error) {
	query := "UPDATE " + repo.table +
		" SET status = $1, processing_started_at = $2, last_attempt = $2, updated_at = $2" +
		" WHERE id = $3 AND status = $4 AND retry_count = $5"

	return repo.conditional(ctx, "postgres.outbox.claim", query,
		outbox.StatusProcessing, now, id, outbox.StatusPending, expectedRetryCount)
}

func (repo *Repository) MarkPublished(ctx context.Context, id string, now time.Time) (bool, error) {
	query := "UPDATE " + repo.table +
		" SET status = $1, published_at = $2, updated_at = $2, processing_started_at = NULL, error = NULL" +
		" WHERE id = $3 AND status = $4"

	return repo.conditional(ctx, "postgres.outbox.mark_published", query,
		outbox.StatusPublished, now, id, outbox.StatusProcessing)
}

func (repo *Repository) MarkFailed(ctx context.Context, id string, expectedRetryCount int, errMsg string, now time.Time) (bool, error) {
	query := "UPDATE " + repo.table +
		" SET status = $1, retry_count = retry_count + 1, error = $2, last_attempt = $3, updated_at = $3, processing_started_at = NULL" +
		" WHERE id = $4 AND status = $5 AND retry_count = $6"

	return repo.conditional(ctx, "postgres.outbox.mark_failed", query,
		outbox.StatusFailed, errMsg, now, id, outbox.StatusProcessing, expectedRetryCount)
}

func (repo *Repository) ResetStuck(ctx context.Context, processingBefore time.Time) (int64, error) {
	query := "UPDATE " + repo.table +
		" SET status = $1, processing_started_at = NULL, updated_at = now()" +
		" WHERE status = $2 AND processing_started_at < $3"

	return repo.exec(ctx, "postgres.outbox.reset_stuck", query,
		outbox.StatusPending, outbox.StatusProcessing, processingBefore)
}

func (repo *Repository) ResetFailedForRetry(ctx context.Context, failedBefore time.Time, maxRetries, limit int) (int64, error) {
	if limit <= 0 {
		return 0, ErrLimitNotPositive
	}

	query := "UPDATE " + repo.table + " SET status = $1, updated_at = now()" +
		" WHERE id IN (SELECT id FROM " + repo.table +
		" WHERE status = $2 AND retry_count < $3 AND last_attempt < $4" +
		" ORDER BY created_at ASC LIMIT $5 FOR UPDATE SKIP LOCKED)"

	return repo.exec(ctx, "postgres.outbox.reset_failed", query,
		outbox.StatusPending, outbox.StatusFailed, maxRetries, failedBefore, limit)
}

func (repo *Repository) CountFailed(ctx context.Context, maxRetries int) (int64, error) {
	ctx, span := reliability.NewTrackingFromContext(ctx).Tracer.Start(ctx, "postgres.outbox.count_failed")
	defer span.End()

	var n int64

	query := "SELECT count(*) FROM " + repo.table + " WHERE status = $1 AND retry_count >= $2"
	if err := repo.db.QueryRow(ctx, query, outbox.StatusFailed, maxRetries).Scan(&n); err != nil {
		opentelemetry.HandleSpanError(&span, "failed to count failed outbox records", err)
		return 0, fmt.Errorf("counting failed outbox records: %w", err)
	}

	return n, nil
}

// Get returns the record with id, or outbox.ErrRecordNotFound.
func (repo *Repository) Get(ctx context.Context, id string) (*outbox.Record, error) {
	row := repo.db.QueryRow(ctx, "SELECT "+selectColumns+" FROM "+repo.table+" WHERE id = $1", id)

	record, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, outbox.ErrRecordNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("getting outbox record: %w", err)
	}

	return record, nil
}

func (repo *Repository) conditional(ctx context.Context, spanName, query string, args ...any) (bool, error) {
	n, err := repo.exec(ctx, spanName, query, args...)

	return n == 1, err
}

func (repo *Repository) exec(ctx context.Context, spanName, query string, args ...any) (int64, error) {
	ctx, span := reliability.NewTrackingFromContext(ctx).Tracer.Start(ctx, spanName)
	defer span.End()

	tag, err := repo.db.Exec(ctx, query, normalizeArgs(args)...)
	if err != nil {
		opentelemetry.HandleSpanError(&span, "outbox update failed", err)
		repo.logger.Log(ctx, log.LevelError, "outbox postgres update failed",
			log.String("operation", spanName), log.String("error", log.SanitizeValue(err.Error())))

		return 0, fmt.Errorf("%s: %w", spanName, err)
	}

	return tag.RowsAffected(), nil
}

func (repo *Repository) query(ctx context.Context, query string, capacity int, args ...any) ([]*outbox.Record, error) {
	rows, err := repo.db.Query(ctx, query, normalizeArgs(args)...)
	if err != nil {
		return nil, fmt.Errorf("querying outbox records: %w", err)
	}

	defer rows.Close()

	records := make([]*outbox.Record, 0, capacity)

	for rows.Next() {
		record, scanErr := scanRecord(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scanning outbox record: %w", scanErr)
		}

		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	return records, nil
}

func scanRecord(row pgx.Row) (*outbox.Record, error) {
	var (
		record outbox.Record
		status string
		errMsg *string
	)

	err := row.Scan(&record.ID, &record.EventType, &record.Payload, &status, &record.RetryCount,
		&record.LastAttempt, &record.ProcessingStartedAt, &errMsg,
		&record.CreatedAt, &record.UpdatedAt, &record.PublishedAt)
	if err != nil {
		return nil, err
	}

	record.Status = outbox.Status(status)

	if errMsg != nil {
		record.Error = *errMsg
	}

	return &record, nil
}

// normalizeArgs turns outbox.Status values into plain strings for the
// driver's text encoding.
func normalizeArgs(args []any) []any {
	out := make([]any, len(args))

	for i, arg := range args {
		if status, ok := arg.(outbox.Status); ok {
			out[i] = string(status)
			continue
		}

		out[i] = arg
	}

	return out
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}

	return &s
}

func validateIdentifier(identifier string) error {
	if len(identifier) > maxSQLIdentifierLength || !identifierPattern.MatchString(identifier) {
		return ErrInvalidIdentifier
	}

	return nil
}

func validateIdentifierPath(path string) error {
	for _, part := range strings.Split(path, ".") {
		if err := validateIdentifier(strings.TrimSpace(part)); err != nil {
			return err
		}
	}

	return nil
}

func quoteIdentifierPath(path string) string {
	parts := strings.Split(path, ".")
	quoted := make([]string, 0, len(parts))

	for _, part := range parts {
		quoted = append(quoted, quoteIdentifier(strings.TrimSpace(part)))
	}

	return strings.Join(quoted, ".")
}

func quoteIdentifier(identifier string) string {
	identifier = strings.ReplaceAll(identifier, "\x00", "")

	return "\"" + strings.ReplaceAll(identifier, "\"", "\"\"") + "\""
}
