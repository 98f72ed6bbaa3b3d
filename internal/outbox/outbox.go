// Package outbox is the durable queue of mutations awaiting delivery to the
// remote API.
//
// Entries live in the outbox table of the local SQLite store and are
// delivered in ascending id order by the sync engine. An entry is only ever
// removed by MarkSuccess; failures bump try_count and record last_error.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/anaemia-care/fieldsync/internal/metrics"
)

// Op is the kind of mutation an entry carries.
type Op string

const (
	OpCreate       Op = "CREATE"
	OpUpdate       Op = "UPDATE"
	OpScreening    Op = "SCREENING"
	OpIntervention Op = "INTERVENTION"
	OpReferral     Op = "REFERRAL"
)

// Entity is the logical target collection of an entry.
type Entity string

const (
	EntityBeneficiaries Entity = "beneficiaries"
	EntityScreenings    Entity = "screenings"
	EntityInterventions Entity = "interventions"
	EntityFollowUps     Entity = "followups"
)

// ErrUnknownRoute is returned by EnqueueStrict for an op/entity pair that no
// delivery path handles.
var ErrUnknownRoute = errors.New("unknown outbox route")

// Entry is one queued mutation.
type Entry struct {
	ID        int64           `json:"id"`
	Op        Op              `json:"op"`
	Entity    Entity          `json:"entity"`
	Payload   json.RawMessage `json:"payload"`
	TryCount  int             `json:"try_count"`
	LastError *string         `json:"last_error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Queue is the outbox backed by the local store's connection.
type Queue struct {
	db      *sql.DB
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates a queue on conn, which must already carry the outbox table
// (see db.InitSchema). logger and m may be nil.
func New(conn *sql.DB, logger *zap.Logger, m *metrics.Metrics) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		db:      conn,
		logger:  logger.Named("outbox"),
		metrics: m,
		now:     time.Now,
	}
}

// Enqueue appends a mutation. Failures to encode or persist are logged and
// swallowed; the returned id is 0 in that case. Callers on the user's write
// path must not fail because the queue could not be written.
func (q *Queue) Enqueue(ctx context.Context, op Op, entity Entity, payload any) int64 {
	id, err := q.EnqueueStrict(ctx, op, entity, payload)
	if err != nil {
		q.metrics.IncEnqueueError()
		q.logger.Error("enqueue failed",
			zap.String("op", string(op)),
			zap.String("entity", string(entity)),
			zap.Error(err))
		return 0
	}
	return id
}

// EnqueueStrict appends a mutation and reports any failure. Only Routes
// are accepted.
func (q *Queue) EnqueueStrict(ctx context.Context, op Op, entity Entity, payload any) (int64, error) {
	if !(Route{Op: op, Entity: entity}).Known() {
		return 0, fmt.Errorf("%w: %s/%s", ErrUnknownRoute, op, entity)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to encode payload: %w", err)
	}

	now := formatTime(q.now())
	result, err := q.db.ExecContext(ctx, `
		INSERT INTO outbox (op, entity, payload, try_count, last_error, created_at, updated_at)
		VALUES (?, ?, ?, 0, NULL, ?, ?)
	`, string(op), string(entity), string(data), now, now)
	if err != nil {
		return 0, fmt.Errorf("failed to insert outbox entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get outbox id: %w", err)
	}

	q.metrics.IncEnqueued(string(op))
	q.logger.Debug("enqueued",
		zap.Int64("id", id),
		zap.String("op", string(op)),
		zap.String("entity", string(entity)))
	return id, nil
}

// PeekPending returns up to limit entries in ascending id order without
// modifying them.
func (q *Queue) PeekPending(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, nil
	}
	return q.list(ctx, limit)
}

// List returns entries in ascending id order; limit <= 0 returns all.
func (q *Queue) List(ctx context.Context, limit int) ([]Entry, error) {
	return q.list(ctx, limit)
}

func (q *Queue) list(ctx context.Context, limit int) ([]Entry, error) {
	query := `
		SELECT id, op, entity, payload, try_count, last_error, created_at, updated_at
		FROM outbox
		ORDER BY id ASC
	`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e         Entry
			op        string
			entity    string
			payload   string
			lastError sql.NullString
			createdAt string
			updatedAt string
		)
		if err := rows.Scan(&e.ID, &op, &entity, &payload, &e.TryCount, &lastError, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox entry: %w", err)
		}
		e.Op = Op(op)
		e.Entity = Entity(entity)
		e.Payload = json.RawMessage(payload)
		if lastError.Valid {
			msg := lastError.String
			e.LastError = &msg
		}
		e.CreatedAt = parseTime(createdAt)
		e.UpdatedAt = parseTime(updatedAt)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox: %w", err)
	}
	return entries, nil
}

// MarkSuccess removes a delivered entry. Removing an id that no longer
// exists is not an error.
func (q *Queue) MarkSuccess(ctx context.Context, id int64) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete outbox entry %d: %w", id, err)
	}
	return nil
}

// MarkFailure records a failed delivery attempt. The entry is kept.
func (q *Queue) MarkFailure(ctx context.Context, id int64, msg string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE outbox
		SET try_count = try_count + 1, last_error = ?, updated_at = ?
		WHERE id = ?
	`, msg, formatTime(q.now()), id)
	if err != nil {
		return fmt.Errorf("failed to record outbox failure %d: %w", id, err)
	}
	return nil
}

// Count returns the number of entries awaiting delivery.
func (q *Queue) Count(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count outbox: %w", err)
	}
	return n, nil
}

// Stats summarizes the queue for status displays.
type Stats struct {
	Pending     int        `json:"pending"`
	Failing     int        `json:"failing"`
	MaxTries    int        `json:"max_tries"`
	OldestEntry *time.Time `json:"oldest_entry,omitempty"`
}

// Stats returns queue depth, how many entries have failed at least once,
// the highest try count and the age of the oldest entry.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var (
		s      Stats
		oldest sql.NullString
	)
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN try_count > 0 THEN 1 ELSE 0 END), 0),
		       COALESCE(MAX(try_count), 0),
		       MIN(created_at)
		FROM outbox
	`).Scan(&s.Pending, &s.Failing, &s.MaxTries, &oldest)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read outbox stats: %w", err)
	}
	if oldest.Valid {
		t := parseTime(oldest.String)
		s.OldestEntry = &t
	}
	return s, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
