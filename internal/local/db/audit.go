package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/anaemia-care/fieldsync/internal/local/schema"
)

// appendAudit writes an audit_logs row inside tx.
func (db *DB) appendAudit(ctx context.Context, tx *sql.Tx, action, table, key string, payload any) error {
	var data sql.NullString
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode audit payload: %w", err)
		}
		data = sql.NullString{String: string(raw), Valid: true}
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO audit_logs (actor, action, table_name, record_key, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, db.actor, action, table, key, data, formatTime(db.stamp()))
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// ListAudit returns the most recent audit entries, newest first.
func (db *DB) ListAudit(ctx context.Context, limit int) ([]schema.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, actor, action, table_name, record_key, payload, created_at
		FROM audit_logs
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit log: %w", err)
	}
	defer rows.Close()

	var entries []schema.AuditEntry
	for rows.Next() {
		var (
			e         schema.AuditEntry
			payload   sql.NullString
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &e.Table, &e.RecordKey, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if payload.Valid {
			e.Payload = json.RawMessage(payload.String)
		}
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
