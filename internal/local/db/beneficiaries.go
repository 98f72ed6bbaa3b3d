package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/anaemia-care/fieldsync/internal/local/schema"
)

const beneficiaryColumns = `id, server_id, temp_id, unique_id, short_id, name, age, gender, category,
	phone, alt_phone, address, document_uris, follow_up_due, status, pending,
	created_at, last_modified`

// ListFilter narrows ListBeneficiaries.
type ListFilter struct {
	Query       string // matches name, short_id or phone
	Category    string
	PendingOnly bool
	Limit       int
}

// InsertBeneficiary inserts a new beneficiary row and sets b.LocalID.
// The row is pending until MarkBeneficiarySynced is called.
func (db *DB) InsertBeneficiary(ctx context.Context, b *schema.Beneficiary) error {
	if err := b.Validate(); err != nil {
		return fmt.Errorf("invalid beneficiary: %w", err)
	}

	docs, err := marshalDocs(b.DocumentURIs)
	if err != nil {
		return err
	}

	return db.inTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			INSERT INTO beneficiaries (
				server_id, temp_id, unique_id, short_id, name, age, gender, category,
				phone, alt_phone, address, document_uris, follow_up_due, status, pending,
				created_at, last_modified
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			int64ToNull(b.ServerID), b.TempID, b.UniqueID, b.ShortID, b.Name, b.Age,
			b.Gender, b.Category, b.Phone, b.AltPhone, b.Address, docs,
			timeToNullString(b.FollowUpDue), b.Status, boolToInt(b.ServerID == nil),
			formatTime(b.CreatedAt), formatTime(b.LastModified),
		)
		if err != nil {
			return fmt.Errorf("failed to insert beneficiary: %w", err)
		}

		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get beneficiary id: %w", err)
		}
		b.LocalID = id
		b.Pending = b.ServerID == nil

		return db.appendAudit(ctx, tx, schema.ActionInsert, "beneficiaries", strconv.FormatInt(id, 10), b)
	})
}

// UpdateBeneficiary applies a patch to the row with the given local id and
// returns the updated beneficiary.
func (db *DB) UpdateBeneficiary(ctx context.Context, localID int64, patch schema.BeneficiaryPatch) (*schema.Beneficiary, error) {
	var updated *schema.Beneficiary

	err := db.inTx(ctx, func(tx *sql.Tx) error {
		b, err := scanBeneficiary(tx.QueryRowContext(ctx,
			`SELECT `+beneficiaryColumns+` FROM beneficiaries WHERE id = ?`, localID))
		if err != nil {
			return err
		}

		patch.Apply(b, db.now())
		if err := b.Validate(); err != nil {
			return fmt.Errorf("invalid beneficiary: %w", err)
		}

		docs, err := marshalDocs(b.DocumentURIs)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE beneficiaries SET
				name = ?, age = ?, gender = ?, category = ?, phone = ?, alt_phone = ?,
				address = ?, document_uris = ?, follow_up_due = ?, status = ?, last_modified = ?
			WHERE id = ?
		`,
			b.Name, b.Age, b.Gender, b.Category, b.Phone, b.AltPhone, b.Address, docs,
			timeToNullString(b.FollowUpDue), b.Status, formatTime(b.LastModified), localID,
		)
		if err != nil {
			return fmt.Errorf("failed to update beneficiary: %w", err)
		}

		updated = b
		return db.appendAudit(ctx, tx, schema.ActionUpdate, "beneficiaries", strconv.FormatInt(localID, 10), patch)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// MarkBeneficiarySynced records the server id assigned to a local row, clears
// its pending flag and back-fills the server reference on its sub-records.
// Calling it again with the same server id is a no-op apart from the audit row.
func (db *DB) MarkBeneficiarySynced(ctx context.Context, localID, serverID int64) error {
	return db.inTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`UPDATE beneficiaries SET server_id = ?, pending = 0 WHERE id = ?`, serverID, localID)
		if err != nil {
			return fmt.Errorf("failed to set server id: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return fmt.Errorf("beneficiary %d: %w", localID, ErrNotFound)
		}

		for _, table := range []string{"screenings", "interventions", "followups"} {
			if _, err := tx.ExecContext(ctx,
				`UPDATE `+table+` SET server_beneficiary_id = ? WHERE beneficiary_id = ? AND server_beneficiary_id IS NULL`,
				serverID, localID); err != nil {
				return fmt.Errorf("failed to back-fill %s: %w", table, err)
			}
		}

		return db.appendAudit(ctx, tx, schema.ActionReconcile, "beneficiaries", strconv.FormatInt(localID, 10),
			map[string]int64{"server_id": serverID})
	})
}

// MirrorBeneficiaries upserts server copies keyed by unique_id. Rows that are
// still pending locally, or that have an UPDATE waiting in the outbox, are
// left alone so unsynced edits are not overwritten. Returns the number of
// rows written.
func (db *DB) MirrorBeneficiaries(ctx context.Context, list []schema.Beneficiary) (int, error) {
	written := 0
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		for i := range list {
			b := list[i]
			if b.ServerID == nil || b.UniqueID == "" || b.ShortID == "" {
				continue
			}
			if b.Status == "" {
				b.Status = schema.StatusActive
			}
			docs, err := marshalDocs(b.DocumentURIs)
			if err != nil {
				return err
			}
			result, err := tx.ExecContext(ctx, `
				INSERT INTO beneficiaries (
					server_id, temp_id, unique_id, short_id, name, age, gender, category,
					phone, alt_phone, address, document_uris, follow_up_due, status, pending,
					created_at, last_modified
				) VALUES (?, '', ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
				ON CONFLICT(unique_id) DO UPDATE SET
					server_id = excluded.server_id,
					name = excluded.name,
					age = excluded.age,
					gender = excluded.gender,
					category = excluded.category,
					phone = excluded.phone,
					alt_phone = excluded.alt_phone,
					address = excluded.address,
					document_uris = excluded.document_uris,
					follow_up_due = excluded.follow_up_due,
					status = excluded.status,
					last_modified = excluded.last_modified
				WHERE beneficiaries.pending = 0
					AND NOT EXISTS (
						SELECT 1 FROM outbox o
						WHERE o.op = 'UPDATE' AND o.entity = 'beneficiaries'
							AND json_extract(o.payload, '$.local_id') = beneficiaries.id
					)
			`,
				*b.ServerID, b.UniqueID, b.ShortID, b.Name, b.Age, b.Gender, b.Category,
				b.Phone, b.AltPhone, b.Address, docs, timeToNullString(b.FollowUpDue), b.Status,
				formatTime(b.CreatedAt), formatTime(b.LastModified),
			)
			if err != nil {
				return fmt.Errorf("failed to mirror beneficiary %s: %w", b.UniqueID, err)
			}
			if n, _ := result.RowsAffected(); n > 0 {
				written++
			}
		}
		if written == 0 {
			return nil
		}
		return db.appendAudit(ctx, tx, schema.ActionReconcile, "beneficiaries", "*",
			map[string]int{"mirrored": written})
	})
	if err != nil {
		return 0, err
	}
	return written, nil
}

// GetBeneficiary retrieves a beneficiary by local id.
func (db *DB) GetBeneficiary(ctx context.Context, localID int64) (*schema.Beneficiary, error) {
	return scanBeneficiary(db.conn.QueryRowContext(ctx,
		`SELECT `+beneficiaryColumns+` FROM beneficiaries WHERE id = ?`, localID))
}

// GetBeneficiaryByUniqueID retrieves a beneficiary by its correlation key.
func (db *DB) GetBeneficiaryByUniqueID(ctx context.Context, uniqueID string) (*schema.Beneficiary, error) {
	return scanBeneficiary(db.conn.QueryRowContext(ctx,
		`SELECT `+beneficiaryColumns+` FROM beneficiaries WHERE unique_id = ?`, uniqueID))
}

// GetBeneficiaryByKey resolves the id a worker sees: a server id, a temp id
// or a short id.
func (db *DB) GetBeneficiaryByKey(ctx context.Context, key string) (*schema.Beneficiary, error) {
	if id, err := strconv.ParseInt(key, 10, 64); err == nil {
		return scanBeneficiary(db.conn.QueryRowContext(ctx,
			`SELECT `+beneficiaryColumns+` FROM beneficiaries WHERE server_id = ?`, id))
	}
	return scanBeneficiary(db.conn.QueryRowContext(ctx,
		`SELECT `+beneficiaryColumns+` FROM beneficiaries WHERE temp_id = ? OR short_id = ? LIMIT 1`, key, key))
}

// ServerIDFor returns the server id for a local beneficiary, or nil when its
// CREATE has not been acknowledged yet.
func (db *DB) ServerIDFor(ctx context.Context, localID int64) (*int64, error) {
	var serverID sql.NullInt64
	err := db.conn.QueryRowContext(ctx,
		`SELECT server_id FROM beneficiaries WHERE id = ?`, localID).Scan(&serverID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("beneficiary %d: %w", localID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve server id: %w", err)
	}
	return nullToInt64(serverID), nil
}

// ListBeneficiaries returns beneficiaries ordered by creation time.
func (db *DB) ListBeneficiaries(ctx context.Context, filter ListFilter) ([]schema.Beneficiary, error) {
	query := `SELECT ` + beneficiaryColumns + ` FROM beneficiaries WHERE 1=1`
	var args []any

	if q := strings.TrimSpace(filter.Query); q != "" {
		query += ` AND (name LIKE ? OR short_id = ? OR phone = ?)`
		args = append(args, "%"+q+"%", strings.ToUpper(q), q)
	}
	if filter.Category != "" {
		query += ` AND category = ?`
		args = append(args, filter.Category)
	}
	if filter.PendingOnly {
		query += ` AND pending = 1`
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list beneficiaries: %w", err)
	}
	defer rows.Close()

	var list []schema.Beneficiary
	for rows.Next() {
		b, err := scanBeneficiary(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating beneficiaries: %w", err)
	}
	return list, nil
}

// CountPendingBeneficiaries returns how many rows await a server id.
func (db *DB) CountPendingBeneficiaries(ctx context.Context) (int, error) {
	var n int
	if err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM beneficiaries WHERE pending = 1`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count pending beneficiaries: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBeneficiary(row rowScanner) (*schema.Beneficiary, error) {
	var (
		b            schema.Beneficiary
		serverID     sql.NullInt64
		tempID       sql.NullString
		docs         sql.NullString
		followUpDue  sql.NullString
		pending      int
		createdAt    string
		lastModified string
	)

	err := row.Scan(
		&b.LocalID, &serverID, &tempID, &b.UniqueID, &b.ShortID, &b.Name, &b.Age,
		&b.Gender, &b.Category, &b.Phone, &b.AltPhone, &b.Address, &docs,
		&followUpDue, &b.Status, &pending, &createdAt, &lastModified,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan beneficiary: %w", err)
	}

	b.ServerID = nullToInt64(serverID)
	b.TempID = tempID.String
	b.FollowUpDue = nullStringToTime(followUpDue)
	b.Pending = pending == 1
	b.CreatedAt = parseTime(createdAt)
	b.LastModified = parseTime(lastModified)

	if docs.Valid && docs.String != "" {
		if err := json.Unmarshal([]byte(docs.String), &b.DocumentURIs); err != nil {
			return nil, fmt.Errorf("failed to decode document_uris: %w", err)
		}
	}

	return &b, nil
}

func marshalDocs(uris []string) (sql.NullString, error) {
	if len(uris) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(uris)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode document_uris: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// stamp returns now in the store's clock; exposed for sub-record defaults.
func (db *DB) stamp() time.Time {
	return db.now().UTC()
}
