package db

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/anaemia-care/fieldsync/internal/local/schema"
)

// InsertScreening appends a screening for an existing local beneficiary.
// The server reference is copied from the parent row when it is known.
func (db *DB) InsertScreening(ctx context.Context, s *schema.Screening) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = db.stamp()
	}
	if err := s.Validate(); err != nil {
		return fmt.Errorf("invalid screening: %w", err)
	}

	return db.inTx(ctx, func(tx *sql.Tx) error {
		serverID, err := parentServerID(ctx, tx, s.BeneficiaryLocalID)
		if err != nil {
			return err
		}
		if s.BeneficiaryID == nil {
			s.BeneficiaryID = serverID
		}

		result, err := tx.ExecContext(ctx, `
			INSERT INTO screenings (beneficiary_id, server_beneficiary_id, hb, method, anaemic, severity, notes, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, s.BeneficiaryLocalID, int64ToNull(s.BeneficiaryID), s.Hb, s.Method,
			boolToInt(s.Anaemic), s.Severity, s.Notes, formatTime(s.CreatedAt))
		if err != nil {
			return fmt.Errorf("failed to insert screening: %w", err)
		}
		if s.ID, err = result.LastInsertId(); err != nil {
			return fmt.Errorf("failed to get screening id: %w", err)
		}

		return db.appendAudit(ctx, tx, schema.ActionInsert, "screenings", strconv.FormatInt(s.ID, 10), s)
	})
}

// InsertIntervention appends an intervention for an existing local beneficiary.
func (db *DB) InsertIntervention(ctx context.Context, iv *schema.Intervention) error {
	if iv.CreatedAt.IsZero() {
		iv.CreatedAt = db.stamp()
	}
	if err := iv.Validate(); err != nil {
		return fmt.Errorf("invalid intervention: %w", err)
	}

	return db.inTx(ctx, func(tx *sql.Tx) error {
		serverID, err := parentServerID(ctx, tx, iv.BeneficiaryLocalID)
		if err != nil {
			return err
		}
		if iv.BeneficiaryID == nil {
			iv.BeneficiaryID = serverID
		}

		result, err := tx.ExecContext(ctx, `
			INSERT INTO interventions (beneficiary_id, server_beneficiary_id, ifa_yes, ifa_quantity, deworming, notes, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, iv.BeneficiaryLocalID, int64ToNull(iv.BeneficiaryID), boolToInt(iv.IFAYes),
			iv.IFAQuantity, boolToInt(iv.Deworming), iv.Notes, formatTime(iv.CreatedAt))
		if err != nil {
			return fmt.Errorf("failed to insert intervention: %w", err)
		}
		if iv.ID, err = result.LastInsertId(); err != nil {
			return fmt.Errorf("failed to get intervention id: %w", err)
		}

		return db.appendAudit(ctx, tx, schema.ActionInsert, "interventions", strconv.FormatInt(iv.ID, 10), iv)
	})
}

// InsertFollowUp appends a follow-up visit or referral.
func (db *DB) InsertFollowUp(ctx context.Context, f *schema.FollowUp) error {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = db.stamp()
	}
	if err := f.Validate(); err != nil {
		return fmt.Errorf("invalid followup: %w", err)
	}

	return db.inTx(ctx, func(tx *sql.Tx) error {
		serverID, err := parentServerID(ctx, tx, f.BeneficiaryLocalID)
		if err != nil {
			return err
		}
		if f.BeneficiaryID == nil {
			f.BeneficiaryID = serverID
		}

		result, err := tx.ExecContext(ctx, `
			INSERT INTO followups (beneficiary_id, server_beneficiary_id, visit_date, referral, referral_facility, notes, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, f.BeneficiaryLocalID, int64ToNull(f.BeneficiaryID), formatTime(f.VisitDate),
			boolToInt(f.Referral), f.ReferralFacility, f.Notes, formatTime(f.CreatedAt))
		if err != nil {
			return fmt.Errorf("failed to insert followup: %w", err)
		}
		if f.ID, err = result.LastInsertId(); err != nil {
			return fmt.Errorf("failed to get followup id: %w", err)
		}

		return db.appendAudit(ctx, tx, schema.ActionInsert, "followups", strconv.FormatInt(f.ID, 10), f)
	})
}

// ListScreenings returns the screening history of a beneficiary, oldest first.
func (db *DB) ListScreenings(ctx context.Context, localID int64) ([]schema.Screening, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, beneficiary_id, server_beneficiary_id, hb, method, anaemic, severity, notes, created_at
		FROM screenings
		WHERE beneficiary_id = ?
		ORDER BY created_at ASC, id ASC
	`, localID)
	if err != nil {
		return nil, fmt.Errorf("failed to list screenings: %w", err)
	}
	defer rows.Close()

	var list []schema.Screening
	for rows.Next() {
		var (
			s         schema.Screening
			serverID  sql.NullInt64
			anaemic   int
			createdAt string
		)
		if err := rows.Scan(&s.ID, &s.BeneficiaryLocalID, &serverID, &s.Hb, &s.Method,
			&anaemic, &s.Severity, &s.Notes, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan screening: %w", err)
		}
		s.BeneficiaryID = nullToInt64(serverID)
		s.Anaemic = anaemic == 1
		s.CreatedAt = parseTime(createdAt)
		list = append(list, s)
	}
	return list, rows.Err()
}

// CountSubRecords returns the number of screenings, interventions and
// followups stored for a beneficiary.
func (db *DB) CountSubRecords(ctx context.Context, localID int64) (screenings, interventions, followups int, err error) {
	err = db.conn.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM screenings WHERE beneficiary_id = ?),
			(SELECT COUNT(*) FROM interventions WHERE beneficiary_id = ?),
			(SELECT COUNT(*) FROM followups WHERE beneficiary_id = ?)
	`, localID, localID, localID).Scan(&screenings, &interventions, &followups)
	if err != nil {
		err = fmt.Errorf("failed to count sub-records: %w", err)
	}
	return
}

func parentServerID(ctx context.Context, tx *sql.Tx, localID int64) (*int64, error) {
	var serverID sql.NullInt64
	err := tx.QueryRowContext(ctx, `SELECT server_id FROM beneficiaries WHERE id = ?`, localID).Scan(&serverID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("beneficiary %d: %w", localID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up beneficiary: %w", err)
	}
	return nullToInt64(serverID), nil
}
