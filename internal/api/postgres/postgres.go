// Package postgres is the PostgreSQL Repository for the backing API.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/anaemia-care/fieldsync/internal/api"
	"github.com/anaemia-care/fieldsync/internal/gateway"
	"github.com/anaemia-care/fieldsync/internal/local/schema"
)

// Postgres error codes.
const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

// Schema creates the server tables. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS beneficiaries (
    id            BIGSERIAL PRIMARY KEY,
    unique_id     TEXT NOT NULL UNIQUE,
    short_id      TEXT NOT NULL UNIQUE,
    name          TEXT NOT NULL,
    age           INTEGER NOT NULL DEFAULT 0,
    gender        TEXT NOT NULL DEFAULT '',
    category      TEXT NOT NULL DEFAULT '',
    phone         TEXT NOT NULL DEFAULT '',
    alt_phone     TEXT NOT NULL DEFAULT '',
    address       TEXT NOT NULL DEFAULT '',
    document_uris TEXT[] NOT NULL DEFAULT '{}',
    follow_up_due TIMESTAMPTZ,
    status        TEXT NOT NULL DEFAULT 'active',
    created_at    TIMESTAMPTZ NOT NULL,
    last_modified TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_beneficiaries_category ON beneficiaries(category);
CREATE INDEX IF NOT EXISTS idx_beneficiaries_follow_up_due ON beneficiaries(follow_up_due);

CREATE TABLE IF NOT EXISTS screenings (
    id             BIGSERIAL PRIMARY KEY,
    beneficiary_id BIGINT NOT NULL REFERENCES beneficiaries(id),
    hb             DOUBLE PRECISION NOT NULL,
    method         TEXT NOT NULL DEFAULT '',
    anaemic        BOOLEAN NOT NULL,
    severity       TEXT NOT NULL,
    notes          TEXT NOT NULL DEFAULT '',
    created_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_screenings_beneficiary ON screenings(beneficiary_id, created_at DESC);

CREATE TABLE IF NOT EXISTS interventions (
    id             BIGSERIAL PRIMARY KEY,
    beneficiary_id BIGINT NOT NULL REFERENCES beneficiaries(id),
    ifa_yes        BOOLEAN NOT NULL,
    ifa_quantity   INTEGER NOT NULL DEFAULT 0,
    deworming      BOOLEAN NOT NULL,
    notes          TEXT NOT NULL DEFAULT '',
    created_at     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS followups (
    id                BIGSERIAL PRIMARY KEY,
    beneficiary_id    BIGINT NOT NULL REFERENCES beneficiaries(id),
    visit_date        TIMESTAMPTZ NOT NULL,
    referral          BOOLEAN NOT NULL,
    referral_facility TEXT NOT NULL DEFAULT '',
    notes             TEXT NOT NULL DEFAULT '',
    created_at        TIMESTAMPTZ NOT NULL
);
`

const beneficiaryColumns = `id, unique_id, short_id, name, age, gender, category, phone, alt_phone,
       address, document_uris, follow_up_due, status, created_at, last_modified`

// Config holds connection settings.
type Config struct {
	DSN      string
	MaxConns int
	MaxIdle  int
}

// Open connects to Postgres and pings it.
func Open(cfg Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	if cfg.MaxIdle > 0 {
		db.SetMaxIdleConns(cfg.MaxIdle)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// Repository implements api.Repository on database/sql with lib/pq.
type Repository struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

var _ api.Repository = (*Repository)(nil)

// New wraps db. logger may be nil.
func New(db *sql.DB, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{db: db, logger: logger.Named("postgres"), now: time.Now}
}

// EnsureSchema creates missing tables and indexes.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBeneficiary(row rowScanner, extra ...any) (schema.Beneficiary, error) {
	var (
		b    schema.Beneficiary
		id   int64
		docs pq.StringArray
		due  sql.NullTime
	)
	dest := []any{&id, &b.UniqueID, &b.ShortID, &b.Name, &b.Age, &b.Gender, &b.Category,
		&b.Phone, &b.AltPhone, &b.Address, &docs, &due, &b.Status, &b.CreatedAt, &b.LastModified}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return schema.Beneficiary{}, err
	}
	b.ServerID = &id
	if len(docs) > 0 {
		b.DocumentURIs = []string(docs)
	}
	if due.Valid {
		t := due.Time.UTC()
		b.FollowUpDue = &t
	}
	b.CreatedAt = b.CreatedAt.UTC()
	b.LastModified = b.LastModified.UTC()
	return b, nil
}

// textArray never binds NULL for the NOT NULL document_uris column.
func textArray(v []string) any {
	if v == nil {
		v = []string{}
	}
	return pq.Array(v)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

// mapError translates constraint violations into api errors.
func mapError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case codeUniqueViolation:
			return api.ErrConflict
		case codeForeignKeyViolation:
			return api.ErrNotFound
		}
	}
	return err
}

func (r *Repository) CreateBeneficiary(ctx context.Context, b schema.Beneficiary) (schema.Beneficiary, bool, error) {
	now := r.now().UTC()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}

	row := r.db.QueryRowContext(ctx, `
		INSERT INTO beneficiaries (unique_id, short_id, name, age, gender, category, phone, alt_phone,
		                           address, document_uris, follow_up_due, status, created_at, last_modified)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (unique_id) DO NOTHING
		RETURNING `+beneficiaryColumns,
		b.UniqueID, b.ShortID, b.Name, b.Age, b.Gender, b.Category, b.Phone, b.AltPhone,
		b.Address, textArray(b.DocumentURIs), nullTime(b.FollowUpDue), b.Status, b.CreatedAt, now)

	out, err := scanBeneficiary(row)
	if err == nil {
		return out, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		if mapped := mapError(err); mapped != err {
			return schema.Beneficiary{}, false, mapped
		}
		return schema.Beneficiary{}, false, fmt.Errorf("failed to insert beneficiary: %w", err)
	}

	// unique_id already registered: a replayed create.
	existing, err := scanBeneficiary(r.db.QueryRowContext(ctx,
		`SELECT `+beneficiaryColumns+` FROM beneficiaries WHERE unique_id = $1`, b.UniqueID))
	if err != nil {
		return schema.Beneficiary{}, false, fmt.Errorf("failed to load existing beneficiary: %w", err)
	}
	r.logger.Debug("replayed create", zap.String("unique_id", b.UniqueID), zap.Int64("id", *existing.ServerID))
	return existing, false, nil
}

func (r *Repository) UpdateBeneficiary(ctx context.Context, id int64, patch schema.BeneficiaryPatch) (schema.Beneficiary, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return schema.Beneficiary{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	b, err := scanBeneficiary(tx.QueryRowContext(ctx,
		`SELECT `+beneficiaryColumns+` FROM beneficiaries WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return schema.Beneficiary{}, api.ErrNotFound
	}
	if err != nil {
		return schema.Beneficiary{}, fmt.Errorf("failed to load beneficiary: %w", err)
	}

	patch.Apply(&b, r.now().UTC())
	if err := b.Validate(); err != nil {
		return schema.Beneficiary{}, fmt.Errorf("%w: %v", api.ErrInvalid, err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE beneficiaries
		SET name = $2, age = $3, gender = $4, category = $5, phone = $6, alt_phone = $7,
		    address = $8, document_uris = $9, follow_up_due = $10, status = $11, last_modified = $12
		WHERE id = $1`,
		id, b.Name, b.Age, b.Gender, b.Category, b.Phone, b.AltPhone,
		b.Address, textArray(b.DocumentURIs), nullTime(b.FollowUpDue), b.Status, b.LastModified)
	if err != nil {
		return schema.Beneficiary{}, fmt.Errorf("failed to update beneficiary: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return schema.Beneficiary{}, fmt.Errorf("failed to commit update: %w", err)
	}
	return b, nil
}

func (r *Repository) ListBeneficiaries(ctx context.Context, filters gateway.Filters) ([]schema.Beneficiary, error) {
	var (
		where []string
		args  []any
	)
	if filters.Category != "" {
		args = append(args, filters.Category)
		where = append(where, fmt.Sprintf("b.category = $%d", len(args)))
	}
	if filters.FollowUpDueBefore != nil {
		args = append(args, *filters.FollowUpDueBefore)
		where = append(where, fmt.Sprintf("b.follow_up_due < $%d", len(args)))
	}
	if q := strings.TrimSpace(filters.Query); q != "" {
		args = append(args, q)
		n := len(args)
		where = append(where, fmt.Sprintf(
			"(b.name ILIKE '%%' || $%d || '%%' OR lower(b.short_id) = lower($%d) OR b.phone = $%d)", n, n, n))
	}

	query := `
		SELECT b.id, b.unique_id, b.short_id, b.name, b.age, b.gender, b.category, b.phone, b.alt_phone,
		       b.address, b.document_uris, b.follow_up_due, b.status, b.created_at, b.last_modified,
		       s.id, s.hb, s.method, s.anaemic, s.severity, s.notes, s.created_at
		FROM beneficiaries b
		LEFT JOIN LATERAL (
			SELECT id, hb, method, anaemic, severity, notes, created_at
			FROM screenings
			WHERE beneficiary_id = b.id
			ORDER BY created_at DESC, id DESC
			LIMIT 1
		) s ON TRUE`
	if len(where) > 0 {
		query += "\n\t\tWHERE " + strings.Join(where, " AND ")
	}
	query += "\n\t\tORDER BY b.id"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list beneficiaries: %w", err)
	}
	defer rows.Close()

	out := []schema.Beneficiary{}
	for rows.Next() {
		var (
			sID       sql.NullInt64
			sHb       sql.NullFloat64
			sMethod   sql.NullString
			sAnaemic  sql.NullBool
			sSeverity sql.NullString
			sNotes    sql.NullString
			sCreated  sql.NullTime
		)
		b, err := scanBeneficiary(rows, &sID, &sHb, &sMethod, &sAnaemic, &sSeverity, &sNotes, &sCreated)
		if err != nil {
			return nil, fmt.Errorf("failed to scan beneficiary: %w", err)
		}
		if sID.Valid {
			b.LatestScreening = &schema.Screening{
				ID:            sID.Int64,
				BeneficiaryID: b.ServerID,
				Hb:            sHb.Float64,
				Method:        sMethod.String,
				Anaemic:       sAnaemic.Bool,
				Severity:      sSeverity.String,
				Notes:         sNotes.String,
				CreatedAt:     sCreated.Time.UTC(),
			}
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate beneficiaries: %w", err)
	}
	return out, nil
}

func (r *Repository) AddScreening(ctx context.Context, beneficiaryID int64, s schema.Screening) (schema.Screening, error) {
	var category string
	err := r.db.QueryRowContext(ctx, `SELECT category FROM beneficiaries WHERE id = $1`, beneficiaryID).Scan(&category)
	if errors.Is(err, sql.ErrNoRows) {
		return schema.Screening{}, api.ErrNotFound
	}
	if err != nil {
		return schema.Screening{}, fmt.Errorf("failed to load beneficiary: %w", err)
	}
	s.Classify(category)

	err = r.db.QueryRowContext(ctx, `
		INSERT INTO screenings (beneficiary_id, hb, method, anaemic, severity, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		beneficiaryID, s.Hb, s.Method, s.Anaemic, s.Severity, s.Notes, s.CreatedAt).Scan(&s.ID)
	if err != nil {
		if mapped := mapError(err); mapped != err {
			return schema.Screening{}, mapped
		}
		return schema.Screening{}, fmt.Errorf("failed to insert screening: %w", err)
	}
	s.BeneficiaryID = &beneficiaryID
	s.BeneficiaryLocalID = 0
	s.Pending = false
	return s, nil
}

func (r *Repository) AddIntervention(ctx context.Context, beneficiaryID int64, iv schema.Intervention) (schema.Intervention, error) {
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO interventions (beneficiary_id, ifa_yes, ifa_quantity, deworming, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		beneficiaryID, iv.IFAYes, iv.IFAQuantity, iv.Deworming, iv.Notes, iv.CreatedAt).Scan(&iv.ID)
	if err != nil {
		if mapped := mapError(err); mapped != err {
			return schema.Intervention{}, mapped
		}
		return schema.Intervention{}, fmt.Errorf("failed to insert intervention: %w", err)
	}
	iv.BeneficiaryID = &beneficiaryID
	iv.BeneficiaryLocalID = 0
	iv.Pending = false
	return iv, nil
}

func (r *Repository) AddFollowUp(ctx context.Context, beneficiaryID int64, f schema.FollowUp) (schema.FollowUp, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return schema.FollowUp{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO followups (beneficiary_id, visit_date, referral, referral_facility, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		beneficiaryID, f.VisitDate, f.Referral, f.ReferralFacility, f.Notes, f.CreatedAt).Scan(&f.ID)
	if err != nil {
		if mapped := mapError(err); mapped != err {
			return schema.FollowUp{}, mapped
		}
		return schema.FollowUp{}, fmt.Errorf("failed to insert follow-up: %w", err)
	}

	// A scheduled visit moves the beneficiary's next due date.
	now := r.now().UTC()
	if f.VisitDate.After(now) {
		_, err = tx.ExecContext(ctx,
			`UPDATE beneficiaries SET follow_up_due = $2, last_modified = $3 WHERE id = $1`,
			beneficiaryID, f.VisitDate, now)
		if err != nil {
			return schema.FollowUp{}, fmt.Errorf("failed to move follow-up due date: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return schema.FollowUp{}, fmt.Errorf("failed to commit follow-up: %w", err)
	}

	f.BeneficiaryID = &beneficiaryID
	f.BeneficiaryLocalID = 0
	f.Pending = false
	return f, nil
}
