// Package api is the backing Remote Data API that field devices sync
// against. It serves the routes the gateway client calls, over a pluggable
// Repository (in memory, or Postgres in the postgres subpackage).
package api

import (
	"context"
	"errors"

	"github.com/anaemia-care/fieldsync/internal/gateway"
	"github.com/anaemia-care/fieldsync/internal/local/schema"
)

var (
	// ErrNotFound means the beneficiary id does not exist.
	ErrNotFound = errors.New("beneficiary not found")

	// ErrConflict means a different beneficiary already holds the short id.
	ErrConflict = errors.New("short_id already exists")

	// ErrInvalid means the stored record would fail validation.
	ErrInvalid = errors.New("invalid beneficiary")
)

// Repository stores server-side records.
type Repository interface {
	// CreateBeneficiary inserts b, assigning its server id. When unique_id
	// already exists the stored record is returned with created false.
	CreateBeneficiary(ctx context.Context, b schema.Beneficiary) (out schema.Beneficiary, created bool, err error)
	UpdateBeneficiary(ctx context.Context, id int64, patch schema.BeneficiaryPatch) (schema.Beneficiary, error)
	// ListBeneficiaries returns matching beneficiaries ordered by id, each
	// with its most recent screening.
	ListBeneficiaries(ctx context.Context, filters gateway.Filters) ([]schema.Beneficiary, error)
	AddScreening(ctx context.Context, beneficiaryID int64, s schema.Screening) (schema.Screening, error)
	AddIntervention(ctx context.Context, beneficiaryID int64, iv schema.Intervention) (schema.Intervention, error)
	AddFollowUp(ctx context.Context, beneficiaryID int64, f schema.FollowUp) (schema.FollowUp, error)
}
