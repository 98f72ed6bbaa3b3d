// Package gateway is the contract to the remote data API plus its HTTP
// implementation.
package gateway

import (
	"context"
	"strings"
	"time"

	"github.com/anaemia-care/fieldsync/internal/local/schema"
)

// Operation names, used in errors and metrics labels.
const (
	OpCreateBeneficiary = "create_beneficiary"
	OpUpdateBeneficiary = "update_beneficiary"
	OpAddScreening      = "add_screening"
	OpAddIntervention   = "add_intervention"
	OpAddFollowUp       = "add_followup"
	OpListBeneficiaries = "list_beneficiaries"
)

// Gateway is the remote data API.
type Gateway interface {
	// CreateBeneficiary registers b and returns the server copy with its id.
	// Replaying the same unique_id returns the existing record.
	CreateBeneficiary(ctx context.Context, b schema.Beneficiary) (schema.Beneficiary, error)
	UpdateBeneficiary(ctx context.Context, id int64, patch schema.BeneficiaryPatch) (schema.Beneficiary, error)
	AddScreening(ctx context.Context, beneficiaryID int64, s schema.Screening) (schema.Screening, error)
	AddIntervention(ctx context.Context, beneficiaryID int64, iv schema.Intervention) (schema.Intervention, error)
	AddFollowUp(ctx context.Context, beneficiaryID int64, f schema.FollowUp) (schema.FollowUp, error)
	// GetBeneficiariesWithData lists beneficiaries with their latest
	// screening embedded.
	GetBeneficiariesWithData(ctx context.Context, filters Filters) ([]schema.Beneficiary, error)
}

// Filters narrows a beneficiary listing. The zero value matches everything.
type Filters struct {
	Query             string     `json:"q,omitempty"`
	Category          string     `json:"category,omitempty"`
	FollowUpDueBefore *time.Time `json:"due_before,omitempty"`
}

// IsZero reports whether no filter is set.
func (f Filters) IsZero() bool {
	return f.Query == "" && f.Category == "" && f.FollowUpDueBefore == nil
}

// Match applies the filters to one beneficiary. Query matches a
// case-insensitive substring of the name, or the short id or phone exactly.
func (f Filters) Match(b schema.Beneficiary) bool {
	if f.Category != "" && b.Category != f.Category {
		return false
	}
	if f.FollowUpDueBefore != nil {
		if b.FollowUpDue == nil || !b.FollowUpDue.Before(*f.FollowUpDueBefore) {
			return false
		}
	}
	if q := strings.TrimSpace(f.Query); q != "" {
		if !strings.Contains(strings.ToLower(b.Name), strings.ToLower(q)) &&
			!strings.EqualFold(b.ShortID, q) && b.Phone != q {
			return false
		}
	}
	return true
}

// Apply returns the beneficiaries in list that match.
func (f Filters) Apply(list []schema.Beneficiary) []schema.Beneficiary {
	if f.IsZero() {
		return list
	}
	out := make([]schema.Beneficiary, 0, len(list))
	for _, b := range list {
		if f.Match(b) {
			out = append(out, b)
		}
	}
	return out
}
