package schema

import (
	"fmt"
	"time"
)

// Screening methods.
const (
	MethodDigital = "digital_hb"
	MethodSahli   = "sahli"
	MethodLab     = "lab"
)

// Screening is a haemoglobin measurement taken during a visit.
type Screening struct {
	ID                 int64     `json:"id,omitempty"`
	BeneficiaryLocalID int64     `json:"beneficiary_local_id,omitempty"`
	BeneficiaryID      *int64    `json:"beneficiary_id,omitempty"`
	Hb                 float64   `json:"hb"`
	Method             string    `json:"method,omitempty"`
	Anaemic            bool      `json:"anaemic"`
	Severity           string    `json:"severity,omitempty"`
	Notes              string    `json:"notes,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	Pending            bool      `json:"_pending,omitempty"`
}

// Validate checks the measurement is physiologically plausible.
func (s *Screening) Validate() error {
	if s.BeneficiaryLocalID == 0 && s.BeneficiaryID == nil {
		return fmt.Errorf("beneficiary reference is required")
	}
	if s.Hb < 2 || s.Hb > 25 {
		return fmt.Errorf("hb must be between 2 and 25 g/dL (got %.1f)", s.Hb)
	}
	if s.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	return nil
}

// Classify sets Anaemic and Severity from Hb for the given category.
func (s *Screening) Classify(category string) {
	s.Severity = Severity(category, s.Hb)
	s.Anaemic = s.Severity != SeverityNone
}

// Intervention records iron-folic acid and deworming given at a visit.
type Intervention struct {
	ID                 int64     `json:"id,omitempty"`
	BeneficiaryLocalID int64     `json:"beneficiary_local_id,omitempty"`
	BeneficiaryID      *int64    `json:"beneficiary_id,omitempty"`
	IFAYes             bool      `json:"ifa_yes"`
	IFAQuantity        int       `json:"ifa_quantity,omitempty"`
	Deworming          bool      `json:"deworming"`
	Notes              string    `json:"notes,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	Pending            bool      `json:"_pending,omitempty"`
}

// Validate checks the Intervention has valid field values.
func (i *Intervention) Validate() error {
	if i.BeneficiaryLocalID == 0 && i.BeneficiaryID == nil {
		return fmt.Errorf("beneficiary reference is required")
	}
	if i.IFAQuantity < 0 {
		return fmt.Errorf("ifa_quantity cannot be negative (got %d)", i.IFAQuantity)
	}
	if !i.IFAYes && i.IFAQuantity > 0 {
		return fmt.Errorf("ifa_quantity set but ifa_yes is false")
	}
	if i.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	return nil
}

// FollowUp is a scheduled or completed visit, optionally a referral to a facility.
type FollowUp struct {
	ID                 int64     `json:"id,omitempty"`
	BeneficiaryLocalID int64     `json:"beneficiary_local_id,omitempty"`
	BeneficiaryID      *int64    `json:"beneficiary_id,omitempty"`
	VisitDate          time.Time `json:"visit_date"`
	Referral           bool      `json:"referral"`
	ReferralFacility   string    `json:"referral_facility,omitempty"`
	Notes              string    `json:"notes,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	Pending            bool      `json:"_pending,omitempty"`
}

// Validate checks the FollowUp has valid field values.
func (f *FollowUp) Validate() error {
	if f.BeneficiaryLocalID == 0 && f.BeneficiaryID == nil {
		return fmt.Errorf("beneficiary reference is required")
	}
	if f.VisitDate.IsZero() {
		return fmt.Errorf("visit_date is required")
	}
	if f.Referral && f.ReferralFacility == "" {
		return fmt.Errorf("referral_facility is required for a referral")
	}
	if f.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	return nil
}

// Anaemia severity grades.
const (
	SeverityNone     = "none"
	SeverityMild     = "mild"
	SeverityModerate = "moderate"
	SeveritySevere   = "severe"
)

// cutoffs are the Hb (g/dL) upper bounds for mild, moderate and severe.
type cutoffs struct {
	mild, moderate, severe float64
}

var categoryCutoffs = map[string]cutoffs{
	CategoryChild:        {11.0, 10.0, 7.0},
	CategorySchoolChild:  {11.5, 11.0, 8.0},
	CategoryAdolescent:   {12.0, 11.0, 8.0},
	CategoryPregnant:     {11.0, 10.0, 7.0},
	CategoryLactating:    {12.0, 11.0, 8.0},
	CategoryReproductive: {12.0, 11.0, 8.0},
}

var defaultCutoffs = cutoffs{12.0, 11.0, 8.0}

// Severity grades an Hb reading for a beneficiary category.
func Severity(category string, hb float64) string {
	c, ok := categoryCutoffs[category]
	if !ok {
		c = defaultCutoffs
	}
	switch {
	case hb < c.severe:
		return SeveritySevere
	case hb < c.moderate:
		return SeverityModerate
	case hb < c.mild:
		return SeverityMild
	default:
		return SeverityNone
	}
}
