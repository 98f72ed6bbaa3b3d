package schema

import (
	"crypto/sha256"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Beneficiary status values. Beneficiaries are never hard-deleted.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// Beneficiary categories tracked by the program.
const (
	CategoryChild        = "child_6_59m"
	CategorySchoolChild  = "child_5_9y"
	CategoryAdolescent   = "adolescent_10_19y"
	CategoryPregnant     = "pregnant_woman"
	CategoryLactating    = "lactating_mother"
	CategoryReproductive = "woman_15_49y"
	CategoryOther        = "other"
)

var validCategories = map[string]bool{
	CategoryChild:        true,
	CategorySchoolChild:  true,
	CategoryAdolescent:   true,
	CategoryPregnant:     true,
	CategoryLactating:    true,
	CategoryReproductive: true,
	CategoryOther:        true,
}

// Beneficiary is a person enrolled in the program.
type Beneficiary struct {
	// ===== Identification =====
	LocalID  int64  `json:"local_id,omitempty" yaml:"-"`
	ServerID *int64 `json:"id,omitempty" yaml:"-"`
	TempID   string `json:"temp_id,omitempty" yaml:"-"`
	UniqueID string `json:"unique_id" yaml:"unique_id,omitempty"`
	ShortID  string `json:"short_id" yaml:"short_id,omitempty"`

	// ===== Demographics =====
	Name     string `json:"name" yaml:"name"`
	Age      int    `json:"age,omitempty" yaml:"age,omitempty"`
	Gender   string `json:"gender,omitempty" yaml:"gender,omitempty"`
	Category string `json:"category,omitempty" yaml:"category,omitempty"`
	Phone    string `json:"phone,omitempty" yaml:"phone,omitempty"`
	AltPhone string `json:"alt_phone,omitempty" yaml:"alt_phone,omitempty"`
	Address  string `json:"address,omitempty" yaml:"address,omitempty"`

	// NationalID is only used to derive UniqueID and is never stored or sent.
	NationalID string `json:"-" yaml:"national_id,omitempty"`

	// Opaque document references (scan URIs); never dereferenced here.
	DocumentURIs []string `json:"document_uris,omitempty" yaml:"document_uris,omitempty"`

	// ===== Follow-up & lifecycle =====
	FollowUpDue  *time.Time `json:"follow_up_due,omitempty" yaml:"follow_up_due,omitempty"`
	Status       string     `json:"status" yaml:"status,omitempty"`
	CreatedAt    time.Time  `json:"created_at" yaml:"-"`
	LastModified time.Time  `json:"last_modified" yaml:"-"`

	// LatestScreening is embedded by the API when listing with data.
	LatestScreening *Screening `json:"latest_screening,omitempty" yaml:"-"`

	// Pending marks a placeholder whose remote write has not been confirmed.
	Pending bool `json:"_pending,omitempty" yaml:"-"`
}

// BeneficiaryPatch is a partial update. Nil fields are left untouched.
type BeneficiaryPatch struct {
	Name         *string    `json:"name,omitempty"`
	Age          *int       `json:"age,omitempty"`
	Gender       *string    `json:"gender,omitempty"`
	Category     *string    `json:"category,omitempty"`
	Phone        *string    `json:"phone,omitempty"`
	AltPhone     *string    `json:"alt_phone,omitempty"`
	Address      *string    `json:"address,omitempty"`
	DocumentURIs []string   `json:"document_uris,omitempty"`
	FollowUpDue  *time.Time `json:"follow_up_due,omitempty"`
	Status       *string    `json:"status,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (p BeneficiaryPatch) IsEmpty() bool {
	return p.Name == nil && p.Age == nil && p.Gender == nil && p.Category == nil &&
		p.Phone == nil && p.AltPhone == nil && p.Address == nil &&
		p.DocumentURIs == nil && p.FollowUpDue == nil && p.Status == nil
}

// Apply copies the non-nil patch fields onto b and bumps LastModified.
func (p BeneficiaryPatch) Apply(b *Beneficiary, now time.Time) {
	if p.Name != nil {
		b.Name = *p.Name
	}
	if p.Age != nil {
		b.Age = *p.Age
	}
	if p.Gender != nil {
		b.Gender = *p.Gender
	}
	if p.Category != nil {
		b.Category = *p.Category
	}
	if p.Phone != nil {
		b.Phone = *p.Phone
	}
	if p.AltPhone != nil {
		b.AltPhone = *p.AltPhone
	}
	if p.Address != nil {
		b.Address = *p.Address
	}
	if p.DocumentURIs != nil {
		b.DocumentURIs = append([]string(nil), p.DocumentURIs...)
	}
	if p.FollowUpDue != nil {
		due := *p.FollowUpDue
		b.FollowUpDue = &due
	}
	if p.Status != nil {
		b.Status = *p.Status
	}
	b.LastModified = now
}

// Validate checks if the Beneficiary has valid field values.
func (b *Beneficiary) Validate() error {
	if strings.TrimSpace(b.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if len(b.Name) > 200 {
		return fmt.Errorf("name must be 200 characters or less (got %d)", len(b.Name))
	}
	if b.UniqueID == "" {
		return fmt.Errorf("unique_id is required")
	}
	if b.ShortID == "" {
		return fmt.Errorf("short_id is required")
	}
	if b.Age < 0 || b.Age > 130 {
		return fmt.Errorf("age must be between 0 and 130 (got %d)", b.Age)
	}
	if b.Phone != "" && !validPhone(b.Phone) {
		return fmt.Errorf("phone must be 10 digits (got %q)", b.Phone)
	}
	if b.AltPhone != "" && !validPhone(b.AltPhone) {
		return fmt.Errorf("alt_phone must be 10 digits (got %q)", b.AltPhone)
	}
	if b.Category != "" && !validCategories[b.Category] {
		return fmt.Errorf("unknown category: %s", b.Category)
	}
	if b.Status != StatusActive && b.Status != StatusInactive {
		return fmt.Errorf("status must be %q or %q (got %q)", StatusActive, StatusInactive, b.Status)
	}
	return nil
}

// SetDefaults fills identifiers and timestamps for a new registration.
// nationalID may be empty, in which case the temp id seeds UniqueID.
func (b *Beneficiary) SetDefaults(nationalID string, now time.Time) {
	if b.TempID == "" {
		b.TempID = NewTempID()
	}
	if b.UniqueID == "" {
		seed := nationalID
		if seed == "" {
			seed = b.TempID
		}
		b.UniqueID = UniqueID(seed, now)
	}
	if b.ShortID == "" {
		b.ShortID = ShortID(b.UniqueID)
	}
	if b.Status == "" {
		b.Status = StatusActive
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	if b.LastModified.IsZero() {
		b.LastModified = now
	}
}

// Key returns the id the worker sees: the server id once synced, otherwise
// the temporary id.
func (b *Beneficiary) Key() string {
	if b.ServerID != nil {
		return strconv.FormatInt(*b.ServerID, 10)
	}
	return b.TempID
}

// Synced reports whether the backing API has acknowledged this beneficiary.
func (b *Beneficiary) Synced() bool {
	return b.ServerID != nil
}

// NewTempID returns a client-generated placeholder id.
func NewTempID() string {
	return "tmp-" + uuid.NewString()
}

// UniqueID derives the idempotent correlation key from a national id and the
// creation timestamp.
func UniqueID(nationalID string, createdAt time.Time) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(nationalID) + "|" + createdAt.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(sum[:])
}

// ShortID derives the 8 character human code from a unique id.
func ShortID(uniqueID string) string {
	sum := sha256.Sum256([]byte(uniqueID))
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(sum[:5])
}

func validPhone(p string) bool {
	if len(p) != 10 {
		return false
	}
	for _, r := range p {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
