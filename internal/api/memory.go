package api

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/anaemia-care/fieldsync/internal/gateway"
	"github.com/anaemia-care/fieldsync/internal/local/schema"
)

// MemoryRepository keeps everything in process memory.
type MemoryRepository struct {
	mu            sync.RWMutex
	nextID        int64
	nextSubID     int64
	beneficiaries map[int64]schema.Beneficiary
	byUnique      map[string]int64
	byShort       map[string]int64
	screenings    map[int64][]schema.Screening
	interventions map[int64][]schema.Intervention
	followups     map[int64][]schema.FollowUp
	now           func() time.Time
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		beneficiaries: make(map[int64]schema.Beneficiary),
		byUnique:      make(map[string]int64),
		byShort:       make(map[string]int64),
		screenings:    make(map[int64][]schema.Screening),
		interventions: make(map[int64][]schema.Intervention),
		followups:     make(map[int64][]schema.FollowUp),
		now:           time.Now,
	}
}

func (r *MemoryRepository) CreateBeneficiary(_ context.Context, b schema.Beneficiary) (schema.Beneficiary, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byUnique[b.UniqueID]; ok {
		return r.beneficiaries[id], false, nil
	}
	if _, ok := r.byShort[b.ShortID]; ok {
		return schema.Beneficiary{}, false, ErrConflict
	}

	r.nextID++
	id := r.nextID
	b.ServerID = &id
	b.LocalID = 0
	b.Pending = false
	b.LatestScreening = nil
	if b.CreatedAt.IsZero() {
		b.CreatedAt = r.now().UTC()
	}
	b.LastModified = r.now().UTC()

	r.beneficiaries[id] = b
	r.byUnique[b.UniqueID] = id
	r.byShort[b.ShortID] = id
	return b, true, nil
}

func (r *MemoryRepository) UpdateBeneficiary(_ context.Context, id int64, patch schema.BeneficiaryPatch) (schema.Beneficiary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.beneficiaries[id]
	if !ok {
		return schema.Beneficiary{}, ErrNotFound
	}
	patch.Apply(&b, r.now().UTC())
	if err := b.Validate(); err != nil {
		return schema.Beneficiary{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	r.beneficiaries[id] = b
	return r.withLatest(id, b), nil
}

func (r *MemoryRepository) ListBeneficiaries(_ context.Context, filters gateway.Filters) ([]schema.Beneficiary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]int64, 0, len(r.beneficiaries))
	for id := range r.beneficiaries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]schema.Beneficiary, 0, len(ids))
	for _, id := range ids {
		b := r.beneficiaries[id]
		if filters.Match(b) {
			out = append(out, r.withLatest(id, b))
		}
	}
	return out, nil
}

func (r *MemoryRepository) withLatest(id int64, b schema.Beneficiary) schema.Beneficiary {
	if list := r.screenings[id]; len(list) > 0 {
		latest := list[len(list)-1]
		b.LatestScreening = &latest
	}
	return b
}

func (r *MemoryRepository) AddScreening(_ context.Context, beneficiaryID int64, s schema.Screening) (schema.Screening, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.beneficiaries[beneficiaryID]
	if !ok {
		return schema.Screening{}, ErrNotFound
	}
	r.nextSubID++
	s.ID = r.nextSubID
	s.BeneficiaryID = &beneficiaryID
	s.BeneficiaryLocalID = 0
	s.Pending = false
	s.Classify(b.Category)
	r.screenings[beneficiaryID] = append(r.screenings[beneficiaryID], s)
	return s, nil
}

func (r *MemoryRepository) AddIntervention(_ context.Context, beneficiaryID int64, iv schema.Intervention) (schema.Intervention, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.beneficiaries[beneficiaryID]; !ok {
		return schema.Intervention{}, ErrNotFound
	}
	r.nextSubID++
	iv.ID = r.nextSubID
	iv.BeneficiaryID = &beneficiaryID
	iv.BeneficiaryLocalID = 0
	iv.Pending = false
	r.interventions[beneficiaryID] = append(r.interventions[beneficiaryID], iv)
	return iv, nil
}

func (r *MemoryRepository) AddFollowUp(_ context.Context, beneficiaryID int64, f schema.FollowUp) (schema.FollowUp, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.beneficiaries[beneficiaryID]
	if !ok {
		return schema.FollowUp{}, ErrNotFound
	}
	r.nextSubID++
	f.ID = r.nextSubID
	f.BeneficiaryID = &beneficiaryID
	f.BeneficiaryLocalID = 0
	f.Pending = false
	r.followups[beneficiaryID] = append(r.followups[beneficiaryID], f)

	// A scheduled visit moves the beneficiary's next due date.
	if f.VisitDate.After(r.now()) {
		due := f.VisitDate
		b.FollowUpDue = &due
		r.beneficiaries[beneficiaryID] = b
	}
	return f, nil
}
