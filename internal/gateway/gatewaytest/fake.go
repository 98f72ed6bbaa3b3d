// Package gatewaytest provides an in-memory gateway.Gateway for tests.
package gatewaytest

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/anaemia-care/fieldsync/internal/gateway"
	"github.com/anaemia-care/fieldsync/internal/local/schema"
)

// ErrUnreachable is a ready-made transport failure for fault injection.
var ErrUnreachable = &gateway.NetworkError{Op: "fake", Err: errors.New("connection refused")}

// Fake stores records in memory and mirrors the backing API's semantics:
// creates are idempotent on unique_id and ids are assigned sequentially.
type Fake struct {
	mu            sync.Mutex
	nextID        int64
	nextSubID     int64
	beneficiaries map[int64]schema.Beneficiary
	byUnique      map[string]int64
	screenings    map[int64][]schema.Screening
	interventions map[int64][]schema.Intervention
	followups     map[int64][]schema.FollowUp

	calls    map[string]int
	failNext map[string][]error
	failAll  error
	delay    time.Duration
	onCall   func(op string)
}

var _ gateway.Gateway = (*Fake)(nil)

// NewFake returns an empty fake.
func NewFake() *Fake {
	return &Fake{
		nextID:        100,
		beneficiaries: make(map[int64]schema.Beneficiary),
		byUnique:      make(map[string]int64),
		screenings:    make(map[int64][]schema.Screening),
		interventions: make(map[int64][]schema.Intervention),
		followups:     make(map[int64][]schema.FollowUp),
		calls:         make(map[string]int),
		failNext:      make(map[string][]error),
	}
}

// FailNext queues err for the next call of op.
func (f *Fake) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext[op] = append(f.failNext[op], err)
}

// FailAll makes every call fail with err until reset with nil.
func (f *Fake) FailAll(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAll = err
}

// SetDelay makes every call wait d (or until ctx is done).
func (f *Fake) SetDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
}

// OnCall registers a hook run at the start of every call, outside the lock.
func (f *Fake) OnCall(fn func(op string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onCall = fn
}

// Calls returns how many times op was invoked, including failed calls.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// Seed stores server-side beneficiaries as if created by another device.
func (f *Fake) Seed(list ...schema.Beneficiary) []schema.Beneficiary {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]schema.Beneficiary, 0, len(list))
	for _, b := range list {
		out = append(out, f.insertLocked(b))
	}
	return out
}

// Beneficiaries returns all stored beneficiaries ordered by id.
func (f *Fake) Beneficiaries() []schema.Beneficiary {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listLocked(gateway.Filters{})
}

// Screenings returns the screenings stored for a server id.
func (f *Fake) Screenings(id int64) []schema.Screening {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]schema.Screening(nil), f.screenings[id]...)
}

// Interventions returns the interventions stored for a server id.
func (f *Fake) Interventions(id int64) []schema.Intervention {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]schema.Intervention(nil), f.interventions[id]...)
}

// FollowUps returns the followups stored for a server id.
func (f *Fake) FollowUps(id int64) []schema.FollowUp {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]schema.FollowUp(nil), f.followups[id]...)
}

func (f *Fake) enter(ctx context.Context, op string) error {
	f.mu.Lock()
	f.calls[op]++
	delay := f.delay
	hook := f.onCall
	var err error
	if q := f.failNext[op]; len(q) > 0 {
		err = q[0]
		f.failNext[op] = q[1:]
	} else if f.failAll != nil {
		err = f.failAll
	}
	f.mu.Unlock()

	if hook != nil {
		hook(op)
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return &gateway.NetworkError{Op: op, Err: ctx.Err()}
		}
	}
	return err
}

func (f *Fake) CreateBeneficiary(ctx context.Context, b schema.Beneficiary) (schema.Beneficiary, error) {
	if err := f.enter(ctx, gateway.OpCreateBeneficiary); err != nil {
		return schema.Beneficiary{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if id, ok := f.byUnique[b.UniqueID]; ok {
		return f.beneficiaries[id], nil
	}
	for _, existing := range f.beneficiaries {
		if existing.ShortID == b.ShortID {
			return schema.Beneficiary{}, &gateway.StatusError{
				Op: gateway.OpCreateBeneficiary, StatusCode: http.StatusConflict, Message: "short_id already exists",
			}
		}
	}
	return f.insertLocked(b), nil
}

func (f *Fake) UpdateBeneficiary(ctx context.Context, id int64, patch schema.BeneficiaryPatch) (schema.Beneficiary, error) {
	if err := f.enter(ctx, gateway.OpUpdateBeneficiary); err != nil {
		return schema.Beneficiary{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	b, ok := f.beneficiaries[id]
	if !ok {
		return schema.Beneficiary{}, notFound(gateway.OpUpdateBeneficiary)
	}
	patch.Apply(&b, time.Now().UTC())
	f.beneficiaries[id] = b
	return b, nil
}

func (f *Fake) AddScreening(ctx context.Context, beneficiaryID int64, s schema.Screening) (schema.Screening, error) {
	if err := f.enter(ctx, gateway.OpAddScreening); err != nil {
		return schema.Screening{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	b, ok := f.beneficiaries[beneficiaryID]
	if !ok {
		return schema.Screening{}, notFound(gateway.OpAddScreening)
	}
	f.nextSubID++
	s.ID = f.nextSubID
	s.BeneficiaryID = &beneficiaryID
	s.BeneficiaryLocalID = 0
	s.Classify(b.Category)
	f.screenings[beneficiaryID] = append(f.screenings[beneficiaryID], s)
	return s, nil
}

func (f *Fake) AddIntervention(ctx context.Context, beneficiaryID int64, iv schema.Intervention) (schema.Intervention, error) {
	if err := f.enter(ctx, gateway.OpAddIntervention); err != nil {
		return schema.Intervention{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.beneficiaries[beneficiaryID]; !ok {
		return schema.Intervention{}, notFound(gateway.OpAddIntervention)
	}
	f.nextSubID++
	iv.ID = f.nextSubID
	iv.BeneficiaryID = &beneficiaryID
	iv.BeneficiaryLocalID = 0
	f.interventions[beneficiaryID] = append(f.interventions[beneficiaryID], iv)
	return iv, nil
}

func (f *Fake) AddFollowUp(ctx context.Context, beneficiaryID int64, fu schema.FollowUp) (schema.FollowUp, error) {
	if err := f.enter(ctx, gateway.OpAddFollowUp); err != nil {
		return schema.FollowUp{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.beneficiaries[beneficiaryID]; !ok {
		return schema.FollowUp{}, notFound(gateway.OpAddFollowUp)
	}
	f.nextSubID++
	fu.ID = f.nextSubID
	fu.BeneficiaryID = &beneficiaryID
	fu.BeneficiaryLocalID = 0
	f.followups[beneficiaryID] = append(f.followups[beneficiaryID], fu)
	return fu, nil
}

func (f *Fake) GetBeneficiariesWithData(ctx context.Context, filters gateway.Filters) ([]schema.Beneficiary, error) {
	if err := f.enter(ctx, gateway.OpListBeneficiaries); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listLocked(filters), nil
}

func (f *Fake) insertLocked(b schema.Beneficiary) schema.Beneficiary {
	f.nextID++
	id := f.nextID
	b.ServerID = &id
	b.LocalID = 0
	b.Pending = false
	if b.Status == "" {
		b.Status = schema.StatusActive
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	if b.LastModified.IsZero() {
		b.LastModified = b.CreatedAt
	}
	f.beneficiaries[id] = b
	f.byUnique[b.UniqueID] = id
	return b
}

func (f *Fake) listLocked(filters gateway.Filters) []schema.Beneficiary {
	ids := make([]int64, 0, len(f.beneficiaries))
	for id := range f.beneficiaries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]schema.Beneficiary, 0, len(ids))
	for _, id := range ids {
		b := f.beneficiaries[id]
		if !filters.Match(b) {
			continue
		}
		if list := f.screenings[id]; len(list) > 0 {
			latest := list[len(list)-1]
			b.LatestScreening = &latest
		}
		out = append(out, b)
	}
	return out
}

func notFound(op string) error {
	return &gateway.StatusError{Op: op, StatusCode: http.StatusNotFound, Message: "beneficiary not found"}
}
