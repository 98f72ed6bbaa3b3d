package store

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/anaemia-care/fieldsync/internal/local/db"
	"github.com/anaemia-care/fieldsync/internal/local/schema"
	"github.com/anaemia-care/fieldsync/internal/outbox"
)

// AddBeneficiary registers a beneficiary. nationalID seeds the unique id and
// is not stored. The result is the server copy, or a placeholder with
// Pending set and a temp id when the write was queued.
func (s *Store) AddBeneficiary(ctx context.Context, b schema.Beneficiary, nationalID string) (schema.Beneficiary, error) {
	if nationalID == "" {
		nationalID = b.NationalID
	}
	b.NationalID = ""
	b.ServerID = nil
	b.SetDefaults(nationalID, s.now().UTC())
	if err := b.Validate(); err != nil {
		return schema.Beneficiary{}, invalid("beneficiary", err)
	}

	if err := s.db.InsertBeneficiary(ctx, &b); err != nil {
		return schema.Beneficiary{}, fmt.Errorf("failed to save beneficiary: %w", err)
	}

	var server schema.Beneficiary
	queued := s.pushOrQueue(ctx, outbox.OpCreate, outbox.EntityBeneficiaries, b, func(ctx context.Context) error {
		var err error
		server, err = s.gateway.CreateBeneficiary(ctx, b)
		if err == nil && server.ServerID == nil {
			err = errors.New("server response without id")
		}
		return err
	})

	if queued {
		b.Pending = true
		s.snapshotUpsert(ctx, b)
		return b, nil
	}

	if err := s.db.MarkBeneficiarySynced(ctx, b.LocalID, *server.ServerID); err != nil {
		s.logger.Error("failed to record server id",
			zap.Int64("local_id", b.LocalID), zap.Error(err))
	}
	server.LocalID = b.LocalID
	server.Pending = false
	s.snapshotUpsert(ctx, server)
	return server, nil
}

// UpdateBeneficiary applies patch to the beneficiary with the given local id.
func (s *Store) UpdateBeneficiary(ctx context.Context, localID int64, patch schema.BeneficiaryPatch) (schema.Beneficiary, error) {
	if patch.IsEmpty() {
		return schema.Beneficiary{}, invalid("patch", errors.New("nothing to update"))
	}

	updated, err := s.db.UpdateBeneficiary(ctx, localID, patch)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return schema.Beneficiary{}, err
		}
		return schema.Beneficiary{}, fmt.Errorf("failed to update beneficiary: %w", err)
	}

	var remote func(ctx context.Context) error
	var server schema.Beneficiary
	if updated.ServerID != nil {
		id := *updated.ServerID
		remote = func(ctx context.Context) error {
			var err error
			server, err = s.gateway.UpdateBeneficiary(ctx, id, patch)
			return err
		}
	}

	payload := outbox.UpdatePayload{LocalID: localID, UniqueID: updated.UniqueID, Patch: patch}
	if s.pushOrQueue(ctx, outbox.OpUpdate, outbox.EntityBeneficiaries, payload, remote) {
		updated.Pending = true
		s.snapshotUpsert(ctx, *updated)
		return *updated, nil
	}

	server.LocalID = localID
	server.Pending = false
	s.snapshotUpsert(ctx, server)
	return server, nil
}

// AddScreening records a screening for a local beneficiary. Anaemia status
// and severity are derived from the beneficiary's category.
func (s *Store) AddScreening(ctx context.Context, sc schema.Screening) (schema.Screening, error) {
	parent, err := s.parent(ctx, sc.BeneficiaryLocalID)
	if err != nil {
		return schema.Screening{}, err
	}
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = s.now().UTC()
	}
	sc.Classify(parent.Category)
	if err := sc.Validate(); err != nil {
		return schema.Screening{}, invalid("screening", err)
	}
	if err := s.db.InsertScreening(ctx, &sc); err != nil {
		return schema.Screening{}, fmt.Errorf("failed to save screening: %w", err)
	}

	var remote func(ctx context.Context) error
	if sc.BeneficiaryID != nil {
		id := *sc.BeneficiaryID
		remote = func(ctx context.Context) error {
			_, err := s.gateway.AddScreening(ctx, id, sc)
			return err
		}
	}
	sc.Pending = s.pushOrQueue(ctx, outbox.OpScreening, outbox.EntityScreenings, sc, remote)

	parent.LatestScreening = &sc
	s.snapshotUpsert(ctx, *parent)
	return sc, nil
}

// AddIntervention records an intervention for a local beneficiary.
func (s *Store) AddIntervention(ctx context.Context, iv schema.Intervention) (schema.Intervention, error) {
	if _, err := s.parent(ctx, iv.BeneficiaryLocalID); err != nil {
		return schema.Intervention{}, err
	}
	if iv.CreatedAt.IsZero() {
		iv.CreatedAt = s.now().UTC()
	}
	if err := iv.Validate(); err != nil {
		return schema.Intervention{}, invalid("intervention", err)
	}
	if err := s.db.InsertIntervention(ctx, &iv); err != nil {
		return schema.Intervention{}, fmt.Errorf("failed to save intervention: %w", err)
	}

	var remote func(ctx context.Context) error
	if iv.BeneficiaryID != nil {
		id := *iv.BeneficiaryID
		remote = func(ctx context.Context) error {
			_, err := s.gateway.AddIntervention(ctx, id, iv)
			return err
		}
	}
	iv.Pending = s.pushOrQueue(ctx, outbox.OpIntervention, outbox.EntityInterventions, iv, remote)
	return iv, nil
}

// AddReferral records a follow-up visit, optionally referring the
// beneficiary to a facility.
func (s *Store) AddReferral(ctx context.Context, f schema.FollowUp) (schema.FollowUp, error) {
	if _, err := s.parent(ctx, f.BeneficiaryLocalID); err != nil {
		return schema.FollowUp{}, err
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = s.now().UTC()
	}
	if err := f.Validate(); err != nil {
		return schema.FollowUp{}, invalid("followup", err)
	}
	if err := s.db.InsertFollowUp(ctx, &f); err != nil {
		return schema.FollowUp{}, fmt.Errorf("failed to save followup: %w", err)
	}

	var remote func(ctx context.Context) error
	if f.BeneficiaryID != nil {
		id := *f.BeneficiaryID
		remote = func(ctx context.Context) error {
			_, err := s.gateway.AddFollowUp(ctx, id, f)
			return err
		}
	}
	f.Pending = s.pushOrQueue(ctx, outbox.OpReferral, outbox.EntityFollowUps, f, remote)
	return f, nil
}

func (s *Store) parent(ctx context.Context, localID int64) (*schema.Beneficiary, error) {
	if localID == 0 {
		return nil, invalid("record", errors.New("beneficiary_local_id is required"))
	}
	b, err := s.db.GetBeneficiary(ctx, localID)
	if err != nil {
		return nil, fmt.Errorf("beneficiary %d: %w", localID, err)
	}
	return b, nil
}

func (s *Store) snapshotUpsert(ctx context.Context, b schema.Beneficiary) {
	if err := s.snapshots.Upsert(ctx, b); err != nil {
		s.logger.Warn("failed to update snapshot",
			zap.String("unique_id", b.UniqueID), zap.Error(err))
	}
}
