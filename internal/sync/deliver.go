package sync

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/anaemia-care/fieldsync/internal/local/schema"
	"github.com/anaemia-care/fieldsync/internal/outbox"
)

// deliver sends one entry to the gateway and applies the server response
// locally. Local bookkeeping failures after a successful remote call are
// logged, not returned, so the entry is not delivered twice.
func (e *Engine) deliver(ctx context.Context, entry outbox.Entry) error {
	switch (outbox.Route{Op: entry.Op, Entity: entry.Entity}) {
	case outbox.Route{Op: outbox.OpCreate, Entity: outbox.EntityBeneficiaries}:
		return e.deliverCreate(ctx, entry)
	case outbox.Route{Op: outbox.OpUpdate, Entity: outbox.EntityBeneficiaries}:
		return e.deliverUpdate(ctx, entry)
	case outbox.Route{Op: outbox.OpScreening, Entity: outbox.EntityScreenings}:
		var s schema.Screening
		if err := decode(entry, &s); err != nil {
			return err
		}
		id, err := e.resolve(ctx, s.BeneficiaryID, s.BeneficiaryLocalID)
		if err != nil {
			return err
		}
		_, err = e.deps.Gateway.AddScreening(ctx, id, s)
		return err
	case outbox.Route{Op: outbox.OpIntervention, Entity: outbox.EntityInterventions}:
		var iv schema.Intervention
		if err := decode(entry, &iv); err != nil {
			return err
		}
		id, err := e.resolve(ctx, iv.BeneficiaryID, iv.BeneficiaryLocalID)
		if err != nil {
			return err
		}
		_, err = e.deps.Gateway.AddIntervention(ctx, id, iv)
		return err
	case outbox.Route{Op: outbox.OpReferral, Entity: outbox.EntityFollowUps}:
		var f schema.FollowUp
		if err := decode(entry, &f); err != nil {
			return err
		}
		id, err := e.resolve(ctx, f.BeneficiaryID, f.BeneficiaryLocalID)
		if err != nil {
			return err
		}
		_, err = e.deps.Gateway.AddFollowUp(ctx, id, f)
		return err
	default:
		return fmt.Errorf("%w: %s/%s", ErrUnknownRoute, entry.Op, entry.Entity)
	}
}

func (e *Engine) deliverCreate(ctx context.Context, entry outbox.Entry) error {
	var b schema.Beneficiary
	if err := decode(entry, &b); err != nil {
		return err
	}
	if b.UniqueID == "" {
		return fmt.Errorf("%w: create without unique_id", ErrMalformedPayload)
	}

	localID := b.LocalID
	server, err := e.deps.Gateway.CreateBeneficiary(ctx, b)
	if err != nil {
		return err
	}
	if server.ServerID == nil {
		return fmt.Errorf("%w: server response without id", ErrMalformedPayload)
	}

	if localID != 0 {
		if err := e.deps.Local.MarkBeneficiarySynced(ctx, localID, *server.ServerID); err != nil {
			e.logger.Error("failed to record server id",
				zap.Int64("local_id", localID),
				zap.Int64("server_id", *server.ServerID),
				zap.Error(err))
		}
		server.LocalID = localID
	}
	server.Pending = false
	if err := e.deps.Snapshots.Upsert(ctx, server); err != nil {
		e.logger.Warn("failed to update snapshot", zap.Error(err))
	}
	return nil
}

func (e *Engine) deliverUpdate(ctx context.Context, entry outbox.Entry) error {
	var p outbox.UpdatePayload
	if err := decode(entry, &p); err != nil {
		return err
	}

	id, err := e.resolve(ctx, nil, p.LocalID)
	if err != nil {
		return err
	}

	server, err := e.deps.Gateway.UpdateBeneficiary(ctx, id, p.Patch)
	if err != nil {
		return err
	}
	server.LocalID = p.LocalID
	server.Pending = false
	if err := e.deps.Snapshots.Upsert(ctx, server); err != nil {
		e.logger.Warn("failed to update snapshot", zap.Error(err))
	}
	return nil
}

// resolve returns the server id for a beneficiary reference, looking it up
// by local id when the payload does not carry it.
func (e *Engine) resolve(ctx context.Context, serverID *int64, localID int64) (int64, error) {
	if serverID != nil {
		return *serverID, nil
	}
	if localID == 0 {
		return 0, fmt.Errorf("%w: no beneficiary reference", ErrMalformedPayload)
	}
	id, err := e.deps.Local.ServerIDFor(ctx, localID)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve beneficiary %d: %w", localID, err)
	}
	if id == nil {
		return 0, fmt.Errorf("beneficiary %d: %w", localID, ErrUnresolvedBeneficiary)
	}
	return *id, nil
}

func decode(entry outbox.Entry, v any) error {
	if err := json.Unmarshal(entry.Payload, v); err != nil {
		return fmt.Errorf("%w: entry %d: %v", ErrMalformedPayload, entry.ID, err)
	}
	return nil
}
