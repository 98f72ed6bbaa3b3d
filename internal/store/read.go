package store

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/anaemia-care/fieldsync/internal/cache"
	"github.com/anaemia-care/fieldsync/internal/gateway"
	"github.com/anaemia-care/fieldsync/internal/local/schema"
)

// FetchBeneficiaries returns the beneficiary list. Online it asks the API;
// an unfiltered result replaces the snapshot. Offline, or when the API call
// fails, it serves the snapshot with filters applied locally. Unconfirmed
// local registrations are always included.
func (s *Store) FetchBeneficiaries(ctx context.Context, filters gateway.Filters) ([]schema.Beneficiary, error) {
	if s.online(ctx) {
		list, err := s.fetchRemote(ctx, filters)
		if err == nil {
			return list, nil
		}
		s.logger.Info("remote fetch failed, serving snapshot",
			zap.String("class", gateway.Class(err)), zap.Error(err))

		snap, ok, lerr := s.snapshots.Load(ctx)
		if lerr != nil || !ok {
			return nil, fmt.Errorf("failed to fetch beneficiaries: %w", err)
		}
		return filters.Apply(snap.Beneficiaries), nil
	}

	snap, _, err := s.snapshots.Load(ctx)
	if err != nil {
		s.logger.Warn("snapshot unreadable, serving empty list", zap.Error(err))
		return []schema.Beneficiary{}, nil
	}
	return nonNil(filters.Apply(snap.Beneficiaries)), nil
}

func (s *Store) fetchRemote(ctx context.Context, filters gateway.Filters) ([]schema.Beneficiary, error) {
	version, verr := s.snapshots.Version(ctx)

	rctx, cancel := context.WithTimeout(ctx, s.config.RemoteTimeout)
	list, err := s.gateway.GetBeneficiariesWithData(rctx, filters)
	cancel()
	if err != nil {
		return nil, err
	}

	if !filters.IsZero() {
		snap, _, lerr := s.snapshots.Load(ctx)
		if lerr != nil {
			return nonNil(list), nil
		}
		return nonNil(cache.MergePlaceholders(list, filters.Apply(snap.Placeholders()))), nil
	}

	var snap cache.Snapshot
	if verr == nil {
		snap, err = s.snapshots.ReplaceIfVersion(ctx, version, list)
	} else {
		snap, err = s.snapshots.Replace(ctx, list)
	}
	if errors.Is(err, cache.ErrStaleVersion) {
		// A local write landed while the request was in flight. It wins
		// until the next fetch and the local table is left alone.
		return nonNil(snap.Beneficiaries), nil
	}
	if err != nil {
		s.logger.Warn("failed to replace snapshot", zap.Error(err))
		return nonNil(list), nil
	}
	if _, err := s.db.MirrorBeneficiaries(ctx, list); err != nil {
		s.logger.Warn("failed to mirror beneficiaries", zap.Error(err))
	}
	return snap.Beneficiaries, nil
}

// Lookup finds a local beneficiary by server id, temp id or short id.
func (s *Store) Lookup(ctx context.Context, key string) (*schema.Beneficiary, error) {
	return s.db.GetBeneficiaryByKey(ctx, key)
}

// CurrentBeneficiary returns the beneficiary being worked on, or nil.
func (s *Store) CurrentBeneficiary(ctx context.Context) (*schema.Beneficiary, error) {
	snap, _, err := s.snapshots.Load(ctx)
	if err != nil {
		return nil, err
	}
	return snap.Current, nil
}

// SetCurrent records b as the beneficiary being worked on; nil clears it.
func (s *Store) SetCurrent(ctx context.Context, b *schema.Beneficiary) error {
	return s.snapshots.SetCurrent(ctx, b)
}

func nonNil(list []schema.Beneficiary) []schema.Beneficiary {
	if list == nil {
		return []schema.Beneficiary{}
	}
	return list
}
