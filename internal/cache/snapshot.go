package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/anaemia-care/fieldsync/internal/local/schema"
	"github.com/anaemia-care/fieldsync/internal/metrics"
)

// SnapshotKey is the KV key holding the primary beneficiary snapshot.
const SnapshotKey = "beneficiaries_snapshot_v1"

// ErrStaleVersion is returned by ReplaceIfVersion when another write landed
// after the caller captured the version.
var ErrStaleVersion = errors.New("snapshot changed since version was read")

// Snapshot is the last-known-good beneficiary list plus the current record.
// It is always written wholesale.
type Snapshot struct {
	Beneficiaries []schema.Beneficiary `json:"beneficiaries"`
	Current       *schema.Beneficiary  `json:"current,omitempty"`
	Version       uint64               `json:"version"`
	SavedAt       time.Time            `json:"saved_at"`
}

// Placeholders returns the entries whose remote write is unconfirmed.
func (s Snapshot) Placeholders() []schema.Beneficiary {
	var out []schema.Beneficiary
	for _, b := range s.Beneficiaries {
		if b.Pending {
			out = append(out, b)
		}
	}
	return out
}

// Find returns the entry with the given unique id.
func (s Snapshot) Find(uniqueID string) (schema.Beneficiary, bool) {
	for _, b := range s.Beneficiaries {
		if b.UniqueID == uniqueID {
			return b, true
		}
	}
	return schema.Beneficiary{}, false
}

// Snapshots serializes all snapshot writes within the process. Every write
// bumps Version. The primary snapshot never expires.
type Snapshots struct {
	kv      KV
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu sync.Mutex
}

// NewSnapshots creates a snapshot store on kv. logger and m may be nil.
func NewSnapshots(kv KV, logger *zap.Logger, m *metrics.Metrics) *Snapshots {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Snapshots{
		kv:      kv,
		logger:  logger.Named("cache"),
		metrics: m,
		now:     time.Now,
	}
}

// Load returns the stored snapshot. ok is false when none has been written.
func (s *Snapshots) Load(ctx context.Context) (snap Snapshot, ok bool, err error) {
	raw, err := s.kv.Get(ctx, SnapshotKey)
	if errors.Is(err, ErrMiss) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("failed to read snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return snap, true, nil
}

// Version returns the current snapshot version (0 when none exists).
func (s *Snapshots) Version(ctx context.Context) (uint64, error) {
	snap, _, err := s.Load(ctx)
	if err != nil {
		return 0, err
	}
	return snap.Version, nil
}

// Replace overwrites the list with server data. Placeholders that the list
// does not contain yet are kept so offline registrations stay visible.
func (s *Snapshots) Replace(ctx context.Context, list []schema.Beneficiary) (Snapshot, error) {
	return s.replace(ctx, nil, list)
}

// ReplaceIfVersion is Replace guarded by the version the caller observed
// before fetching. It returns ErrStaleVersion when the snapshot moved on.
func (s *Snapshots) ReplaceIfVersion(ctx context.Context, expected uint64, list []schema.Beneficiary) (Snapshot, error) {
	return s.replace(ctx, &expected, list)
}

func (s *Snapshots) replace(ctx context.Context, expected *uint64, list []schema.Beneficiary) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.loadForWrite(ctx)
	if expected != nil && cur.Version != *expected {
		s.metrics.IncStaleRejection()
		s.logger.Debug("stale snapshot replace refused",
			zap.Uint64("expected", *expected),
			zap.Uint64("actual", cur.Version))
		return cur, ErrStaleVersion
	}

	next := Snapshot{
		Beneficiaries: MergePlaceholders(list, cur.Placeholders()),
		Current:       cur.Current,
		Version:       cur.Version + 1,
	}
	if next.Current != nil {
		if fresh, ok := next.Find(next.Current.UniqueID); ok {
			next.Current = &fresh
		}
	}
	return next, s.write(ctx, &next)
}

// Upsert inserts or replaces one beneficiary, matched by unique id. A server
// copy replaces its own placeholder and keeps the embedded latest screening
// when it carries none. The current record is refreshed when it is the same
// beneficiary.
func (s *Snapshots) Upsert(ctx context.Context, b schema.Beneficiary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.loadForWrite(ctx)
	replaced := false
	for i := range cur.Beneficiaries {
		if cur.Beneficiaries[i].UniqueID == b.UniqueID {
			if b.LatestScreening == nil {
				b.LatestScreening = cur.Beneficiaries[i].LatestScreening
			}
			cur.Beneficiaries[i] = b
			replaced = true
			break
		}
	}
	if !replaced {
		cur.Beneficiaries = append(cur.Beneficiaries, b)
	}
	if cur.Current != nil && cur.Current.UniqueID == b.UniqueID {
		c := b
		cur.Current = &c
	}
	cur.Version++
	return s.write(ctx, &cur)
}

// SetCurrent records the beneficiary being worked on; nil clears it.
func (s *Snapshots) SetCurrent(ctx context.Context, b *schema.Beneficiary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.loadForWrite(ctx)
	if b == nil {
		cur.Current = nil
	} else {
		c := *b
		cur.Current = &c
	}
	cur.Version++
	return s.write(ctx, &cur)
}

// loadForWrite returns the stored snapshot, or an empty one when it is
// missing or unreadable. Versions keep increasing across a reset so a
// caller's captured version can never match by accident.
func (s *Snapshots) loadForWrite(ctx context.Context) Snapshot {
	snap, _, err := s.Load(ctx)
	if err != nil {
		s.logger.Warn("discarding unreadable snapshot", zap.Error(err))
		return Snapshot{Version: uint64(s.now().UnixNano())}
	}
	return snap
}

func (s *Snapshots) write(ctx context.Context, snap *Snapshot) error {
	snap.SavedAt = s.now().UTC()
	if snap.Beneficiaries == nil {
		snap.Beneficiaries = []schema.Beneficiary{}
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := s.kv.Set(ctx, SnapshotKey, string(data), 0); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	s.metrics.IncCacheWrite()
	return nil
}

// MergePlaceholders appends the placeholders whose unique id is not in list.
func MergePlaceholders(list, placeholders []schema.Beneficiary) []schema.Beneficiary {
	out := make([]schema.Beneficiary, 0, len(list)+len(placeholders))
	seen := make(map[string]bool, len(list))
	for _, b := range list {
		seen[b.UniqueID] = true
		out = append(out, b)
	}
	for _, p := range placeholders {
		if !seen[p.UniqueID] {
			out = append(out, p)
		}
	}
	return out
}
