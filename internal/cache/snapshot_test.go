package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/anaemia-care/fieldsync/internal/local/schema"
)

func newSnapshots(t *testing.T) *Snapshots {
	t.Helper()
	kv, err := NewFileKV(t.TempDir())
	require.NoError(t, err)
	return NewSnapshots(kv, zap.NewNop(), nil)
}

func synced(name, uniqueID string, id int64) schema.Beneficiary {
	return schema.Beneficiary{ServerID: &id, UniqueID: uniqueID, ShortID: uniqueID[:4], Name: name, Status: schema.StatusActive}
}

func placeholder(name, uniqueID string) schema.Beneficiary {
	return schema.Beneficiary{TempID: "tmp-" + uniqueID, UniqueID: uniqueID, ShortID: uniqueID[:4], Name: name, Status: schema.StatusActive, Pending: true}
}

func TestSnapshots_LoadMissing(t *testing.T) {
	s := newSnapshots(t)
	snap, ok, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, snap.Beneficiaries)
}

func TestSnapshots_ReplaceKeepsUnackedPlaceholders(t *testing.T) {
	ctx := context.Background()
	s := newSnapshots(t)

	require.NoError(t, s.Upsert(ctx, placeholder("Offline", "uuuu-1")))
	require.NoError(t, s.Upsert(ctx, placeholder("Acked", "uuuu-2")))

	snap, err := s.Replace(ctx, []schema.Beneficiary{
		synced("Acked", "uuuu-2", 7),
		synced("Other", "uuuu-3", 8),
	})
	require.NoError(t, err)
	require.Len(t, snap.Beneficiaries, 3)

	acked, ok := snap.Find("uuuu-2")
	require.True(t, ok)
	assert.False(t, acked.Pending)
	assert.Equal(t, int64(7), *acked.ServerID)

	offline, ok := snap.Find("uuuu-1")
	require.True(t, ok)
	assert.True(t, offline.Pending)

	loaded, ok, err := s.Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, snap.Version, loaded.Version)
	assert.Len(t, loaded.Placeholders(), 1)
	assert.False(t, loaded.SavedAt.IsZero())
}

func TestSnapshots_ReplaceIfVersionRejectsStale(t *testing.T) {
	ctx := context.Background()
	s := newSnapshots(t)

	_, err := s.Replace(ctx, []schema.Beneficiary{synced("A", "aaaa-1", 1)})
	require.NoError(t, err)

	// A fetch captures the version, then a local mutation lands first.
	captured, err := s.Version(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Upsert(ctx, placeholder("Local", "bbbb-1")))

	_, err = s.ReplaceIfVersion(ctx, captured, []schema.Beneficiary{synced("A", "aaaa-1", 1)})
	assert.ErrorIs(t, err, ErrStaleVersion)

	snap, _, err := s.Load(ctx)
	require.NoError(t, err)
	_, ok := snap.Find("bbbb-1")
	assert.True(t, ok, "local mutation must survive a stale replace")

	// With the fresh version the replace goes through.
	snap, err = s.ReplaceIfVersion(ctx, snap.Version, []schema.Beneficiary{synced("A2", "aaaa-1", 1)})
	require.NoError(t, err)
	a, _ := snap.Find("aaaa-1")
	assert.Equal(t, "A2", a.Name)
}

func TestSnapshots_UpsertReplacesPlaceholderAndCurrent(t *testing.T) {
	ctx := context.Background()
	s := newSnapshots(t)

	p := placeholder("Rani", "rrrr-1")
	require.NoError(t, s.Upsert(ctx, p))
	require.NoError(t, s.SetCurrent(ctx, &p))

	require.NoError(t, s.Upsert(ctx, synced("Rani", "rrrr-1", 99)))

	snap, _, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Beneficiaries, 1)
	assert.False(t, snap.Beneficiaries[0].Pending)
	require.NotNil(t, snap.Current)
	assert.Equal(t, "99", snap.Current.Key())

	require.NoError(t, s.SetCurrent(ctx, nil))
	snap, _, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, snap.Current)
}

func TestSnapshots_VersionMonotonic(t *testing.T) {
	ctx := context.Background()
	s := newSnapshots(t)

	var last uint64
	for i := 0; i < 3; i++ {
		snap, err := s.Replace(ctx, nil)
		require.NoError(t, err)
		assert.Greater(t, snap.Version, last)
		last = snap.Version
	}
}

func TestSecondary_Expiry(t *testing.T) {
	ctx := context.Background()
	kv, err := NewFileKV(t.TempDir())
	require.NoError(t, err)
	now := time.Now()
	kv.now = func() time.Time { return now }

	c := NewSecondary(kv, 0)
	require.NoError(t, c.PutJSON(ctx, "last_cycle", map[string]int{"succeeded": 2}))

	var got map[string]int
	require.NoError(t, c.GetJSON(ctx, "last_cycle", &got))
	assert.Equal(t, 2, got["succeeded"])

	now = now.Add(DefaultExpiry + time.Second)
	assert.ErrorIs(t, c.GetJSON(ctx, "last_cycle", &got), ErrMiss)
}
