package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/anaemia-care/fieldsync/internal/cache"
	"github.com/anaemia-care/fieldsync/internal/gateway"
	"github.com/anaemia-care/fieldsync/internal/gateway/gatewaytest"
	"github.com/anaemia-care/fieldsync/internal/local/db"
	"github.com/anaemia-care/fieldsync/internal/local/schema"
	"github.com/anaemia-care/fieldsync/internal/outbox"
	"github.com/anaemia-care/fieldsync/internal/reachability"
	fsync "github.com/anaemia-care/fieldsync/internal/sync"
)

var (
	online  = reachability.State{Connected: true, InternetReachable: true}
	offline = reachability.State{}
)

type countingTrigger struct{ n atomic.Int32 }

func (c *countingTrigger) TriggerSoon() { c.n.Add(1) }

type harness struct {
	store     *Store
	db        *db.DB
	queue     *outbox.Queue
	snapshots *cache.Snapshots
	fake      *gatewaytest.Fake
	monitor   *reachability.Monitor
	trigger   *countingTrigger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	local, err := db.Open(filepath.Join(t.TempDir(), "fieldsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { local.Close() })
	require.NoError(t, local.InitSchema())

	kv, err := cache.NewFileKV(t.TempDir())
	require.NoError(t, err)

	h := &harness{
		db:        local,
		queue:     outbox.New(local.RawDB(), zap.NewNop(), nil),
		snapshots: cache.NewSnapshots(kv, zap.NewNop(), nil),
		fake:      gatewaytest.NewFake(),
		monitor:   reachability.NewMonitor(nil, reachability.DefaultConfig(), zap.NewNop(), nil),
		trigger:   &countingTrigger{},
	}
	h.store = New(Deps{
		DB:        h.db,
		Queue:     h.queue,
		Snapshots: h.snapshots,
		Gateway:   h.fake,
		Monitor:   h.monitor,
		Trigger:   h.trigger,
	}, DefaultConfig(), zap.NewNop(), nil)
	return h
}

func (h *harness) engine() *fsync.Engine {
	return fsync.New(fsync.Deps{
		Queue:     h.queue,
		Local:     h.db,
		Snapshots: h.snapshots,
		Gateway:   h.fake,
		Monitor:   h.monitor,
	}, fsync.DefaultConfig(), zap.NewNop(), nil)
}

func asha(name string) schema.Beneficiary {
	return schema.Beneficiary{
		Name:     name,
		Age:      24,
		Gender:   "F",
		Category: schema.CategoryPregnant,
		Phone:    "9876543210",
	}
}

// remote returns a record as another device would have registered it.
func remote(name string) schema.Beneficiary {
	b := asha(name)
	b.SetDefaults("", time.Now().UTC())
	return b
}

func TestAddBeneficiary_OfflineReturnsPlaceholder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.monitor.Set(offline)

	b, err := h.store.AddBeneficiary(ctx, asha("Sita"), "1234-5678-9012")
	require.NoError(t, err)

	assert.True(t, b.Pending)
	assert.Nil(t, b.ServerID)
	assert.Contains(t, b.TempID, "tmp-")
	assert.NotZero(t, b.LocalID)
	assert.Empty(t, b.NationalID)
	assert.Equal(t, 0, h.fake.Calls(gateway.OpCreateBeneficiary))

	entries, err := h.queue.PeekPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, outbox.OpCreate, entries[0].Op)
	assert.Equal(t, outbox.EntityBeneficiaries, entries[0].Entity)
	assert.NotContains(t, string(entries[0].Payload), "1234-5678-9012")

	snap, ok, err := h.snapshots.Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	cached, found := snap.Find(b.UniqueID)
	require.True(t, found)
	assert.True(t, cached.Pending)

	assert.Equal(t, int32(1), h.trigger.n.Load())
}

func TestAddBeneficiary_OnlineWritesThrough(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.monitor.Set(online)

	b, err := h.store.AddBeneficiary(ctx, asha("Gita"), "")
	require.NoError(t, err)

	require.NotNil(t, b.ServerID)
	assert.Equal(t, int64(101), *b.ServerID)
	assert.False(t, b.Pending)

	n, err := h.queue.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	id, err := h.db.ServerIDFor(ctx, b.LocalID)
	require.NoError(t, err)
	require.NotNil(t, id)
	assert.Equal(t, int64(101), *id)
	assert.Equal(t, int32(0), h.trigger.n.Load())
}

func TestAddBeneficiary_RemoteFailureFallsBackToOutbox(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.monitor.Set(online)
	h.fake.FailNext(gateway.OpCreateBeneficiary, gatewaytest.ErrUnreachable)

	b, err := h.store.AddBeneficiary(ctx, asha("Rani"), "")
	require.NoError(t, err, "network failures must not reach the caller")
	assert.True(t, b.Pending)

	n, err := h.queue.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err := h.db.CountPendingBeneficiaries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

func TestAddBeneficiary_InvalidInput(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	in := asha("")
	_, err := h.store.AddBeneficiary(ctx, in, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalid))

	n, err := h.queue.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWrites_OnlineQueueBehindEarlierEntries(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.monitor.Set(offline)

	b, err := h.store.AddBeneficiary(ctx, asha("Meena"), "")
	require.NoError(t, err)

	h.monitor.Set(online)
	name := "Meena Devi"
	_, err = h.store.UpdateBeneficiary(ctx, b.LocalID, schema.BeneficiaryPatch{Name: &name})
	require.NoError(t, err)

	assert.Equal(t, 0, h.fake.Calls(gateway.OpUpdateBeneficiary))
	entries, err := h.queue.PeekPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, outbox.OpCreate, entries[0].Op)
	assert.Equal(t, outbox.OpUpdate, entries[1].Op)
}

func TestOfflineRoundTrip_DrainsInOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.monitor.Set(offline)

	b, err := h.store.AddBeneficiary(ctx, asha("Lakshmi"), "")
	require.NoError(t, err)

	name := "Lakshmi K"
	_, err = h.store.UpdateBeneficiary(ctx, b.LocalID, schema.BeneficiaryPatch{Name: &name})
	require.NoError(t, err)

	sc, err := h.store.AddScreening(ctx, schema.Screening{BeneficiaryLocalID: b.LocalID, Hb: 9.4, Method: schema.MethodDigital})
	require.NoError(t, err)
	assert.True(t, sc.Pending)
	assert.True(t, sc.Anaemic)
	assert.Equal(t, schema.SeverityModerate, sc.Severity)

	_, err = h.store.AddIntervention(ctx, schema.Intervention{BeneficiaryLocalID: b.LocalID, IFAYes: true, IFAQuantity: 30})
	require.NoError(t, err)

	_, err = h.store.AddReferral(ctx, schema.FollowUp{
		BeneficiaryLocalID: b.LocalID,
		VisitDate:          time.Now().Add(14 * 24 * time.Hour),
		Referral:           true,
		ReferralFacility:   "PHC Rampur",
	})
	require.NoError(t, err)

	entries, err := h.queue.PeekPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 5)
	ops := make([]outbox.Op, 0, len(entries))
	for _, e := range entries {
		ops = append(ops, e.Op)
	}
	assert.Equal(t, []outbox.Op{outbox.OpCreate, outbox.OpUpdate, outbox.OpScreening, outbox.OpIntervention, outbox.OpReferral}, ops)

	h.monitor.Set(online)
	res, err := h.engine().Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Succeeded)
	assert.Zero(t, res.Remaining)
	assert.True(t, res.Reconciled)

	server := h.fake.Beneficiaries()
	require.Len(t, server, 1)
	assert.Equal(t, "Lakshmi K", server[0].Name)
	id := *server[0].ServerID
	assert.Len(t, h.fake.Screenings(id), 1)
	assert.Len(t, h.fake.Interventions(id), 1)
	assert.Len(t, h.fake.FollowUps(id), 1)

	local, err := h.db.GetBeneficiary(ctx, b.LocalID)
	require.NoError(t, err)
	assert.False(t, local.Pending)
	require.NotNil(t, local.ServerID)
	assert.Equal(t, id, *local.ServerID)

	list, err := h.store.FetchBeneficiaries(ctx, gateway.Filters{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.False(t, list[0].Pending)
}

func TestAddScreening_UnknownBeneficiary(t *testing.T) {
	h := newHarness(t)
	_, err := h.store.AddScreening(context.Background(), schema.Screening{BeneficiaryLocalID: 999, Hb: 10})
	require.Error(t, err)
	assert.True(t, errors.Is(err, db.ErrNotFound))
}

func TestAddScreening_OnlineUsesServerID(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.monitor.Set(online)

	b, err := h.store.AddBeneficiary(ctx, asha("Kamala"), "")
	require.NoError(t, err)

	sc, err := h.store.AddScreening(ctx, schema.Screening{BeneficiaryLocalID: b.LocalID, Hb: 12.5})
	require.NoError(t, err)
	assert.False(t, sc.Pending)
	assert.False(t, sc.Anaemic)
	assert.Len(t, h.fake.Screenings(*b.ServerID), 1)

	snap, _, err := h.snapshots.Load(ctx)
	require.NoError(t, err)
	cached, ok := snap.Find(b.UniqueID)
	require.True(t, ok)
	require.NotNil(t, cached.LatestScreening)
	assert.InDelta(t, 12.5, cached.LatestScreening.Hb, 0.001)
}

func TestUpdateBeneficiary_EmptyPatch(t *testing.T) {
	h := newHarness(t)
	_, err := h.store.UpdateBeneficiary(context.Background(), 1, schema.BeneficiaryPatch{})
	assert.True(t, errors.Is(err, ErrInvalid))
}

func TestFetchBeneficiaries_OnlineReplacesSnapshot(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.fake.Seed(remote("Remote One"), remote("Remote Two"))

	h.monitor.Set(offline)
	placeholder, err := h.store.AddBeneficiary(ctx, asha("Offline"), "")
	require.NoError(t, err)

	h.monitor.Set(online)
	list, err := h.store.FetchBeneficiaries(ctx, gateway.Filters{})
	require.NoError(t, err)
	assert.Len(t, list, 3, "server list plus the unacknowledged placeholder")

	snap, _, err := h.snapshots.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Beneficiaries, 3)
	_, ok := snap.Find(placeholder.UniqueID)
	assert.True(t, ok)
}

func TestFetchBeneficiaries_OfflineServesSnapshot(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.fake.Seed(remote("Remote One"))

	h.monitor.Set(offline)
	list, err := h.store.FetchBeneficiaries(ctx, gateway.Filters{})
	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list)

	h.monitor.Set(online)
	_, err = h.store.FetchBeneficiaries(ctx, gateway.Filters{})
	require.NoError(t, err)

	h.monitor.Set(offline)
	calls := h.fake.Calls(gateway.OpListBeneficiaries)
	list, err = h.store.FetchBeneficiaries(ctx, gateway.Filters{})
	require.NoError(t, err)
	assert.Len(t, list, 1)
	assert.Equal(t, calls, h.fake.Calls(gateway.OpListBeneficiaries))
}

func TestFetchBeneficiaries_RemoteFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.monitor.Set(online)
	h.fake.Seed(remote("Remote One"))

	h.fake.FailNext(gateway.OpListBeneficiaries, gatewaytest.ErrUnreachable)
	_, err := h.store.FetchBeneficiaries(ctx, gateway.Filters{})
	require.Error(t, err, "no snapshot to fall back to")

	_, err = h.store.FetchBeneficiaries(ctx, gateway.Filters{})
	require.NoError(t, err)

	h.fake.FailNext(gateway.OpListBeneficiaries, gatewaytest.ErrUnreachable)
	list, err := h.store.FetchBeneficiaries(ctx, gateway.Filters{})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestFetchBeneficiaries_FiltersSnapshot(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.monitor.Set(offline)

	_, err := h.store.AddBeneficiary(ctx, asha("Pregnant Woman"), "")
	require.NoError(t, err)
	child := asha("Small Child")
	child.Category = schema.CategoryChild
	child.Age = 3
	_, err = h.store.AddBeneficiary(ctx, child, "")
	require.NoError(t, err)

	list, err := h.store.FetchBeneficiaries(ctx, gateway.Filters{Category: schema.CategoryChild})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Small Child", list[0].Name)

	list, err = h.store.FetchBeneficiaries(ctx, gateway.Filters{Query: "pregnant"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Pregnant Woman", list[0].Name)
}

func TestFetchBeneficiaries_FilteredOnlineKeepsSnapshot(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.monitor.Set(online)
	child := remote("Remote Child")
	child.Category = schema.CategoryChild
	h.fake.Seed(remote("Remote Mother"), child)

	_, err := h.store.FetchBeneficiaries(ctx, gateway.Filters{})
	require.NoError(t, err)

	list, err := h.store.FetchBeneficiaries(ctx, gateway.Filters{Category: schema.CategoryChild})
	require.NoError(t, err)
	require.Len(t, list, 1)

	snap, _, err := h.snapshots.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Beneficiaries, 2, "filtered fetch must not shrink the snapshot")
}

func TestFetchBeneficiaries_LocalWriteDuringFetchSurvives(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.monitor.Set(online)
	h.fake.Seed(remote("Remote One"))

	list, err := h.store.FetchBeneficiaries(ctx, gateway.Filters{})
	require.NoError(t, err)
	require.Len(t, list, 1)

	edited := list[0]
	edited.Address = "Edited during fetch"
	var fired atomic.Bool
	h.fake.OnCall(func(op string) {
		if op == gateway.OpListBeneficiaries && fired.CompareAndSwap(false, true) {
			require.NoError(t, h.snapshots.Upsert(ctx, edited))
		}
	})

	list, err = h.store.FetchBeneficiaries(ctx, gateway.Filters{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Edited during fetch", list[0].Address)

	snap, _, err := h.snapshots.Load(ctx)
	require.NoError(t, err)
	got, ok := snap.Find(edited.UniqueID)
	require.True(t, ok)
	assert.Equal(t, "Edited during fetch", got.Address, "the older server list must not overwrite it")

	// With nothing racing, the next fetch takes the server copy again.
	list, err = h.store.FetchBeneficiaries(ctx, gateway.Filters{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Empty(t, list[0].Address)
}

func TestFetchBeneficiaries_KeepsQueuedEditLocally(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.monitor.Set(online)

	b, err := h.store.AddBeneficiary(ctx, asha("Before"), "")
	require.NoError(t, err)
	require.NotNil(t, b.ServerID)

	h.monitor.Set(offline)
	name := "After"
	_, err = h.store.UpdateBeneficiary(ctx, b.LocalID, schema.BeneficiaryPatch{Name: &name})
	require.NoError(t, err)

	h.monitor.Set(online)
	_, err = h.store.FetchBeneficiaries(ctx, gateway.Filters{})
	require.NoError(t, err)

	local, err := h.db.GetBeneficiary(ctx, b.LocalID)
	require.NoError(t, err)
	assert.Equal(t, "After", local.Name, "server copy predates the queued edit")

	res, err := h.engine().Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, "After", h.fake.Beneficiaries()[0].Name)
}

func TestCurrentBeneficiary(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	cur, err := h.store.CurrentBeneficiary(ctx)
	require.NoError(t, err)
	assert.Nil(t, cur)

	b, err := h.store.AddBeneficiary(ctx, asha("Current"), "")
	require.NoError(t, err)
	require.NoError(t, h.store.SetCurrent(ctx, &b))

	cur, err = h.store.CurrentBeneficiary(ctx)
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, b.UniqueID, cur.UniqueID)

	require.NoError(t, h.store.SetCurrent(ctx, nil))
	cur, err = h.store.CurrentBeneficiary(ctx)
	require.NoError(t, err)
	assert.Nil(t, cur)
}

func TestLookup(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	b, err := h.store.AddBeneficiary(ctx, asha("Findme"), "")
	require.NoError(t, err)

	got, err := h.store.Lookup(ctx, b.ShortID)
	require.NoError(t, err)
	assert.Equal(t, b.LocalID, got.LocalID)

	got, err = h.store.Lookup(ctx, b.TempID)
	require.NoError(t, err)
	assert.Equal(t, b.LocalID, got.LocalID)
}
