package sync

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/anaemia-care/fieldsync/internal/cache"
	"github.com/anaemia-care/fieldsync/internal/gateway"
	"github.com/anaemia-care/fieldsync/internal/gateway/gatewaytest"
	"github.com/anaemia-care/fieldsync/internal/local/db"
	"github.com/anaemia-care/fieldsync/internal/local/schema"
	"github.com/anaemia-care/fieldsync/internal/metrics"
	"github.com/anaemia-care/fieldsync/internal/outbox"
	"github.com/anaemia-care/fieldsync/internal/reachability"
)

var (
	online  = reachability.State{Connected: true, InternetReachable: true}
	offline = reachability.State{Connected: true}
)

type testEnv struct {
	db        *db.DB
	queue     *outbox.Queue
	snapshots *cache.Snapshots
	fake      *gatewaytest.Fake
	monitor   *reachability.Monitor
	metrics   *metrics.Metrics
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	local, err := db.Open(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { local.Close() })
	require.NoError(t, local.InitSchema())

	kv, err := cache.NewFileKV(t.TempDir())
	require.NoError(t, err)

	env := &testEnv{
		db:        local,
		queue:     outbox.New(local.RawDB(), zap.NewNop(), nil),
		snapshots: cache.NewSnapshots(kv, zap.NewNop(), nil),
		fake:      gatewaytest.NewFake(),
		monitor:   reachability.NewMonitor(nil, reachability.DefaultConfig(), zap.NewNop(), nil),
		metrics:   metrics.New(prometheus.NewRegistry()),
	}
	env.monitor.Set(online)
	return env
}

func (env *testEnv) engine(cfg Config) *Engine {
	e := New(Deps{
		Queue:     env.queue,
		Local:     env.db,
		Snapshots: env.snapshots,
		Gateway:   env.fake,
		Monitor:   env.monitor,
	}, cfg, zap.NewNop(), env.metrics)
	return e
}

// register stores a beneficiary locally and queues its CREATE, as the store
// does when offline.
func (env *testEnv) register(t *testing.T, name string) schema.Beneficiary {
	t.Helper()
	ctx := context.Background()
	b := schema.Beneficiary{Name: name, Age: 30, Category: schema.CategoryLactating, Phone: "9123456780"}
	b.SetDefaults("", time.Now().UTC())
	require.NoError(t, env.db.InsertBeneficiary(ctx, &b))
	_, err := env.queue.EnqueueStrict(ctx, outbox.OpCreate, outbox.EntityBeneficiaries, b)
	require.NoError(t, err)

	b.Pending = true
	require.NoError(t, env.snapshots.Upsert(ctx, b))
	return b
}

func TestDrain_EmptyOutbox(t *testing.T) {
	env := newTestEnv(t)
	e := env.engine(DefaultConfig())

	res, err := e.Drain(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Processed)
	assert.Equal(t, metrics.CycleEmpty, res.Outcome())
	assert.Zero(t, env.fake.Calls(gateway.OpListBeneficiaries))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.SyncCycles.WithLabelValues(metrics.CycleEmpty)))
}

func TestDrain_CreateReconcilesLocalAndSnapshot(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	b := env.register(t, "Anita")

	res, err := env.engine(DefaultConfig()).Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 1, res.Succeeded)
	assert.Zero(t, res.Remaining)
	assert.True(t, res.Reconciled)
	assert.Equal(t, metrics.CycleOK, res.Outcome())

	n, err := env.queue.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	id, err := env.db.ServerIDFor(ctx, b.LocalID)
	require.NoError(t, err)
	require.NotNil(t, id)
	assert.Equal(t, int64(101), *id)

	snap, _, err := env.snapshots.Load(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Beneficiaries, 1)
	assert.False(t, snap.Beneficiaries[0].Pending)
	require.NotNil(t, snap.Beneficiaries[0].ServerID)
	assert.Equal(t, int64(101), *snap.Beneficiaries[0].ServerID)
}

func TestDrain_PartialFailureKeepsEntry(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.register(t, "First")
	env.register(t, "Second")
	env.register(t, "Third")

	env.fake.FailNext(gateway.OpCreateBeneficiary, &gateway.StatusError{
		Op: gateway.OpCreateBeneficiary, StatusCode: http.StatusInternalServerError, Message: "boom",
	})

	res, err := env.engine(DefaultConfig()).Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Processed)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Remaining)
	assert.Equal(t, metrics.CyclePartial, res.Outcome())
	require.Len(t, res.Failures, 1)
	assert.Equal(t, gateway.ClassStatus, res.Failures[0].Class)

	entries, err := env.queue.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].TryCount)
	require.NotNil(t, entries[0].LastError)
	assert.True(t, strings.HasPrefix(*entries[0].LastError, "status 500"), *entries[0].LastError)

	names := []string{}
	for _, b := range env.fake.Beneficiaries() {
		names = append(names, b.Name)
	}
	assert.Equal(t, []string{"Second", "Third"}, names)
}

func TestDrain_FailuresAreRetriedForever(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.register(t, "Stubborn")
	env.fake.FailAll(gatewaytest.ErrUnreachable)

	e := env.engine(DefaultConfig())
	for i := 0; i < 3; i++ {
		res, err := e.Drain(ctx)
		require.NoError(t, err)
		assert.Equal(t, metrics.CycleFailed, res.Outcome())
		assert.False(t, res.Reconciled)
	}

	entries, err := env.queue.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 3, entries[0].TryCount)
	assert.True(t, strings.HasPrefix(*entries[0].LastError, "network:"))

	env.fake.FailAll(nil)
	res, err := e.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Zero(t, res.Remaining)
}

func TestDrain_UnresolvedBeneficiaryIsOrdinaryFailure(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	b := schema.Beneficiary{Name: "Orphan", Age: 12, Category: schema.CategoryAdolescent}
	b.SetDefaults("", time.Now().UTC())
	require.NoError(t, env.db.InsertBeneficiary(ctx, &b))

	sc := schema.Screening{BeneficiaryLocalID: b.LocalID, Hb: 10.2, CreatedAt: time.Now().UTC()}
	require.NoError(t, env.db.InsertScreening(ctx, &sc))
	_, err := env.queue.EnqueueStrict(ctx, outbox.OpScreening, outbox.EntityScreenings, sc)
	require.NoError(t, err)

	res, err := env.engine(DefaultConfig()).Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Contains(t, res.Failures[0].Error, ErrUnresolvedBeneficiary.Error())
	assert.Zero(t, env.fake.Calls(gateway.OpAddScreening))
	assert.Equal(t, 1, res.Remaining)
}

func TestDrain_SubRecordResolvedAfterCreate(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	b := env.register(t, "Parent")

	sc := schema.Screening{BeneficiaryLocalID: b.LocalID, Hb: 8.1, CreatedAt: time.Now().UTC()}
	require.NoError(t, env.db.InsertScreening(ctx, &sc))
	_, err := env.queue.EnqueueStrict(ctx, outbox.OpScreening, outbox.EntityScreenings, sc)
	require.NoError(t, err)

	res, err := env.engine(DefaultConfig()).Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Succeeded)

	screenings := env.fake.Screenings(101)
	require.Len(t, screenings, 1)
	assert.InDelta(t, 8.1, screenings[0].Hb, 0.001)

	snap, _, err := env.snapshots.Load(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Beneficiaries, 1)
	require.NotNil(t, snap.Beneficiaries[0].LatestScreening)
}

func TestDrain_MalformedAndUnknownEntries(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.queue.EnqueueStrict(ctx, outbox.OpScreening, outbox.EntityScreenings, "not a screening")
	require.NoError(t, err)
	// Written by a newer client; the queue itself refuses unknown routes.
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = env.db.RawDB().ExecContext(ctx, `
		INSERT INTO outbox (op, entity, payload, try_count, last_error, created_at, updated_at)
		VALUES ('DELETE', 'beneficiaries', '{"id":1}', 0, NULL, ?, ?)
	`, now, now)
	require.NoError(t, err)
	env.register(t, "Healthy")

	res, err := env.engine(DefaultConfig()).Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Processed)
	assert.Equal(t, 1, res.Succeeded)
	require.Len(t, res.Failures, 2)
	assert.Contains(t, res.Failures[0].Error, ErrMalformedPayload.Error())
	assert.Contains(t, res.Failures[1].Error, ErrUnknownRoute.Error())
	assert.Equal(t, gateway.ClassOther, res.Failures[0].Class)
	assert.Equal(t, 2, res.Remaining, "failed entries are never discarded")
}

func TestDrain_OfflineLeavesEntriesUntouched(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.register(t, "Waiting")
	env.monitor.Set(offline)

	res, err := env.engine(DefaultConfig()).Drain(ctx)
	require.NoError(t, err)
	assert.True(t, res.Aborted)
	assert.Zero(t, res.Processed)
	assert.Equal(t, metrics.CycleAborted, res.Outcome())
	assert.Zero(t, env.fake.Calls(gateway.OpCreateBeneficiary))

	entries, err := env.queue.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Zero(t, entries[0].TryCount)
	assert.Nil(t, entries[0].LastError)
}

func TestDrain_GoingOfflineMidBatchAborts(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.register(t, "One")
	env.register(t, "Two")
	env.register(t, "Three")

	env.fake.OnCall(func(op string) {
		if op == gateway.OpCreateBeneficiary {
			env.monitor.Set(offline)
		}
	})

	res, err := env.engine(DefaultConfig()).Drain(ctx)
	require.NoError(t, err)
	assert.True(t, res.Aborted)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 1, res.Succeeded)
	assert.False(t, res.Reconciled)
	assert.Equal(t, 2, res.Remaining)

	entries, err := env.queue.List(ctx, 10)
	require.NoError(t, err)
	for _, entry := range entries {
		assert.Zero(t, entry.TryCount)
	}
}

func TestDrain_SingleFlight(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.register(t, "Slow")
	env.fake.SetDelay(200 * time.Millisecond)

	e := env.engine(DefaultConfig())
	done := make(chan Result, 1)
	go func() {
		res, _ := e.Drain(ctx)
		done <- res
	}()

	require.Eventually(t, e.Draining, time.Second, 5*time.Millisecond)

	res, err := e.Drain(ctx)
	assert.True(t, errors.Is(err, ErrDrainInProgress))
	assert.True(t, res.Skipped)
	assert.Equal(t, metrics.CycleSkipped, res.Outcome())

	first := <-done
	assert.Equal(t, 1, first.Succeeded)
	assert.Equal(t, 1, env.fake.Calls(gateway.OpCreateBeneficiary))
	assert.False(t, e.Draining())
}

func TestDrain_StaleReconcileDoesNotClobberSnapshot(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	known := schema.Beneficiary{Name: "Known", Age: 30, Category: schema.CategoryLactating, Phone: "9123456781"}
	known.SetDefaults("", time.Now().UTC())
	known = env.fake.Seed(known)[0]
	require.NoError(t, env.snapshots.Upsert(ctx, known))
	env.register(t, "Synced")

	edited := known
	edited.Address = "Edited during fetch"
	env.fake.OnCall(func(op string) {
		if op == gateway.OpListBeneficiaries {
			require.NoError(t, env.snapshots.Upsert(ctx, edited))
		}
	})

	res, err := env.engine(DefaultConfig()).Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.False(t, res.Reconciled)

	snap, _, err := env.snapshots.Load(ctx)
	require.NoError(t, err)
	got, ok := snap.Find(known.UniqueID)
	require.True(t, ok)
	assert.False(t, got.Pending)
	assert.Equal(t, "Edited during fetch", got.Address, "the server list fetched before the edit must not win")
	assert.Len(t, snap.Beneficiaries, 2)
}

func TestAttach_CoalescesTransitionsIntoOneDrain(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "Flapping")
	env.monitor.Set(offline)

	cfg := DefaultConfig()
	cfg.Debounce = 100 * time.Millisecond
	e := env.engine(cfg)
	defer e.Stop()

	var cycles atomic.Int32
	e.OnCycle(func(res Result) {
		if !res.Skipped {
			cycles.Add(1)
		}
	})
	e.Attach(env.monitor)

	for i := 0; i < 5; i++ {
		env.monitor.Set(online)
		env.monitor.Set(offline)
	}
	env.monitor.Set(online)

	require.Eventually(t, func() bool { return cycles.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(3 * cfg.Debounce)
	assert.Equal(t, int32(1), cycles.Load())
	assert.Equal(t, 1, env.fake.Calls(gateway.OpCreateBeneficiary))
}

func TestStop_CancelsPendingTrigger(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "Never")

	cfg := DefaultConfig()
	cfg.Debounce = 30 * time.Millisecond
	e := env.engine(cfg)

	var cycles atomic.Int32
	e.OnCycle(func(Result) { cycles.Add(1) })

	e.TriggerSoon()
	e.Stop()
	time.Sleep(4 * cfg.Debounce)
	assert.Zero(t, cycles.Load())

	e.TriggerSoon()
	time.Sleep(4 * cfg.Debounce)
	assert.Zero(t, cycles.Load())
}

func TestRun_DrainsOnInterval(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "Periodic")

	cfg := DefaultConfig()
	cfg.Interval = 20 * time.Millisecond
	e := env.engine(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- e.Run(ctx) }()

	require.Eventually(t, func() bool {
		n, err := env.queue.Count(context.Background())
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-errc)
}
