package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/anaemia-care/fieldsync/internal/cache"
	"github.com/anaemia-care/fieldsync/internal/gateway"
	"github.com/anaemia-care/fieldsync/internal/local/schema"
	"github.com/anaemia-care/fieldsync/internal/metrics"
	"github.com/anaemia-care/fieldsync/internal/outbox"
	"github.com/anaemia-care/fieldsync/internal/reachability"
)

var (
	// ErrDrainInProgress is returned when a drain is requested while one
	// is already running. The request is dropped, not queued.
	ErrDrainInProgress = errors.New("drain already in progress")

	// ErrUnresolvedBeneficiary means the entry's beneficiary has no server
	// id yet because its CREATE has not been acknowledged.
	ErrUnresolvedBeneficiary = errors.New("beneficiary not yet synced")

	// ErrMalformedPayload means the entry payload could not be decoded.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrUnknownRoute means no handler exists for the entry's op/entity.
	ErrUnknownRoute = errors.New("unknown op/entity")
)

// Queue is the subset of the outbox the engine needs.
type Queue interface {
	PeekPending(ctx context.Context, limit int) ([]outbox.Entry, error)
	MarkSuccess(ctx context.Context, id int64) error
	MarkFailure(ctx context.Context, id int64, msg string) error
	Count(ctx context.Context) (int, error)
}

// LocalStore is the subset of the local database the engine needs.
type LocalStore interface {
	ServerIDFor(ctx context.Context, localID int64) (*int64, error)
	MarkBeneficiarySynced(ctx context.Context, localID, serverID int64) error
	MirrorBeneficiaries(ctx context.Context, list []schema.Beneficiary) (int, error)
}

// SnapshotStore is the subset of the snapshot cache the engine needs.
type SnapshotStore interface {
	Version(ctx context.Context) (uint64, error)
	Upsert(ctx context.Context, b schema.Beneficiary) error
	ReplaceIfVersion(ctx context.Context, expected uint64, list []schema.Beneficiary) (cache.Snapshot, error)
}

// Monitor reports reachability.
type Monitor interface {
	CurrentState(ctx context.Context) (reachability.State, error)
}

// Subscriber is a Monitor that also publishes transitions.
type Subscriber interface {
	Subscribe(fn func(reachability.State)) (unsubscribe func())
}

// Config holds engine configuration.
type Config struct {
	// Interval is the period of the background drain loop.
	Interval time.Duration

	// BatchSize caps the entries processed per cycle.
	BatchSize int

	// Debounce is how long TriggerSoon waits for further triggers before
	// draining.
	Debounce time.Duration

	// ReconcileAfterDrain refetches the full list after a cycle with at
	// least one success.
	ReconcileAfterDrain bool
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		Interval:            60 * time.Second,
		BatchSize:           50,
		Debounce:            2 * time.Second,
		ReconcileAfterDrain: true,
	}
}

// Deps are the collaborators of an Engine. Monitor may be nil, in which
// case the device is assumed online.
type Deps struct {
	Queue     Queue
	Local     LocalStore
	Snapshots SnapshotStore
	Gateway   gateway.Gateway
	Monitor   Monitor
}

// Failure describes one entry that failed in a cycle.
type Failure struct {
	EntryID int64     `json:"entry_id"`
	Op      outbox.Op `json:"op"`
	Class   string    `json:"class"`
	Error   string    `json:"error"`
}

// Result summarizes a drain cycle.
type Result struct {
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	Processed  int           `json:"processed"`
	Succeeded  int           `json:"succeeded"`
	Failed     int           `json:"failed"`
	Remaining  int           `json:"remaining"`
	Aborted    bool          `json:"aborted,omitempty"`
	Skipped    bool          `json:"skipped,omitempty"`
	Reconciled bool          `json:"reconciled,omitempty"`
	Failures   []Failure     `json:"failures,omitempty"`
}

// Outcome returns the metrics label for the cycle.
func (r Result) Outcome() string {
	switch {
	case r.Skipped:
		return metrics.CycleSkipped
	case r.Aborted:
		return metrics.CycleAborted
	case r.Processed == 0:
		return metrics.CycleEmpty
	case r.Failed > 0 && r.Succeeded == 0:
		return metrics.CycleFailed
	case r.Failed > 0:
		return metrics.CyclePartial
	default:
		return metrics.CycleOK
	}
}

// Engine drains the outbox. Construct one per process with New.
type Engine struct {
	deps    Deps
	config  Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	draining atomic.Bool

	mu          sync.Mutex
	baseCtx     context.Context
	timer       *time.Timer
	stopped     bool
	unsubscribe func()
	observers   []func(Result)
}

// New creates an engine. logger and m may be nil.
func New(deps Deps, config Config, logger *zap.Logger, m *metrics.Metrics) *Engine {
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.Debounce <= 0 {
		config.Debounce = def.Debounce
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		deps:    deps,
		config:  config,
		logger:  logger.Named("sync"),
		metrics: m,
		now:     time.Now,
		baseCtx: context.Background(),
	}
}

// OnCycle registers fn to receive every cycle result, including skipped
// ones. fn runs on the draining goroutine.
func (e *Engine) OnCycle(fn func(Result)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = append(e.observers, fn)
}

// Draining reports whether a drain is running.
func (e *Engine) Draining() bool {
	return e.draining.Load()
}

// Drain runs one cycle. A concurrent call returns ErrDrainInProgress with a
// skipped Result.
func (e *Engine) Drain(ctx context.Context) (Result, error) {
	if !e.draining.CompareAndSwap(false, true) {
		res := Result{StartedAt: e.now(), Skipped: true}
		e.metrics.ObserveCycle(metrics.CycleSkipped, res.StartedAt)
		e.logger.Debug("drain skipped: already running")
		return res, ErrDrainInProgress
	}
	defer e.draining.Store(false)

	res, err := e.drain(ctx)
	res.Duration = e.now().Sub(res.StartedAt)

	e.metrics.ObserveCycle(res.Outcome(), res.StartedAt)
	e.metrics.SetPending(res.Remaining)
	e.notify(res)
	return res, err
}

func (e *Engine) drain(ctx context.Context) (Result, error) {
	res := Result{StartedAt: e.now()}

	entries, err := e.deps.Queue.PeekPending(ctx, e.config.BatchSize)
	if err != nil {
		return res, fmt.Errorf("failed to read outbox: %w", err)
	}
	if len(entries) == 0 {
		return res, nil
	}

	e.logger.Debug("drain started", zap.Int("batch", len(entries)))

	for i, entry := range entries {
		if ctx.Err() != nil || !e.online(ctx) {
			res.Aborted = true
			e.logger.Info("drain aborted: offline",
				zap.Int("processed", res.Processed),
				zap.Int("untouched", len(entries)-i))
			break
		}

		res.Processed++
		err := e.deliver(ctx, entry)
		if err == nil {
			res.Succeeded++
			e.metrics.IncEntry(true, "")
			if err := e.deps.Queue.MarkSuccess(ctx, entry.ID); err != nil {
				e.logger.Error("failed to remove delivered entry",
					zap.Int64("id", entry.ID), zap.Error(err))
			}
			continue
		}

		class := gateway.Class(err)
		res.Failed++
		res.Failures = append(res.Failures, Failure{EntryID: entry.ID, Op: entry.Op, Class: class, Error: err.Error()})
		e.metrics.IncEntry(false, class)
		e.logger.Warn("delivery failed",
			zap.Int64("id", entry.ID),
			zap.String("op", string(entry.Op)),
			zap.Int("try_count", entry.TryCount+1),
			zap.Error(err))
		if err := e.deps.Queue.MarkFailure(ctx, entry.ID, err.Error()); err != nil {
			e.logger.Error("failed to record delivery failure",
				zap.Int64("id", entry.ID), zap.Error(err))
		}
	}

	if res.Succeeded > 0 && e.config.ReconcileAfterDrain && !res.Aborted {
		res.Reconciled = e.reconcile(ctx)
	}

	if n, err := e.deps.Queue.Count(ctx); err == nil {
		res.Remaining = n
	}

	e.logger.Info("drain finished",
		zap.Int("processed", res.Processed),
		zap.Int("succeeded", res.Succeeded),
		zap.Int("failed", res.Failed),
		zap.Int("remaining", res.Remaining),
		zap.Bool("aborted", res.Aborted))
	return res, nil
}

func (e *Engine) online(ctx context.Context) bool {
	if e.deps.Monitor == nil {
		return true
	}
	state, err := e.deps.Monitor.CurrentState(ctx)
	if err != nil {
		return false
	}
	return state.Online()
}

// reconcile replaces the snapshot with the server's full list and mirrors it
// into the local store. It refuses to overwrite a snapshot that changed
// during the fetch.
func (e *Engine) reconcile(ctx context.Context) bool {
	version, err := e.deps.Snapshots.Version(ctx)
	if err != nil {
		e.logger.Warn("reconcile skipped: snapshot unreadable", zap.Error(err))
		return false
	}

	list, err := e.deps.Gateway.GetBeneficiariesWithData(ctx, gateway.Filters{})
	if err != nil {
		e.logger.Warn("reconcile fetch failed", zap.Error(err))
		return false
	}

	if _, err := e.deps.Snapshots.ReplaceIfVersion(ctx, version, list); err != nil {
		if errors.Is(err, cache.ErrStaleVersion) {
			e.logger.Info("reconcile skipped: snapshot changed during fetch")
		} else {
			e.logger.Warn("reconcile snapshot write failed", zap.Error(err))
		}
		return false
	}

	if n, err := e.deps.Local.MirrorBeneficiaries(ctx, list); err != nil {
		e.logger.Warn("reconcile mirror failed", zap.Error(err))
	} else {
		e.logger.Debug("reconciled", zap.Int("fetched", len(list)), zap.Int("mirrored", n))
	}
	return true
}

func (e *Engine) notify(res Result) {
	e.mu.Lock()
	observers := make([]func(Result), len(e.observers))
	copy(observers, e.observers)
	e.mu.Unlock()

	for _, fn := range observers {
		fn(res)
	}
}

// Attach subscribes to reachability transitions. Each transition into
// online schedules a debounced drain. Calling Attach again replaces the
// previous subscription.
func (e *Engine) Attach(monitor Subscriber) {
	unsubscribe := monitor.Subscribe(func(s reachability.State) {
		if s.Online() {
			e.TriggerSoon()
		}
	})

	e.mu.Lock()
	prev := e.unsubscribe
	e.unsubscribe = unsubscribe
	e.mu.Unlock()

	if prev != nil {
		prev()
	}
}

// TriggerSoon schedules a drain after the debounce window. Calls within the
// window push the drain back, so a burst of triggers yields one drain.
func (e *Engine) TriggerSoon() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return
	}
	if e.timer == nil {
		e.timer = time.AfterFunc(e.config.Debounce, e.fire)
		return
	}
	e.timer.Reset(e.config.Debounce)
}

func (e *Engine) fire() {
	e.mu.Lock()
	ctx := e.baseCtx
	stopped := e.stopped
	e.mu.Unlock()

	if stopped {
		return
	}
	if _, err := e.Drain(ctx); err != nil && !errors.Is(err, ErrDrainInProgress) {
		e.logger.Error("triggered drain failed", zap.Error(err))
	}
}

// Run drains every Interval until ctx is done, then stops the engine.
// Debounced drains started by TriggerSoon use ctx once Run is active.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	e.baseCtx = ctx
	e.mu.Unlock()

	ticker := time.NewTicker(e.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.Stop()
			return nil
		case <-ticker.C:
			if _, err := e.Drain(ctx); err != nil && !errors.Is(err, ErrDrainInProgress) {
				e.logger.Error("periodic drain failed", zap.Error(err))
			}
		}
	}
}

// Stop cancels the pending debounced drain and the reachability
// subscription. A drain already running is not interrupted.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopped = true
	if e.timer != nil {
		e.timer.Stop()
	}
	unsubscribe := e.unsubscribe
	e.unsubscribe = nil
	e.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}
