// Package store is the entry point for user actions: it persists writes
// locally, pushes them to the remote API when possible and queues them in
// the outbox when not. Reads come from the API when online and from the
// snapshot otherwise.
//
// Write calls never fail because of the network. They only return
// validation or local persistence errors.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/anaemia-care/fieldsync/internal/cache"
	"github.com/anaemia-care/fieldsync/internal/gateway"
	"github.com/anaemia-care/fieldsync/internal/local/db"
	"github.com/anaemia-care/fieldsync/internal/metrics"
	"github.com/anaemia-care/fieldsync/internal/outbox"
	"github.com/anaemia-care/fieldsync/internal/reachability"
)

// ErrInvalid wraps validation failures.
var ErrInvalid = errors.New("invalid input")

// Monitor reports reachability.
type Monitor interface {
	CurrentState(ctx context.Context) (reachability.State, error)
}

// Trigger schedules a debounced outbox drain.
type Trigger interface {
	TriggerSoon()
}

// Config holds store settings.
type Config struct {
	// RemoteTimeout bounds each direct remote call.
	RemoteTimeout time.Duration
}

// DefaultConfig returns the default store configuration.
func DefaultConfig() Config {
	return Config{RemoteTimeout: 10 * time.Second}
}

// Deps are the collaborators of a Store. Monitor nil means always offline;
// Trigger may be nil.
type Deps struct {
	DB        *db.DB
	Queue     *outbox.Queue
	Snapshots *cache.Snapshots
	Gateway   gateway.Gateway
	Monitor   Monitor
	Trigger   Trigger
}

// Store implements the write-thunks and the read path.
type Store struct {
	db        *db.DB
	queue     *outbox.Queue
	snapshots *cache.Snapshots
	gateway   gateway.Gateway
	monitor   Monitor
	trigger   Trigger
	config    Config
	logger    *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// New creates a store. logger and m may be nil.
func New(deps Deps, config Config, logger *zap.Logger, m *metrics.Metrics) *Store {
	if config.RemoteTimeout <= 0 {
		config.RemoteTimeout = DefaultConfig().RemoteTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:        deps.DB,
		queue:     deps.Queue,
		snapshots: deps.Snapshots,
		gateway:   deps.Gateway,
		monitor:   deps.Monitor,
		trigger:   deps.Trigger,
		config:    config,
		logger:    logger.Named("store"),
		metrics:   m,
		now:       time.Now,
	}
}

func (s *Store) online(ctx context.Context) bool {
	if s.monitor == nil {
		return false
	}
	state, err := s.monitor.CurrentState(ctx)
	return err == nil && state.Online()
}

// pushOrQueue calls remote directly when the device is online and nothing is
// queued ahead of this write; otherwise, or when the call fails, it enqueues
// payload. remote is nil when a direct call is impossible (the beneficiary
// has no server id yet). It reports whether the write was queued.
//
// Writes are only sent directly on an empty outbox so they can never
// overtake an earlier queued mutation of the same beneficiary.
func (s *Store) pushOrQueue(ctx context.Context, op outbox.Op, entity outbox.Entity, payload any, remote func(ctx context.Context) error) bool {
	online := s.online(ctx)

	if remote != nil && online && s.queueEmpty(ctx) {
		rctx, cancel := context.WithTimeout(ctx, s.config.RemoteTimeout)
		err := remote(rctx)
		cancel()
		if err == nil {
			return false
		}
		s.logger.Info("remote write failed, queueing",
			zap.String("op", string(op)),
			zap.String("class", gateway.Class(err)),
			zap.Error(err))
	}

	s.queue.Enqueue(ctx, op, entity, payload)
	if !online && s.trigger != nil {
		s.trigger.TriggerSoon()
	}
	return true
}

func (s *Store) queueEmpty(ctx context.Context) bool {
	n, err := s.queue.Count(ctx)
	if err != nil {
		s.logger.Warn("outbox count failed", zap.Error(err))
		return false
	}
	return n == 0
}

// PendingCount returns the number of queued mutations.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	return s.queue.Count(ctx)
}

func invalid(what string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrInvalid, what, err)
}
