package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/anaemia-care/fieldsync/internal/cache"
	"github.com/anaemia-care/fieldsync/internal/gateway"
	"github.com/anaemia-care/fieldsync/internal/local/db"
	"github.com/anaemia-care/fieldsync/internal/logging"
	"github.com/anaemia-care/fieldsync/internal/metrics"
	"github.com/anaemia-care/fieldsync/internal/outbox"
	"github.com/anaemia-care/fieldsync/internal/reachability"
	"github.com/anaemia-care/fieldsync/internal/store"
	fsync "github.com/anaemia-care/fieldsync/internal/sync"
)

// lastCycleKey holds the most recent drain result in the secondary cache.
const lastCycleKey = "last_cycle"

// app is the wired sync core. Every component is constructed once here and
// passed by injection.
type app struct {
	logger    *zap.Logger
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	db        *db.DB
	queue     *outbox.Queue
	kv        cache.KV
	snapshots *cache.Snapshots
	secondary *cache.Secondary
	gateway   *gateway.Client
	monitor   *reachability.Monitor
	engine    *fsync.Engine
	store     *store.Store

	closers []func() error
}

func newApp(ctx context.Context) (*app, error) {
	logger, err := logging.New(logging.Options{
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		File:    cfg.Log.File,
		Service: "fieldsync",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	a := &app{logger: logger, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)

	if err := os.MkdirAll(filepath.Dir(cfg.DB.Path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	a.db, err = db.Open(cfg.DB.Path)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.db.Close)
	if err := a.db.InitSchemaContext(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if cfg.Actor != "" {
		a.db.SetActor(cfg.Actor)
	}

	if cfg.Cache.RedisURL != "" {
		rkv, err := cache.DialRedis(ctx, cfg.Cache.RedisURL, "fieldsync:")
		if err != nil {
			a.Close()
			return nil, err
		}
		a.kv = rkv
		a.closers = append(a.closers, rkv.Close)
	} else {
		fkv, err := cache.NewFileKV(cfg.Cache.Dir)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.kv = fkv
	}

	a.queue = outbox.New(a.db.RawDB(), logger, a.metrics)
	a.snapshots = cache.NewSnapshots(a.kv, logger, a.metrics)
	a.secondary = cache.NewSecondary(a.kv, cfg.Cache.Expiry)
	a.gateway = gateway.NewClient(gateway.ClientConfig{
		BaseURL: cfg.API.BaseURL,
		Timeout: cfg.API.Timeout,
		Token:   cfg.API.Token,
	}, logger, a.metrics)

	prober := reachability.NewHTTPProber(strings.TrimRight(cfg.API.BaseURL, "/"), cfg.Reachability.ProbeTimeout)
	a.monitor = reachability.NewMonitor(prober, reachability.Config{
		ProbeInterval: cfg.Reachability.ProbeInterval,
	}, logger, a.metrics)

	a.engine = fsync.New(fsync.Deps{
		Queue:     a.queue,
		Local:     a.db,
		Snapshots: a.snapshots,
		Gateway:   a.gateway,
		Monitor:   a.monitor,
	}, fsync.Config{
		Interval:            cfg.Sync.Interval,
		BatchSize:           cfg.Sync.BatchSize,
		Debounce:            cfg.Sync.Debounce,
		ReconcileAfterDrain: true,
	}, logger, a.metrics)

	a.engine.OnCycle(func(res fsync.Result) {
		if res.Skipped {
			return
		}
		if err := a.secondary.PutJSON(context.Background(), lastCycleKey, res); err != nil {
			logger.Debug("failed to record last cycle", zap.Error(err))
		}
	})

	a.store = store.New(store.Deps{
		DB:        a.db,
		Queue:     a.queue,
		Snapshots: a.snapshots,
		Gateway:   a.gateway,
		Monitor:   a.monitor,
		Trigger:   a.engine,
	}, store.Config{RemoteTimeout: cfg.API.Timeout}, logger, a.metrics)

	return a, nil
}

// Close stops the engine and releases resources in reverse order.
func (a *app) Close() {
	if a.engine != nil {
		a.engine.Stop()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

// lastCycle returns the most recent recorded drain, if any.
func (a *app) lastCycle(ctx context.Context) (*fsync.Result, error) {
	var res fsync.Result
	if err := a.secondary.GetJSON(ctx, lastCycleKey, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// withApp opens the app for a one-shot command.
func withApp(ctx context.Context, fn func(a *app) error) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}
