// Package reachability reports whether the device can reach the remote API
// and notifies subscribers when that changes.
//
// There is no retry or backoff here; the monitor only observes. The sync
// engine decides what to do with a transition.
package reachability

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/anaemia-care/fieldsync/internal/metrics"
)

// State is a point-in-time connectivity observation.
type State struct {
	Connected         bool `json:"connected"`
	InternetReachable bool `json:"internet_reachable"`
}

// Online reports whether remote calls should be attempted.
func (s State) Online() bool {
	return s.Connected && s.InternetReachable
}

func (s State) String() string {
	switch {
	case s.Online():
		return "online"
	case s.Connected:
		return "connected-no-internet"
	default:
		return "offline"
	}
}

// Prober performs one connectivity check. Failures are reported as a
// disconnected State, never as an error.
type Prober interface {
	Probe(ctx context.Context) State
}

// Static is a Prober that always returns the same state.
type Static State

// Probe implements Prober.
func (s Static) Probe(context.Context) State {
	return State(s)
}

// Config holds monitor settings.
type Config struct {
	// ProbeInterval is how often Run polls the prober.
	ProbeInterval time.Duration

	// MaxAge is how long an observation answers CurrentState without a
	// new probe. Defaults to ProbeInterval.
	MaxAge time.Duration
}

// DefaultConfig returns the default monitor configuration.
func DefaultConfig() Config {
	return Config{
		ProbeInterval: 15 * time.Second,
	}
}

// Monitor tracks the latest State and fans transitions out to subscribers.
type Monitor struct {
	prober  Prober
	config  Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu        sync.RWMutex
	state     State
	known     bool
	checkedAt time.Time
	subs      map[int]func(State)
	nextSub   int
}

// NewMonitor creates a monitor. prober may be nil when state only arrives
// through Set.
func NewMonitor(prober Prober, config Config, logger *zap.Logger, m *metrics.Metrics) *Monitor {
	if config.ProbeInterval <= 0 {
		config.ProbeInterval = DefaultConfig().ProbeInterval
	}
	if config.MaxAge <= 0 {
		config.MaxAge = config.ProbeInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		prober:  prober,
		config:  config,
		logger:  logger.Named("reachability"),
		metrics: m,
		now:     time.Now,
		subs:    make(map[int]func(State)),
	}
}

// CurrentState returns the latest observation, probing when it is missing
// or older than MaxAge. Without a prober an unknown state reads as offline.
func (m *Monitor) CurrentState(ctx context.Context) (State, error) {
	m.mu.RLock()
	state, known, checkedAt := m.state, m.known, m.checkedAt
	m.mu.RUnlock()

	if m.prober == nil {
		return state, nil
	}
	if known && m.now().Sub(checkedAt) < m.config.MaxAge {
		return state, nil
	}
	if err := ctx.Err(); err != nil {
		return state, err
	}

	state = m.prober.Probe(ctx)
	m.Set(state)
	return state, nil
}

// Subscribe registers fn for every transition. fn runs on the goroutine that
// observed the change and must not block. The returned function removes the
// subscription and may be called any number of times.
func (m *Monitor) Subscribe(fn func(State)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

// Set publishes an externally observed state. Subscribers are notified when
// it differs from the previous one, or when it is the first observation.
func (m *Monitor) Set(state State) {
	m.mu.Lock()
	changed := !m.known || m.state != state
	m.state = state
	m.known = true
	m.checkedAt = m.now()

	var listeners []func(State)
	if changed {
		listeners = make([]func(State), 0, len(m.subs))
		for _, fn := range m.subs {
			listeners = append(listeners, fn)
		}
	}
	m.mu.Unlock()

	if !changed {
		return
	}

	m.metrics.SetOnline(state.Online())
	m.logger.Info("reachability changed",
		zap.Bool("connected", state.Connected),
		zap.Bool("internet_reachable", state.InternetReachable))

	for _, fn := range listeners {
		fn(state)
	}
}

// Run probes immediately and then every ProbeInterval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	if m.prober == nil {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(m.config.ProbeInterval)
	defer ticker.Stop()

	m.Set(m.prober.Probe(ctx))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Set(m.prober.Probe(ctx))
		}
	}
}
