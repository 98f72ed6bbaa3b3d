package dashboard

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/anaemia-care/fieldsync/internal/reachability"
	fsync "github.com/anaemia-care/fieldsync/internal/sync"
)

// CycleSource publishes drain results.
type CycleSource interface {
	OnCycle(fn func(fsync.Result))
}

// Subscriber publishes reachability transitions.
type Subscriber interface {
	Subscribe(fn func(reachability.State)) (unsubscribe func())
}

// ReachabilityData is the payload of a reachability message.
type ReachabilityData struct {
	Connected         bool `json:"connected"`
	InternetReachable bool `json:"internet_reachable"`
	Online            bool `json:"online"`
}

// Handler turns engine and monitor events into dashboard messages.
type Handler struct {
	server *Server
	logger *zap.Logger
}

// NewHandler creates a handler publishing to server.
func NewHandler(server *Server, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{server: server, logger: logger.Named("dashboard")}
}

// Attach subscribes to engine cycles and monitor transitions. Either may be
// nil. The returned function removes the monitor subscription.
func (h *Handler) Attach(engine CycleSource, monitor Subscriber) (detach func()) {
	if engine != nil {
		engine.OnCycle(h.OnCycle)
	}
	if monitor == nil {
		return func() {}
	}
	return monitor.Subscribe(h.OnReachability)
}

// OnCycle publishes a finished cycle followed by fresh outbox statistics.
// Skipped cycles are not published.
func (h *Handler) OnCycle(res fsync.Result) {
	if res.Skipped {
		return
	}
	h.server.Publish(MessageTypeSyncCycle, res)
	h.publishOutbox()
}

// OnReachability publishes a connectivity transition.
func (h *Handler) OnReachability(state reachability.State) {
	h.server.Publish(MessageTypeReachability, ReachabilityData{
		Connected:         state.Connected,
		InternetReachable: state.InternetReachable,
		Online:            state.Online(),
	})
}

// PublishOutbox broadcasts current queue statistics; used after local writes.
func (h *Handler) PublishOutbox() {
	h.publishOutbox()
}

func (h *Handler) publishOutbox() {
	src := h.server.deps.Outbox
	if src == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	stats, err := src.Stats(ctx)
	if err != nil {
		h.logger.Warn("failed to read outbox stats", zap.Error(err))
		return
	}
	h.server.Publish(MessageTypeOutbox, stats)
}
