package dashboard

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/anaemia-care/fieldsync/internal/metrics"
	"github.com/anaemia-care/fieldsync/internal/outbox"
	"github.com/anaemia-care/fieldsync/internal/reachability"
	fsync "github.com/anaemia-care/fieldsync/internal/sync"
)

type fakeStats struct{ stats outbox.Stats }

func (f fakeStats) Stats(context.Context) (outbox.Stats, error) { return f.stats, nil }

type fakeEngine struct {
	observers []func(fsync.Result)
}

func (f *fakeEngine) OnCycle(fn func(fsync.Result)) { f.observers = append(f.observers, fn) }
func (f *fakeEngine) Draining() bool                { return false }

func startServer(t *testing.T, deps Deps) *Server {
	t.Helper()
	server := NewServer(Config{Addr: "127.0.0.1:0"}, deps, nil)
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { server.Stop() })
	return server
}

func dial(t *testing.T, ctx context.Context, server *Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, "ws://"+server.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	return msg
}

func TestHealth(t *testing.T) {
	monitor := reachability.NewMonitor(nil, reachability.DefaultConfig(), nil, nil)
	monitor.Set(reachability.State{Connected: true, InternetReachable: true})

	server := NewServer(Config{}, Deps{
		Monitor: monitor,
		Outbox:  fakeStats{outbox.Stats{Pending: 4, Failing: 1}},
		Engine:  &fakeEngine{},
	}, nil)

	rec := httptest.NewRecorder()
	server.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var h Health
	if err := json.Unmarshal(rec.Body.Bytes(), &h); err != nil {
		t.Fatalf("invalid health body: %v", err)
	}
	if !h.Online || h.Pending != 4 || h.Status != "ok" {
		t.Errorf("unexpected health: %+v", h)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.SetPending(7)

	server := NewServer(Config{}, Deps{Gatherer: reg}, nil)
	ts := httptest.NewServer(server.Routes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if !strings.Contains(string(body), "fieldsync_outbox_pending 7") {
		t.Errorf("metrics output missing pending gauge:\n%s", body)
	}
}

func TestWebSocketWelcome(t *testing.T) {
	server := startServer(t, Deps{Outbox: fakeStats{outbox.Stats{Pending: 2}}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dial(t, ctx, server)

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeStatus {
		t.Fatalf("welcome type = %s, want %s", msg.Type, MessageTypeStatus)
	}
	var h Health
	if err := json.Unmarshal(msg.Data, &h); err != nil {
		t.Fatalf("invalid welcome data: %v", err)
	}
	if h.Pending != 2 {
		t.Errorf("pending = %d, want 2", h.Pending)
	}
	if count := server.ClientCount(); count != 1 {
		t.Errorf("Expected 1 client, got %d", count)
	}
}

func TestHandler_BroadcastsCycleAndOutbox(t *testing.T) {
	server := startServer(t, Deps{Outbox: fakeStats{outbox.Stats{Pending: 1, Failing: 1, MaxTries: 3}}})
	engine := &fakeEngine{}
	NewHandler(server, nil).Attach(engine, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dial(t, ctx, server)
	readMessage(t, ctx, conn)

	for _, fn := range engine.observers {
		fn(fsync.Result{Skipped: true})
		fn(fsync.Result{Processed: 2, Succeeded: 1, Failed: 1, Remaining: 1})
	}

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeSyncCycle {
		t.Fatalf("type = %s, want %s (skipped cycles must not be published)", msg.Type, MessageTypeSyncCycle)
	}
	var res fsync.Result
	if err := json.Unmarshal(msg.Data, &res); err != nil {
		t.Fatalf("invalid cycle data: %v", err)
	}
	if res.Succeeded != 1 || res.Failed != 1 {
		t.Errorf("unexpected cycle: %+v", res)
	}

	msg = readMessage(t, ctx, conn)
	if msg.Type != MessageTypeOutbox {
		t.Fatalf("type = %s, want %s", msg.Type, MessageTypeOutbox)
	}
}

func TestHandler_BroadcastsReachability(t *testing.T) {
	server := startServer(t, Deps{})
	monitor := reachability.NewMonitor(nil, reachability.DefaultConfig(), nil, nil)
	detach := NewHandler(server, nil).Attach(nil, monitor)
	defer detach()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dial(t, ctx, server)
	readMessage(t, ctx, conn)

	monitor.Set(reachability.State{Connected: true})

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeReachability {
		t.Fatalf("type = %s, want %s", msg.Type, MessageTypeReachability)
	}
	var data ReachabilityData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatalf("invalid reachability data: %v", err)
	}
	if !data.Connected || data.Online {
		t.Errorf("unexpected reachability: %+v", data)
	}
}

func TestStopClosesClients(t *testing.T) {
	server := NewServer(Config{Addr: "127.0.0.1:0"}, Deps{}, nil)
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws://"+server.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	readMessage(t, ctx, conn)

	readErr := make(chan error, 1)
	go func() {
		_, _, err := conn.Read(ctx)
		readErr <- err
	}()

	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
	if err := <-readErr; err == nil {
		t.Error("expected read error after server stop")
	}
	if count := server.ClientCount(); count != 0 {
		t.Errorf("clients after stop = %d", count)
	}
}
