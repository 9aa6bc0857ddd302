package ingest

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/gaspardpetit/kvroute/internal/sched"
	"github.com/gaspardpetit/kvroute/internal/serverstate"
)

func wsURL(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func sendJSON(t *testing.T, c *websocket.Conn, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := c.Write(context.Background(), websocket.MessageText, b); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", msg)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWSRegisterAndStatusUpdate(t *testing.T) {
	serverstate.UseStore(serverstate.NewMemoryStore())

	watch := sched.NewEndpointWatch(nil)
	reg := NewRegistry(watch)
	srv := httptest.NewServer(WSHandler(reg, ""))
	defer srv.Close()

	ctx := context.Background()
	c, _, err := websocket.Dial(ctx, wsURL(t, srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close(websocket.StatusNormalClosure, "")

	sendJSON(t, c, RegisterMessage{
		Type:    "register",
		Name:    "gpu-0",
		Subject: "pool.worker-1f",
		Metrics: &sched.ForwardPassMetrics{RequestsWaiting: 1},
	})
	waitFor(t, func() bool { return reg.WorkerCount() == 1 }, "registration")

	ws := reg.Snapshot()
	if ws[0].ID != 31 || ws[0].Name != "gpu-0" || ws[0].Source != SourcePush {
		t.Fatalf("unexpected worker: %+v", ws[0])
	}
	if got := serverstate.GetState(); got != "ready" {
		t.Fatalf("state = %q; want ready", got)
	}

	sendJSON(t, c, StatusUpdateMessage{
		Type:    "status_update",
		Metrics: sched.ForwardPassMetrics{RequestsWaiting: 9, GPUCacheUsage: 0.5},
	})
	waitFor(t, func() bool {
		snap, _ := watch.Load()
		ep, ok := snap.Endpoints[31]
		return ok && ep.Data.RequestsWaiting == 9
	}, "status update")

	c.Close(websocket.StatusNormalClosure, "done")
	waitFor(t, func() bool { return reg.WorkerCount() == 0 }, "removal on disconnect")
	waitFor(t, func() bool { return serverstate.GetState() == "not_ready" }, "state reset")
}

func TestWSRejectsBadSubject(t *testing.T) {
	reg := NewRegistry(sched.NewEndpointWatch(nil))
	srv := httptest.NewServer(WSHandler(reg, ""))
	defer srv.Close()

	ctx := context.Background()
	c, _, err := websocket.Dial(ctx, wsURL(t, srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close(websocket.StatusNormalClosure, "")

	sendJSON(t, c, RegisterMessage{Type: "register", Subject: "nodash"})
	// The server closes the connection instead of admitting the worker.
	if _, _, err := c.Read(ctx); err == nil {
		t.Fatalf("expected close after bad subject")
	}
	if reg.WorkerCount() != 0 {
		t.Fatalf("expected empty pool, got %d", reg.WorkerCount())
	}
}

func TestWSRejectsWrongKey(t *testing.T) {
	reg := NewRegistry(sched.NewEndpointWatch(nil))
	srv := httptest.NewServer(WSHandler(reg, "secret"))
	defer srv.Close()

	ctx := context.Background()
	c, _, err := websocket.Dial(ctx, wsURL(t, srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close(websocket.StatusNormalClosure, "")

	sendJSON(t, c, RegisterMessage{Type: "register", WorkerKey: "wrong", Subject: "pool.worker-1"})
	if _, _, err := c.Read(ctx); err == nil {
		t.Fatalf("expected close for wrong key")
	}
	if reg.WorkerCount() != 0 {
		t.Fatalf("expected empty pool, got %d", reg.WorkerCount())
	}
}

func TestWSRequiresRegisterFirst(t *testing.T) {
	reg := NewRegistry(sched.NewEndpointWatch(nil))
	srv := httptest.NewServer(WSHandler(reg, ""))
	defer srv.Close()

	ctx := context.Background()
	c, _, err := websocket.Dial(ctx, wsURL(t, srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close(websocket.StatusNormalClosure, "")

	sendJSON(t, c, HeartbeatMessage{Type: "heartbeat"})
	if _, _, err := c.Read(ctx); err == nil {
		t.Fatalf("expected close when first frame is not register")
	}
}
