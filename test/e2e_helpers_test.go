package test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/gaspardpetit/kvroute/internal/config"
	"github.com/gaspardpetit/kvroute/internal/ingest"
	"github.com/gaspardpetit/kvroute/internal/prefix"
	"github.com/gaspardpetit/kvroute/internal/sched"
	"github.com/gaspardpetit/kvroute/internal/server"
	"github.com/gaspardpetit/kvroute/internal/serverstate"
)

type rig struct {
	srv   *httptest.Server
	reg   *ingest.Registry
	watch *sched.EndpointWatch
	sch   *sched.Scheduler
}

func newRig(t *testing.T, cfg config.ServerConfig, selector sched.WorkerSelector) *rig {
	t.Helper()
	serverstate.UseStore(serverstate.NewMemoryStore())
	if cfg.BlockSize == 0 {
		cfg.BlockSize = 16
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	cfg.Port = 8080
	cfg.MetricsAddr = ":8080"
	watch := sched.NewEndpointWatch(nil)
	reg := ingest.NewRegistry(watch)
	ix, err := prefix.NewIndex(cfg.BlockSize, 1000)
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	sch := sched.Start(ctx, cfg.BlockSize, watch, selector, nil)
	t.Cleanup(func() {
		sch.Close()
		cancel()
	})
	handler := server.New(cfg, server.Deps{Scheduler: sch, Index: ix, Registry: reg, Watch: watch})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &rig{srv: srv, reg: reg, watch: watch, sch: sch}
}

func (r *rig) connectWorker(t *testing.T, key string, msg ingest.RegisterMessage) *websocket.Conn {
	t.Helper()
	ctx := context.Background()
	wsURL := "ws" + strings.TrimPrefix(r.srv.URL, "http") + "/workers/connect"
	if key != "" {
		wsURL += "?worker_key=" + key
	}
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	b, _ := json.Marshal(msg)
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("write register: %v", err)
	}
	return conn
}

func (r *rig) waitWorkers(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for r.reg.WorkerCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %d workers, have %d", n, r.reg.WorkerCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func postSchedule(t *testing.T, srv *httptest.Server, apiKey string, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/schedule", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /v1/schedule: %v", err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}
