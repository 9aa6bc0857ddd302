package ingest

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/gaspardpetit/kvroute/internal/logx"
	"github.com/gaspardpetit/kvroute/internal/sched"
	"github.com/gaspardpetit/kvroute/internal/serverstate"
)

// WSHandler handles incoming worker websocket connections. Workers register
// once, then stream status updates and heartbeats until they disconnect.
func WSHandler(reg *Registry, workerKey string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if serverstate.IsDraining() {
			http.Error(w, "draining", http.StatusServiceUnavailable)
			return
		}
		provided := ""
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			provided = strings.TrimPrefix(auth, "Bearer ")
		}
		if provided == "" {
			provided = r.URL.Query().Get("worker_key")
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		defer func() {
			_ = c.Close(websocket.StatusInternalError, "server error")
		}()

		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		var env struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &env); err != nil || env.Type != "register" {
			_ = c.Close(websocket.StatusPolicyViolation, "expected register")
			return
		}
		var rm RegisterMessage
		if err := json.Unmarshal(data, &rm); err != nil {
			return
		}
		if rm.WorkerKey != "" {
			provided = rm.WorkerKey
		}
		if workerKey != "" && provided != workerKey {
			_ = c.Close(websocket.StatusPolicyViolation, "unauthorized")
			return
		}
		id, err := (&sched.Endpoint{Subject: rm.Subject}).WorkerID()
		if err != nil {
			logx.Log.Warn().Str("subject", rm.Subject).Err(err).Msg("rejecting register with bad subject")
			_ = c.Close(websocket.StatusPolicyViolation, "bad subject")
			return
		}
		name := rm.Name
		if name == "" {
			name = rm.Subject
		}
		wk := Worker{ID: id, Name: name, Subject: rm.Subject, Source: SourcePush}
		if rm.Metrics != nil {
			wk.Metrics = *rm.Metrics
		}
		reg.Upsert(wk)
		// Connection id correlates a worker's register and disconnect log
		// lines across reconnects under the same worker id.
		connID := uuid.NewString()
		logx.Log.Info().Int64("worker_id", int64(id)).Str("worker_name", name).Str("conn_id", connID).Str("remote_addr", r.RemoteAddr).Msg("worker registered")
		if reg.WorkerCount() == 1 {
			serverstate.SetState("ready")
		}
		defer func() {
			reg.Remove(id)
			if reg.WorkerCount() == 0 {
				serverstate.SetState("not_ready")
			}
		}()

		for {
			_, msg, err := c.Read(ctx)
			if err != nil {
				var ce websocket.CloseError
				if errors.As(err, &ce) {
					lvl := logx.Log.Info()
					if ce.Code != websocket.StatusNormalClosure {
						lvl = logx.Log.Error()
					}
					lvl.Int64("worker_id", int64(id)).Str("conn_id", connID).Str("reason", ce.Reason).Msg("worker disconnected")
				} else {
					logx.Log.Info().Err(err).Int64("worker_id", int64(id)).Str("conn_id", connID).Msg("worker disconnected")
				}
				return
			}
			var env struct {
				Type string `json:"type"`
			}
			if err := json.Unmarshal(msg, &env); err != nil {
				continue
			}
			switch env.Type {
			case "heartbeat":
				reg.UpdateHeartbeat(id)
			case "status_update":
				var m StatusUpdateMessage
				if err := json.Unmarshal(msg, &m); err == nil {
					reg.UpdateMetrics(id, m.Metrics)
				}
			}
		}
	}
}
