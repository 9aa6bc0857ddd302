package ingest

import "github.com/gaspardpetit/kvroute/internal/sched"

// RegisterMessage is the first frame a worker sends after connecting. The
// subject must end in the worker's "-<hex>" id segment.
type RegisterMessage struct {
	Type      string                    `json:"type"`
	WorkerKey string                    `json:"worker_key,omitempty"`
	Name      string                    `json:"worker_name,omitempty"`
	Subject   string                    `json:"subject"`
	Metrics   *sched.ForwardPassMetrics `json:"metrics,omitempty"`
	Version   string                    `json:"version,omitempty"`
}

// StatusUpdateMessage replaces the worker's metrics wholesale.
type StatusUpdateMessage struct {
	Type    string                   `json:"type"`
	Metrics sched.ForwardPassMetrics `json:"metrics"`
}

// HeartbeatMessage keeps an otherwise quiet worker alive in the pool.
type HeartbeatMessage struct {
	Type string `json:"type"`
}
