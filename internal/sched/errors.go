package sched

import "errors"

var (
	// ErrNoEndpoints is returned when the worker pool is empty or no worker
	// produced a comparable score for the request.
	ErrNoEndpoints = errors.New("no endpoints available to route work")
	// ErrAllWorkersBusy signals that every worker is saturated right now.
	// The dispatcher treats it as retryable and holds the request until the
	// pool changes.
	ErrAllWorkersBusy = errors.New("all workers busy")
	// ErrSchedulerClosed is returned for requests submitted after Close, and
	// for requests still pending when the dispatch loop exits.
	ErrSchedulerClosed = errors.New("scheduler closed")
)
