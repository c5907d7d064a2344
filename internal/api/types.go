package api

import (
	"github.com/mattjoyce/pipepulse/internal/scheduler"
	"github.com/mattjoyce/pipepulse/internal/supervisor"
	"github.com/mattjoyce/pipepulse/internal/worker"
)

// Health states reported by /healthz.
const (
	HealthOK       = "ok"
	HealthDegraded = "degraded"
	HealthDown     = "down"
)

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz. Status is degraded when any
// worker failed or never launched, and down when none is running.
type HealthzResponse struct {
	Status         string `json:"status"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
	Workers        int    `json:"workers"`
	Running        int    `json:"running"`
	Failed         int    `json:"failed"`
	LaunchFailures int    `json:"launch_failures"`
	Period         string `json:"period"`
}

// WorkerStatus joins a worker snapshot with its schedule entry.
type WorkerStatus struct {
	worker.Snapshot
	Schedule *scheduler.EntryStatus `json:"schedule,omitempty"`
}

// WorkersResponse is returned by GET /workers.
type WorkersResponse struct {
	Period         string                     `json:"period"`
	Workers        []WorkerStatus             `json:"workers"`
	LaunchFailures []supervisor.LaunchFailure `json:"launch_failures"`
}
