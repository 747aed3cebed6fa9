package models

import "time"

// Builder is a build worker of one platform.
type Builder struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Processor     string    `json:"processor"`
	Virtualized   bool      `json:"virtualized"`
	Manual        bool      `json:"manual"`
	Healthy       bool      `json:"healthy"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	RegisteredAt  time.Time `json:"registered_at"`
}

// Platform returns the platform the builder provides.
func (b *Builder) Platform() Platform {
	return Platform{Processor: b.Processor, Virtualized: b.Virtualized}
}

// Eligible reports whether the builder may receive work.
func (b *Builder) Eligible() bool {
	return b.Healthy && !b.Manual
}

// PlatformCount is the number of eligible builders of one platform and how many are idle.
type PlatformCount struct {
	Platform Platform `json:"platform"`
	Total    int      `json:"total"`
	Free     int      `json:"free"`
}

// PoolSnapshot is a consistent view of the eligible builder fleet.
type PoolSnapshot struct {
	Counts  []PlatformCount `json:"counts"`
	TakenAt time.Time       `json:"taken_at"`
}

// TotalWorkers returns the number of eligible builders.
func (s *PoolSnapshot) TotalWorkers() int {
	total := 0
	for _, c := range s.Counts {
		total += c.Total
	}
	return total
}

// WorkersForPlatform returns how many eligible builders can run a job requiring p.
func (s *PoolSnapshot) WorkersForPlatform(p Platform) int {
	total := 0
	for _, c := range s.Counts {
		if c.Platform.Accepts(p) {
			total += c.Total
		}
	}
	return total
}

// FreeWorkers returns how many idle eligible builders can run a job requiring p.
func (s *PoolSnapshot) FreeWorkers(p Platform) int {
	free := 0
	for _, c := range s.Counts {
		if c.Platform.Accepts(p) {
			free += c.Free
		}
	}
	return free
}

// Heartbeat is a builder health report from the worker-health feed.
type Heartbeat struct {
	BuilderID   string `json:"builder_id"`
	Name        string `json:"name"`
	Processor   string `json:"processor"`
	Virtualized bool   `json:"virtualized"`
	Manual      bool   `json:"manual"`
}

// OutcomeStatus is the result a builder reports for a job.
type OutcomeStatus string

const (
	OutcomeSucceeded  OutcomeStatus = "succeeded"
	OutcomeFailed     OutcomeStatus = "failed"
	OutcomeNeedsRetry OutcomeStatus = "needs_retry"
)

// Outcome is a job result from the job-outcome feed.
type Outcome struct {
	QueueID int64         `json:"queue_id"`
	Status  OutcomeStatus `json:"status"`
	LogTail string        `json:"log_tail,omitempty"`
}
