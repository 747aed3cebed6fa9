package models

import "time"

// QueueEntry couples a job with its dispatch metadata.
type QueueEntry struct {
	ID                int64         `json:"id"`
	JobID             int64         `json:"job_id"`
	JobType           JobType       `json:"job_type"`
	BuilderID         string        `json:"builder_id,omitempty"`
	LastScore         int           `json:"last_score"`
	Manual            bool          `json:"manual"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
	LogTail           string        `json:"log_tail,omitempty"`
	Processor         string        `json:"processor,omitempty"`
	Virtualized       bool          `json:"virtualized"`
	CreatedAt         time.Time     `json:"created_at"`
}

// Platform returns the platform the entry requires.
func (e *QueueEntry) Platform() Platform {
	return Platform{Processor: e.Processor, Virtualized: e.Virtualized}
}

// Assigned reports whether a builder holds the entry.
func (e *QueueEntry) Assigned() bool {
	return e.BuilderID != ""
}

// Ahead reports whether e dispatches before other: higher score first, then older job.
func (e *QueueEntry) Ahead(other *QueueEntry) bool {
	if e.LastScore != other.LastScore {
		return e.LastScore > other.LastScore
	}
	return e.JobID < other.JobID
}

// RunningEntry is a queue entry currently held by a builder, with the
// data the estimator needs.
type RunningEntry struct {
	QueueID           int64         `json:"queue_id"`
	BuilderID         string        `json:"builder_id"`
	Builder           Platform      `json:"builder"`
	StartedAt         time.Time     `json:"started_at"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
}

// Remaining returns the estimated time left at now.
func (r *RunningEntry) Remaining(now time.Time) time.Duration {
	return r.EstimatedDuration - now.Sub(r.StartedAt)
}

// QueueStats summarises the queue for status displays.
type QueueStats struct {
	Waiting int `json:"waiting"`
	Running int `json:"running"`
	Manual  int `json:"manual"`
}
