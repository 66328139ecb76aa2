package model

import (
	"time"
)

// Status represents where a detection record is in the enrichment lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusEnriching Status = "enriching"
	StatusEnriched  Status = "enriched"
	StatusError     Status = "error"
)

// AllStatuses lists every record status in lifecycle order.
func AllStatuses() []Status {
	return []Status{StatusPending, StatusEnriching, StatusEnriched, StatusError}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusEnriching, StatusEnriched, StatusError:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusEnriched || s == StatusError
}

// CanTransition reports whether a record may move from s to next.
// Nothing moves back to pending.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusEnriching
	case StatusEnriching:
		return next == StatusEnriched || next == StatusError
	}
	return false
}

// Predecessors returns the statuses from which next may be reached.
func Predecessors(next Status) []Status {
	var out []Status
	for _, s := range AllStatuses() {
		if s.CanTransition(next) {
			out = append(out, s)
		}
	}
	return out
}

// Record is one visually unique object detected within one video. The
// (VideoID, Fingerprint) pair is the dedup key.
type Record struct {
	ID          int64     `json:"id"`
	VideoID     string    `json:"video_id"`
	Fingerprint string    `json:"fingerprint"`
	ImageRef    string    `json:"image_ref"`
	Timestamps  []string  `json:"timestamps"`
	Status      Status    `json:"status"`
	Taxonomy    *Taxonomy `json:"taxonomy,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NewRecord holds the fields needed to create a record on first sighting.
type NewRecord struct {
	VideoID     string
	Fingerprint string
	Timestamp   string
	ImageRef    string
}

// Task is an enrichment work item. It is never persisted.
type Task struct {
	RecordID int64  `json:"record_id"`
	ImageRef string `json:"image_ref"`
	// Run is the generation of the run that enqueued the task.
	Run uint64 `json:"run"`
}
