// Package store persists detection records.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/finscan/internal/model"
)

var (
	// ErrAlreadyExists is returned by Create when the (video_id, fingerprint)
	// unique constraint rejects the insert.
	ErrAlreadyExists = eris.New("record already exists")
	// ErrNotFound is returned when a record id does not exist.
	ErrNotFound = eris.New("record not found")
	// ErrInvalidTransition is returned by SetStatus when the record is not in
	// a state that may move to the requested status.
	ErrInvalidTransition = eris.New("invalid status transition")
)

// RecordFilter specifies criteria for listing records. A zero Limit returns
// every matching record.
type RecordFilter struct {
	VideoID string       `json:"video_id,omitempty"`
	Status  model.Status `json:"status,omitempty"`
	Limit   int          `json:"limit,omitempty"`
}

// Store defines the persistence interface for detection records.
type Store interface {
	// Dedup
	Create(ctx context.Context, rec model.NewRecord) (int64, error)
	FindByFingerprint(ctx context.Context, videoID, fingerprint string) (*model.Record, error)
	AppendTimestamp(ctx context.Context, id int64, ts string) (bool, error)
	Fingerprints(ctx context.Context, videoID string) (map[string]int64, error)

	// Lifecycle of a record
	SetStatus(ctx context.Context, id int64, status model.Status, tax *model.Taxonomy) error
	UpdateImageRef(ctx context.Context, id int64, ref string) error
	Delete(ctx context.Context, id int64) (string, error)

	// Reads
	Get(ctx context.Context, id int64) (*model.Record, error)
	List(ctx context.Context, filter RecordFilter) ([]model.Record, error)
	ListVideos(ctx context.Context) ([]string, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
