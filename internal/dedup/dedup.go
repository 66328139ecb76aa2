// Package dedup resolves a detection fingerprint to a new or existing record.
package dedup

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/finscan/internal/model"
	"github.com/sells-group/finscan/internal/phash"
	"github.com/sells-group/finscan/internal/store"
)

// Outcome reports whether a sighting created a record.
type Outcome struct {
	New      bool
	RecordID int64
}

// Resolver is the dedup store: it turns a (video, fingerprint, timestamp)
// sighting into either a new record or a timestamp appended to an existing
// one. Uniqueness is left to the store's constraint.
type Resolver struct {
	store       store.Store
	maxDistance int
}

// NewResolver creates a Resolver. maxDistance > 0 enables near matching:
// a fingerprint within that Hamming distance of an existing one in the same
// video is treated as the same object.
func NewResolver(st store.Store, maxDistance int) *Resolver {
	if maxDistance < 0 {
		maxDistance = 0
	}
	return &Resolver{store: st, maxDistance: maxDistance}
}

// Resolve records a sighting. imageRef is stored only when a record is
// created.
func (r *Resolver) Resolve(ctx context.Context, videoID, fingerprint, ts, imageRef string) (Outcome, error) {
	existing, err := r.store.FindByFingerprint(ctx, videoID, fingerprint)
	if err != nil {
		return Outcome{}, eris.Wrap(err, "dedup: find")
	}
	if existing != nil {
		return r.seen(ctx, existing.ID, ts)
	}

	if r.maxDistance > 0 {
		id, ok, err := r.nearest(ctx, videoID, fingerprint)
		if err != nil {
			return Outcome{}, err
		}
		if ok {
			return r.seen(ctx, id, ts)
		}
	}

	id, err := r.store.Create(ctx, model.NewRecord{
		VideoID:     videoID,
		Fingerprint: fingerprint,
		Timestamp:   ts,
		ImageRef:    imageRef,
	})
	if err == nil {
		return Outcome{New: true, RecordID: id}, nil
	}
	if !errors.Is(err, store.ErrAlreadyExists) {
		return Outcome{}, eris.Wrap(err, "dedup: create")
	}

	// Lost the race: another writer created the record between find and create.
	existing, err = r.store.FindByFingerprint(ctx, videoID, fingerprint)
	if err != nil {
		return Outcome{}, eris.Wrap(err, "dedup: find after conflict")
	}
	if existing == nil {
		return Outcome{}, eris.Errorf("dedup: record %s/%s vanished after conflict", videoID, fingerprint)
	}
	zap.L().Debug("dedup: resolved create conflict",
		zap.String("video_id", videoID),
		zap.String("fingerprint", fingerprint),
		zap.Int64("record_id", existing.ID),
	)
	return r.seen(ctx, existing.ID, ts)
}

func (r *Resolver) seen(ctx context.Context, id int64, ts string) (Outcome, error) {
	if _, err := r.store.AppendTimestamp(ctx, id, ts); err != nil {
		return Outcome{}, eris.Wrapf(err, "dedup: append timestamp to %d", id)
	}
	return Outcome{RecordID: id}, nil
}

// nearest returns the closest existing record of the video within the
// configured distance.
func (r *Resolver) nearest(ctx context.Context, videoID, fingerprint string) (int64, bool, error) {
	fps, err := r.store.Fingerprints(ctx, videoID)
	if err != nil {
		return 0, false, eris.Wrap(err, "dedup: list fingerprints")
	}
	best, bestID := r.maxDistance+1, int64(0)
	for fp, id := range fps {
		d, err := phash.Distance(fingerprint, fp)
		if err != nil {
			continue
		}
		if d < best || (d == best && id < bestID) {
			best, bestID = d, id
		}
	}
	return bestID, best <= r.maxDistance, nil
}
