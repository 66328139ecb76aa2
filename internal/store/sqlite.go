package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/sells-group/finscan/internal/model"
)

// maxAppendAttempts bounds the compare-and-swap loop in AppendTimestamp.
const maxAppendAttempts = 8

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// sqlitePragmas are applied to every pooled connection through the DSN.
var sqlitePragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"synchronous(NORMAL)",
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	if err := db.Ping(); err != nil {
		db.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "sqlite: ping")
	}
	return &SQLiteStore{db: db}, nil
}

func sqliteDSN(path string) string {
	q := url.Values{}
	for _, p := range sqlitePragmas {
		q.Add("_pragma", p)
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	if !strings.HasPrefix(path, "file:") {
		path = "file:" + path
	}
	return path + sep + q.Encode()
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS detections (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	video_id    TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	image_ref   TEXT NOT NULL,
	timestamps  TEXT NOT NULL DEFAULT '[]',
	status      TEXT NOT NULL DEFAULT 'pending',
	taxonomy    TEXT,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (video_id, fingerprint)
);

CREATE INDEX IF NOT EXISTS idx_detections_video_id ON detections(video_id);
CREATE INDEX IF NOT EXISTS idx_detections_status ON detections(status);
`

const selectRecord = `SELECT id, video_id, fingerprint, image_ref, timestamps, status, taxonomy, created_at, updated_at FROM detections`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Create(ctx context.Context, rec model.NewRecord) (int64, error) {
	ts, err := json.Marshal([]string{rec.Timestamp})
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: marshal timestamps")
	}
	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO detections (video_id, fingerprint, image_ref, timestamps, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.VideoID, rec.Fingerprint, rec.ImageRef, string(ts), string(model.StatusPending), now, now,
	)
	if err != nil {
		if isSQLiteUnique(err) {
			return 0, eris.Wrapf(ErrAlreadyExists, "sqlite: create %s/%s", rec.VideoID, rec.Fingerprint)
		}
		return 0, eris.Wrap(err, "sqlite: create record")
	}
	id, err := res.LastInsertId()
	return id, eris.Wrap(err, "sqlite: last insert id")
}

func (s *SQLiteStore) FindByFingerprint(ctx context.Context, videoID, fingerprint string) (*model.Record, error) {
	row := s.db.QueryRowContext(ctx, selectRecord+` WHERE video_id = ? AND fingerprint = ?`, videoID, fingerprint)
	r, err := scanRecord(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return r, err
}

func (s *SQLiteStore) Fingerprints(ctx context.Context, videoID string) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT fingerprint, id FROM detections WHERE video_id = ?`, videoID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list fingerprints")
	}
	defer rows.Close() //nolint:errcheck

	out := make(map[string]int64)
	for rows.Next() {
		var fp string
		var id int64
		if err := rows.Scan(&fp, &id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan fingerprint")
		}
		out[fp] = id
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list fingerprints iterate")
}

// AppendTimestamp adds ts to the record's sorted timestamp list. Concurrent
// appends are reconciled by retrying when the stored list changed between
// read and write.
func (s *SQLiteStore) AppendTimestamp(ctx context.Context, id int64, ts string) (bool, error) {
	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		var raw string
		err := s.db.QueryRowContext(ctx, `SELECT timestamps FROM detections WHERE id = ?`, id).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return false, eris.Wrapf(ErrNotFound, "sqlite: append timestamp %d", id)
		}
		if err != nil {
			return false, eris.Wrap(err, "sqlite: read timestamps")
		}

		var current []string
		if err := json.Unmarshal([]byte(raw), &current); err != nil {
			return false, eris.Wrap(err, "sqlite: unmarshal timestamps")
		}
		next, added := model.InsertTimestamp(current, ts)
		if !added {
			return false, nil
		}
		encoded, err := json.Marshal(next)
		if err != nil {
			return false, eris.Wrap(err, "sqlite: marshal timestamps")
		}

		res, err := s.db.ExecContext(ctx,
			`UPDATE detections SET timestamps = ?, updated_at = ? WHERE id = ? AND timestamps = ?`,
			string(encoded), time.Now().UTC(), id, raw,
		)
		if err != nil {
			return false, eris.Wrap(err, "sqlite: append timestamp")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, eris.Wrap(err, "sqlite: rows affected")
		}
		if n == 1 {
			return true, nil
		}
	}
	return false, eris.Errorf("sqlite: append timestamp %d: too much contention", id)
}

func (s *SQLiteStore) SetStatus(ctx context.Context, id int64, status model.Status, tax *model.Taxonomy) error {
	from := model.Predecessors(status)
	if len(from) == 0 {
		return eris.Wrapf(ErrInvalidTransition, "sqlite: set status %d to %s", id, status)
	}

	var taxJSON sql.NullString
	if tax != nil {
		b, err := json.Marshal(tax)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal taxonomy")
		}
		taxJSON = sql.NullString{String: string(b), Valid: true}
	}

	args := []any{string(status), taxJSON, time.Now().UTC(), id}
	for _, st := range from {
		args = append(args, string(st))
	}
	query := `UPDATE detections SET status = ?, taxonomy = COALESCE(?, taxonomy), updated_at = ? WHERE id = ? AND status IN (` +
		placeholders(len(from)) + `)`

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set status %d", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n > 0 {
		return nil
	}

	var current string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM detections WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, "sqlite: set status %d", id)
	}
	if err != nil {
		return eris.Wrap(err, "sqlite: read status")
	}
	return eris.Wrapf(ErrInvalidTransition, "sqlite: record %d: %s -> %s", id, current, status)
}

func (s *SQLiteStore) UpdateImageRef(ctx context.Context, id int64, ref string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE detections SET image_ref = ?, updated_at = ? WHERE id = ?`,
		ref, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: update image ref")
	}
	return checkRowsAffected(res, id)
}

// Delete removes the record and returns its image ref so the caller can
// remove the stored crop.
func (s *SQLiteStore) Delete(ctx context.Context, id int64) (string, error) {
	var ref string
	err := s.db.QueryRowContext(ctx, `DELETE FROM detections WHERE id = ? RETURNING image_ref`, id).Scan(&ref)
	if errors.Is(err, sql.ErrNoRows) {
		return "", eris.Wrapf(ErrNotFound, "sqlite: delete %d", id)
	}
	if err != nil {
		return "", eris.Wrapf(err, "sqlite: delete %d", id)
	}
	return ref, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id int64) (*model.Record, error) {
	r, err := scanRecord(s.db.QueryRowContext(ctx, selectRecord+` WHERE id = ?`, id))
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get record %d", id)
	}
	return r, nil
}

func (s *SQLiteStore) List(ctx context.Context, filter RecordFilter) ([]model.Record, error) {
	query := selectRecord + ` WHERE 1=1`
	var args []any

	if filter.VideoID != "" {
		query += ` AND video_id = ?`
		args = append(args, filter.VideoID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, id DESC`

	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list records")
	}
	defer rows.Close() //nolint:errcheck

	var records []model.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *r)
	}
	return records, eris.Wrap(rows.Err(), "sqlite: list records iterate")
}

func (s *SQLiteStore) ListVideos(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT video_id FROM detections ORDER BY video_id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list videos")
	}
	defer rows.Close() //nolint:errcheck

	var videos []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan video")
		}
		videos = append(videos, v)
	}
	return videos, eris.Wrap(rows.Err(), "sqlite: list videos iterate")
}

// helpers

func checkRowsAffected(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "record %d", id)
	}
	return nil
}

func isSQLiteUnique(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	code := se.Code()
	return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
		(code&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(se.Error(), "UNIQUE"))
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRecord(row scannable) (*model.Record, error) {
	var r model.Record
	var tsJSON string
	var taxJSON sql.NullString

	err := row.Scan(&r.ID, &r.VideoID, &r.Fingerprint, &r.ImageRef, &tsJSON, &r.Status, &taxJSON, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan record")
	}
	if err := decodeRecordJSON(&r, []byte(tsJSON), nullBytes(taxJSON)); err != nil {
		return nil, err
	}
	return &r, nil
}

func nullBytes(ns sql.NullString) []byte {
	if !ns.Valid {
		return nil
	}
	return []byte(ns.String)
}

// decodeRecordJSON fills the JSON-encoded columns shared by both backends.
func decodeRecordJSON(r *model.Record, timestamps, taxonomy []byte) error {
	if len(timestamps) > 0 {
		if err := json.Unmarshal(timestamps, &r.Timestamps); err != nil {
			return eris.Wrapf(err, "store: unmarshal timestamps for record %d", r.ID)
		}
	}
	if len(taxonomy) > 0 {
		r.Taxonomy = &model.Taxonomy{}
		if err := json.Unmarshal(taxonomy, r.Taxonomy); err != nil {
			return eris.Wrapf(err, "store: unmarshal taxonomy for record %d", r.ID)
		}
	}
	return nil
}
