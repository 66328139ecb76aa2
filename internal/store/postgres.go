package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/finscan/internal/model"
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// Pool is the subset of pgxpool.Pool used by PostgresStore. pgxmock pools
// satisfy it in tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(1)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS detections (
	id          BIGSERIAL PRIMARY KEY,
	video_id    TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	image_ref   TEXT NOT NULL,
	timestamps  JSONB NOT NULL DEFAULT '[]'::jsonb,
	status      TEXT NOT NULL DEFAULT 'pending',
	taxonomy    JSONB,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (video_id, fingerprint)
);

CREATE INDEX IF NOT EXISTS idx_detections_video_id ON detections(video_id);
CREATE INDEX IF NOT EXISTS idx_detections_status ON detections(status);
`

// Ping verifies database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, rec model.NewRecord) (int64, error) {
	ts, err := json.Marshal([]string{rec.Timestamp})
	if err != nil {
		return 0, eris.Wrap(err, "postgres: marshal timestamps")
	}

	var id int64
	err = s.pool.QueryRow(ctx,
		`INSERT INTO detections (video_id, fingerprint, image_ref, timestamps, status) VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		rec.VideoID, rec.Fingerprint, rec.ImageRef, ts, string(model.StatusPending),
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return 0, eris.Wrapf(ErrAlreadyExists, "postgres: create %s/%s", rec.VideoID, rec.Fingerprint)
		}
		return 0, eris.Wrap(err, "postgres: create record")
	}
	return id, nil
}

func (s *PostgresStore) FindByFingerprint(ctx context.Context, videoID, fingerprint string) (*model.Record, error) {
	r, err := scanPgRecord(s.pool.QueryRow(ctx, selectRecord+` WHERE video_id = $1 AND fingerprint = $2`, videoID, fingerprint))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: find %s/%s", videoID, fingerprint)
	}
	return r, nil
}

func (s *PostgresStore) Fingerprints(ctx context.Context, videoID string) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT fingerprint, id FROM detections WHERE video_id = $1`, videoID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list fingerprints")
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var fp string
		var id int64
		if err := rows.Scan(&fp, &id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan fingerprint")
		}
		out[fp] = id
	}
	return out, eris.Wrap(rows.Err(), "postgres: list fingerprints iterate")
}

// AppendTimestamp locks the row for the read-modify-write so concurrent
// appends to the same record serialize.
func (s *PostgresStore) AppendTimestamp(ctx context.Context, id int64, ts string) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, eris.Wrap(err, "postgres: begin append timestamp")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var raw []byte
	err = tx.QueryRow(ctx, `SELECT timestamps FROM detections WHERE id = $1 FOR UPDATE`, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, eris.Wrapf(ErrNotFound, "postgres: append timestamp %d", id)
	}
	if err != nil {
		return false, eris.Wrap(err, "postgres: read timestamps")
	}

	var current []string
	if err := json.Unmarshal(raw, &current); err != nil {
		return false, eris.Wrap(err, "postgres: unmarshal timestamps")
	}
	next, added := model.InsertTimestamp(current, ts)
	if !added {
		return false, nil
	}
	encoded, err := json.Marshal(next)
	if err != nil {
		return false, eris.Wrap(err, "postgres: marshal timestamps")
	}

	if _, err := tx.Exec(ctx, `UPDATE detections SET timestamps = $1, updated_at = now() WHERE id = $2`, encoded, id); err != nil {
		return false, eris.Wrap(err, "postgres: append timestamp")
	}
	if err := tx.Commit(ctx); err != nil {
		return false, eris.Wrap(err, "postgres: commit append timestamp")
	}
	return true, nil
}

func (s *PostgresStore) SetStatus(ctx context.Context, id int64, status model.Status, tax *model.Taxonomy) error {
	from := model.Predecessors(status)
	if len(from) == 0 {
		return eris.Wrapf(ErrInvalidTransition, "postgres: set status %d to %s", id, status)
	}
	allowed := make([]string, len(from))
	for i, st := range from {
		allowed[i] = string(st)
	}

	var taxJSON []byte
	if tax != nil {
		b, err := json.Marshal(tax)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal taxonomy")
		}
		taxJSON = b
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE detections SET status = $1, taxonomy = COALESCE($2::jsonb, taxonomy), updated_at = now() WHERE id = $3 AND status = ANY($4)`,
		string(status), taxJSON, id, allowed,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set status %d", id)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var current string
	err = s.pool.QueryRow(ctx, `SELECT status FROM detections WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, "postgres: set status %d", id)
	}
	if err != nil {
		return eris.Wrap(err, "postgres: read status")
	}
	return eris.Wrapf(ErrInvalidTransition, "postgres: record %d: %s -> %s", id, current, status)
}

func (s *PostgresStore) UpdateImageRef(ctx context.Context, id int64, ref string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE detections SET image_ref = $1, updated_at = now() WHERE id = $2`, ref, id)
	if err != nil {
		return eris.Wrap(err, "postgres: update image ref")
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: update image ref %d", id)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id int64) (string, error) {
	var ref string
	err := s.pool.QueryRow(ctx, `DELETE FROM detections WHERE id = $1 RETURNING image_ref`, id).Scan(&ref)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", eris.Wrapf(ErrNotFound, "postgres: delete %d", id)
	}
	if err != nil {
		return "", eris.Wrapf(err, "postgres: delete %d", id)
	}
	return ref, nil
}

func (s *PostgresStore) Get(ctx context.Context, id int64) (*model.Record, error) {
	r, err := scanPgRecord(s.pool.QueryRow(ctx, selectRecord+` WHERE id = $1`, id))
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get record %d", id)
	}
	return r, nil
}

func (s *PostgresStore) List(ctx context.Context, filter RecordFilter) ([]model.Record, error) {
	query := selectRecord + ` WHERE true`
	args := []any{}
	argIdx := 1

	if filter.VideoID != "" {
		query += fmt.Sprintf(` AND video_id = $%d`, argIdx)
		args = append(args, filter.VideoID)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY created_at DESC, id DESC`

	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, argIdx)
		args = append(args, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list records")
	}
	defer rows.Close()

	var records []model.Record
	for rows.Next() {
		r, err := scanPgRecord(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan record")
		}
		records = append(records, *r)
	}
	return records, eris.Wrap(rows.Err(), "postgres: list records iterate")
}

func (s *PostgresStore) ListVideos(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT video_id FROM detections ORDER BY video_id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list videos")
	}
	defer rows.Close()

	var videos []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, eris.Wrap(err, "postgres: scan video")
		}
		videos = append(videos, v)
	}
	return videos, eris.Wrap(rows.Err(), "postgres: list videos iterate")
}

func scanPgRecord(row scannable) (*model.Record, error) {
	var r model.Record
	var status string
	var tsJSON, taxJSON []byte

	err := row.Scan(&r.ID, &r.VideoID, &r.Fingerprint, &r.ImageRef, &tsJSON, &status, &taxJSON, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Status = model.Status(status)
	if err := decodeRecordJSON(&r, tsJSON, taxJSON); err != nil {
		return nil, err
	}
	return &r, nil
}
