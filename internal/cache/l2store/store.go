// Package l2store implements the durable warm tier on SQLite. Row shape
// and indexes follow the on-disk contract: uniqueness over
// (ticker, feature_name, as_of, version), primary access index
// (ticker, feature_name, as_of DESC).
package l2store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/quantpine/featurestore/internal/core/model"
	"github.com/quantpine/featurestore/internal/core/observability"
)

const schema = `
CREATE TABLE IF NOT EXISTS feature_values (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	ticker        TEXT    NOT NULL,
	feature_name  TEXT    NOT NULL,
	value         REAL,
	absent        INTEGER NOT NULL DEFAULT 0,
	as_of         TEXT    NOT NULL,
	calculated_at TEXT    NOT NULL,
	version       INTEGER NOT NULL,
	metadata      TEXT,
	instance_id   TEXT,
	superseded_at TEXT,
	UNIQUE (ticker, feature_name, as_of, version)
);
CREATE INDEX IF NOT EXISTS idx_feature_lookup
	ON feature_values (ticker, feature_name, as_of DESC);
`

// Row is one durable feature value.
type Row struct {
	Key          model.FeatureKey
	Value        float64
	Absent       bool
	CalculatedAt time.Time
	Metadata     map[string]any
}

type Store struct {
	db         *sql.DB
	log        *slog.Logger
	instanceID string
	retry      *retryBuffer
}

// Open initializes the SQLite database at dsn (":memory:" for tests).
func Open(dsn, instanceID string, retrySize int, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("l2 open: %w", err)
	}
	// single writer; SQLite serializes writes anyway
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logger.Warn("l2 pragma failed", "pragma", pragma, "err", err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("l2 schema: %w", err)
	}
	return &Store{
		db:         db,
		log:        logger,
		instanceID: instanceID,
		retry:      newRetryBuffer(retrySize),
	}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("l2 ping: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("l2 close: %w", err)
	}
	return nil
}

// timeLayout is fixed width so string comparison in SQL orders the
// same as time. RFC3339Nano drops trailing zeros, which would make
// "...T12:00:00.5Z" sort before "...T12:00:00Z" and break both the
// upsert guard and the as_of range predicates. All stored times are
// UTC, so the trailing Z is literal.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// GetMany resolves keys in a single round-trip. Superseded rows are
// invisible. Missing keys are simply not present in the result.
func (s *Store) GetMany(ctx context.Context, ks []model.FeatureKey) (map[model.FeatureKey]model.FeatureValue, error) {
	out := make(map[model.FeatureKey]model.FeatureValue, len(ks))
	if len(ks) == 0 {
		return out, nil
	}
	start := time.Now()

	var sb strings.Builder
	args := make([]any, 0, len(ks)*4)
	sb.WriteString(`SELECT ticker, feature_name, value, absent, as_of, calculated_at, version, metadata
		FROM feature_values WHERE superseded_at IS NULL AND (`)
	for i, k := range ks {
		if i > 0 {
			sb.WriteString(" OR ")
		}
		sb.WriteString("(ticker = ? AND feature_name = ? AND as_of = ? AND version = ?)")
		args = append(args, k.Ticker, k.Feature, k.AsOf.UTC().Format(timeLayout), k.Version)
	}
	sb.WriteString(")")

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	observability.ObserveL2Op("get_many", time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("l2 get_many %d keys: %w", len(ks), err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			ticker, name, asOfStr, calcStr string
			value                          sql.NullFloat64
			absent, version                int
			metaStr                        sql.NullString
		)
		if err := rows.Scan(&ticker, &name, &value, &absent, &asOfStr, &calcStr, &version, &metaStr); err != nil {
			return nil, fmt.Errorf("l2 scan row: %w", err)
		}
		asOf, err := time.Parse(timeLayout, asOfStr)
		if err != nil {
			return nil, fmt.Errorf("l2 parse as_of %q: %w", asOfStr, err)
		}
		calc, err := time.Parse(timeLayout, calcStr)
		if err != nil {
			return nil, fmt.Errorf("l2 parse calculated_at %q: %w", calcStr, err)
		}
		fv := model.FeatureValue{
			Value:        value.Float64,
			Absent:       absent != 0,
			CalculatedAt: calc,
			Source:       model.TierL2,
		}
		if metaStr.Valid && metaStr.String != "" {
			var meta map[string]any
			if err := json.Unmarshal([]byte(metaStr.String), &meta); err == nil {
				fv.Metadata = meta
			}
		}
		out[model.FeatureKey{Ticker: ticker, Feature: name, AsOf: asOf, Version: version}] = fv
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("l2 get_many rows: %w", err)
	}
	return out, nil
}

// PutMany upserts rows. An existing row is overwritten only if the new
// calculated_at is strictly greater; on a tie the incumbent wins, which
// keeps replays deterministic.
func (s *Store) PutMany(ctx context.Context, rs []Row) error {
	if len(rs) == 0 {
		return nil
	}
	start := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("l2 begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO feature_values
			(ticker, feature_name, value, absent, as_of, calculated_at, version, metadata, instance_id, superseded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT (ticker, feature_name, as_of, version) DO UPDATE SET
			value = excluded.value,
			absent = excluded.absent,
			calculated_at = excluded.calculated_at,
			metadata = excluded.metadata,
			instance_id = excluded.instance_id,
			superseded_at = NULL
		WHERE excluded.calculated_at > feature_values.calculated_at`)
	if err != nil {
		return fmt.Errorf("l2 prepare upsert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, r := range rs {
		var value any
		if !r.Absent {
			value = r.Value
		}
		var metaStr any
		if len(r.Metadata) > 0 {
			b, err := json.Marshal(r.Metadata)
			if err != nil {
				return fmt.Errorf("l2 marshal metadata for %s: %w", r.Key, err)
			}
			metaStr = string(b)
		}
		if _, err := stmt.ExecContext(ctx,
			r.Key.Ticker, r.Key.Feature, value, boolToInt(r.Absent),
			r.Key.AsOf.UTC().Format(timeLayout),
			r.CalculatedAt.UTC().Format(timeLayout),
			r.Key.Version, metaStr, s.instanceID,
		); err != nil {
			return fmt.Errorf("l2 upsert %s: %w", r.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("l2 commit %d rows: %w", len(rs), err)
	}
	observability.ObserveL2Op("put_many", time.Since(start).Seconds())
	return nil
}

// PutManyBuffered is PutMany with the degraded-L2 policy: on failure the
// rows go to the bounded retry buffer instead of failing the caller.
func (s *Store) PutManyBuffered(ctx context.Context, rs []Row) {
	if err := s.PutMany(ctx, rs); err != nil {
		observability.IncL2Unavailable()
		dropped := s.retry.push(rs)
		if dropped > 0 {
			s.log.Warn("l2 retry buffer overflow", "dropped", dropped)
		}
		s.log.Warn("l2 write queued for retry", "rows", len(rs), "err", err)
	}
}

// FlushRetries replays buffered writes. Rows that fail again are
// re-queued. Returns the number of rows written.
func (s *Store) FlushRetries(ctx context.Context) int {
	pending := s.retry.drain()
	if len(pending) == 0 {
		return 0
	}
	if err := s.PutMany(ctx, pending); err != nil {
		dropped := s.retry.push(pending)
		if dropped > 0 {
			s.log.Warn("l2 retry buffer overflow during flush", "dropped", dropped)
		}
		return 0
	}
	s.log.Info("l2 retry buffer flushed", "rows", len(pending))
	return len(pending)
}

// PendingRetries reports the current retry backlog size.
func (s *Store) PendingRetries() int { return s.retry.len() }

// Scan streams rows for a ticker/feature over [from, to], newest first,
// matching the primary access index order. version < 0 means any version.
func (s *Store) Scan(ctx context.Context, ticker, feature string, from, to time.Time, version int) ([]Row, error) {
	start := time.Now()
	q := `SELECT ticker, feature_name, value, absent, as_of, calculated_at, version, metadata
		FROM feature_values
		WHERE superseded_at IS NULL AND ticker = ? AND feature_name = ? AND as_of >= ? AND as_of <= ?`
	args := []any{ticker, feature, from.UTC().Format(timeLayout), to.UTC().Format(timeLayout)}
	if version >= 0 {
		q += " AND version = ?"
		args = append(args, version)
	}
	q += " ORDER BY as_of DESC"

	rows, err := s.db.QueryContext(ctx, q, args...)
	observability.ObserveL2Op("scan", time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("l2 scan %s/%s: %w", ticker, feature, err)
	}
	defer func() { _ = rows.Close() }()

	var out []Row
	for rows.Next() {
		var (
			tk, name, asOfStr, calcStr string
			value                      sql.NullFloat64
			absent, ver                int
			metaStr                    sql.NullString
		)
		if err := rows.Scan(&tk, &name, &value, &absent, &asOfStr, &calcStr, &ver, &metaStr); err != nil {
			return nil, fmt.Errorf("l2 scan row: %w", err)
		}
		asOf, err := time.Parse(timeLayout, asOfStr)
		if err != nil {
			return nil, fmt.Errorf("l2 parse as_of %q: %w", asOfStr, err)
		}
		calc, err := time.Parse(timeLayout, calcStr)
		if err != nil {
			return nil, fmt.Errorf("l2 parse calculated_at %q: %w", calcStr, err)
		}
		r := Row{
			Key:          model.FeatureKey{Ticker: tk, Feature: name, AsOf: asOf, Version: ver},
			Value:        value.Float64,
			Absent:       absent != 0,
			CalculatedAt: calc,
		}
		if metaStr.Valid && metaStr.String != "" {
			var meta map[string]any
			if err := json.Unmarshal([]byte(metaStr.String), &meta); err == nil {
				r.Metadata = meta
			}
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("l2 scan rows: %w", err)
	}
	return out, nil
}

// MarkSuperseded hides rows in [from, to] from reads until a fresh
// compute overwrites them. Returns the number of rows affected.
func (s *Store) MarkSuperseded(ctx context.Context, ticker, feature string, from, to time.Time) (int64, error) {
	start := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE feature_values SET superseded_at = ?
		WHERE superseded_at IS NULL AND ticker = ? AND feature_name = ? AND as_of >= ? AND as_of <= ?`,
		time.Now().UTC().Format(timeLayout),
		ticker, feature, from.UTC().Format(timeLayout), to.UTC().Format(timeLayout),
	)
	observability.ObserveL2Op("supersede", time.Since(start).Seconds())
	if err != nil {
		return 0, fmt.Errorf("l2 supersede %s/%s: %w", ticker, feature, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("l2 supersede rows affected: %w", err)
	}
	return n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
