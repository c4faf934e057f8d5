// Package metrics persists game-reported datapoints. Records arrive through
// the rpc stream command as (name, tick, value) triples and are queried by
// name and tick range for the dashboard.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/factoriod/factoriod/internal/common/logger"
	"github.com/factoriod/factoriod/internal/common/sqlite"
)

const (
	// Names share a keyspace with the tick separated by '#'; the separator
	// is therefore reserved and the name length capped.
	nameSeparator = "#"
	maxNameLen    = 44

	// Ticks are stored zero-padded to 12 digits, bounding their range.
	maxTick = 1_000_000_000_000
)

// Validation failures for individual datapoints. Batch writers skip these
// rather than aborting.
var (
	ErrEmptyName    = errors.New("metric name must not be empty")
	ErrReservedChar = errors.New("metric name contains reserved character '#'")
	ErrNameTooLong  = fmt.Errorf("metric name exceeds %d characters", maxNameLen)
	ErrTickRange    = errors.New("metric tick out of range")
)

// DataPoint is one stored sample.
type DataPoint struct {
	Name  string  `db:"name" json:"name"`
	Tick  uint64  `db:"tick" json:"tick"`
	Value float64 `db:"value" json:"value"`
}

// Validate checks the point against the keyspace rules.
func (p DataPoint) Validate() error {
	if p.Name == "" {
		return ErrEmptyName
	}
	if strings.Contains(p.Name, nameSeparator) {
		return ErrReservedChar
	}
	if len(p.Name) > maxNameLen {
		return ErrNameTooLong
	}
	if p.Tick >= maxTick {
		return ErrTickRange
	}
	return nil
}

// Store is the SQLite-backed metric store.
type Store struct {
	db  *sqlx.DB
	log *logger.Logger
}

// NewStore opens (creating if needed) the metrics database at path.
func NewStore(path string, log *logger.Logger) (*Store, error) {
	db, err := sqlx.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening metrics db: %w", err)
	}
	s := &Store{db: db, log: log}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("metrics schema init: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS datapoints (
		name  TEXT    NOT NULL,
		tick  INTEGER NOT NULL,
		value REAL    NOT NULL,
		PRIMARY KEY (name, tick)
	);
	CREATE INDEX IF NOT EXISTS idx_datapoints_name ON datapoints(name);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	// Older databases predate the ingestion timestamp.
	return sqlite.EnsureColumn(s.db.DB, "datapoints", "recorded_at",
		"TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP")
}

// Close releases the database.
func (s *Store) Close() error { return s.db.Close() }

// Write validates and upserts one datapoint.
func (s *Store) Write(ctx context.Context, p DataPoint) error {
	if err := p.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO datapoints (name, tick, value) VALUES (?, ?, ?)
		ON CONFLICT (name, tick) DO UPDATE SET value = excluded.value`,
		p.Name, p.Tick, p.Value)
	if err != nil {
		return fmt.Errorf("insert datapoint: %w", err)
	}
	return nil
}

// WriteBatch writes every valid point in one transaction, returning the
// number written. Invalid points are counted out, not fatal.
func (s *Store) WriteBatch(ctx context.Context, points []DataPoint) (int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin batch: %w", err)
	}
	defer tx.Rollback()

	written := 0
	for _, p := range points {
		if err := p.Validate(); err != nil {
			s.log.Warn("Skipping invalid datapoint", zap.String("name", p.Name), zap.Error(err))
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO datapoints (name, tick, value) VALUES (?, ?, ?)
			ON CONFLICT (name, tick) DO UPDATE SET value = excluded.value`,
			p.Name, p.Tick, p.Value); err != nil {
			return written, fmt.Errorf("insert datapoint %q: %w", p.Name, err)
		}
		written++
	}

	if err := tx.Commit(); err != nil {
		return written, fmt.Errorf("commit batch: %w", err)
	}
	return written, nil
}

// Query returns the points for one metric within [fromTick, toTick), ordered
// by tick.
func (s *Store) Query(ctx context.Context, name string, fromTick, toTick uint64) ([]DataPoint, error) {
	var out []DataPoint
	err := s.db.SelectContext(ctx, &out, `
		SELECT name, tick, value FROM datapoints
		WHERE name = ? AND tick >= ? AND tick < ?
		ORDER BY tick`, name, fromTick, toTick)
	if err != nil {
		return nil, fmt.Errorf("query datapoints: %w", err)
	}
	return out, nil
}

// Names returns every metric name present, sorted.
func (s *Store) Names(ctx context.Context) ([]string, error) {
	var out []string
	err := s.db.SelectContext(ctx, &out,
		`SELECT DISTINCT name FROM datapoints ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query metric names: %w", err)
	}
	return out, nil
}
