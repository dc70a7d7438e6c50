// Package resultstore persists classified test results in MySQL and serves the
// read queries behind the results API.
package resultstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/illmade-knight/teststation/pkg/types"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned when a lookup matches no rows.
var ErrNotFound = errors.New("resultstore: not found")

const createTableSQL = "CREATE TABLE IF NOT EXISTS test_results (" +
	"id BIGINT NOT NULL AUTO_INCREMENT, " +
	"barcode VARCHAR(255) NOT NULL, " +
	"machine_id VARCHAR(50) NOT NULL, " +
	"product_id VARCHAR(50) NOT NULL, " +
	"measured_value DOUBLE NOT NULL, " +
	"status ENUM('PASS','FAIL') NOT NULL, " +
	"`timestamp` DATETIME(6) NOT NULL, " +
	"PRIMARY KEY (id), " +
	"KEY idx_test_results_barcode (barcode), " +
	"KEY idx_test_results_machine_id (machine_id), " +
	"KEY idx_test_results_timestamp (`timestamp`)" +
	") ENGINE=InnoDB"

const (
	insertSQL = "INSERT INTO test_results (barcode, machine_id, product_id, measured_value, status, `timestamp`) VALUES (?, ?, ?, ?, ?, ?)"

	selectColumns = "SELECT id, barcode, machine_id, product_id, measured_value, status, `timestamp` FROM test_results"

	latestForMachineSQL = selectColumns + " WHERE machine_id = ? ORDER BY `timestamp` DESC, id DESC LIMIT 1"
	listSQL             = selectColumns + " ORDER BY `timestamp` DESC, id DESC LIMIT ? OFFSET ?"
	statsSQL            = "SELECT COUNT(*), COALESCE(SUM(status = 'PASS'), 0) FROM test_results"
)

// Config holds the connection settings.
type Config struct {
	DSN             string        `mapstructure:"dsn" yaml:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

// Open connects to MySQL. The DSN is normalised so DATETIME columns scan into
// time.Time values in UTC.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	dsnCfg, err := mysql.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	dsnCfg.ParseTime = true
	dsnCfg.Loc = time.UTC

	db, err := sql.Open("mysql", dsnCfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}
	return db, nil
}

// MySQLStore reads and writes the test_results table.
type MySQLStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewMySQLStore wraps an open database handle. The caller owns db.
func NewMySQLStore(db *sql.DB, logger zerolog.Logger) (*MySQLStore, error) {
	if db == nil {
		return nil, errors.New("resultstore: db is required")
	}
	return &MySQLStore{
		db:     db,
		logger: logger.With().Str("component", "MySQLStore").Logger(),
	}, nil
}

// Migrate creates the test_results table if it does not exist.
func (s *MySQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createTableSQL); err != nil {
		return fmt.Errorf("create test_results: %w", err)
	}
	s.logger.Info().Msg("Schema is up to date.")
	return nil
}

// Ping checks that the database is reachable.
func (s *MySQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InsertResult stores r in a single statement and returns the generated id.
func (s *MySQLStore) InsertResult(ctx context.Context, r *types.TestResult) (int64, error) {
	res, err := s.db.ExecContext(ctx, insertSQL,
		r.Barcode, r.MachineID, r.ProductID, r.MeasuredValue, string(r.Status), r.Timestamp.UTC())
	if err != nil {
		return 0, fmt.Errorf("insert test result: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read inserted id: %w", err)
	}
	return id, nil
}

// LatestForMachine returns the most recent result recorded for machineID.
func (s *MySQLStore) LatestForMachine(ctx context.Context, machineID string) (*types.TestResult, error) {
	row := s.db.QueryRowContext(ctx, latestForMachineSQL, machineID)
	r, err := scanResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query latest result for %q: %w", machineID, err)
	}
	return r, nil
}

// ListResults returns a newest-first page of results.
func (s *MySQLStore) ListResults(ctx context.Context, skip, limit int) ([]types.TestResult, error) {
	rows, err := s.db.QueryContext(ctx, listSQL, limit, skip)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	results := make([]types.TestResult, 0, limit)
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		results = append(results, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate results: %w", err)
	}
	return results, nil
}

// Stats aggregates pass/fail counts over all results.
func (s *MySQLStore) Stats(ctx context.Context) (types.ResultStats, error) {
	var total, passed int64
	if err := s.db.QueryRowContext(ctx, statsSQL).Scan(&total, &passed); err != nil {
		return types.ResultStats{}, fmt.Errorf("query stats: %w", err)
	}
	return types.NewResultStats(total, passed), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanResult(sc scanner) (*types.TestResult, error) {
	var (
		r      types.TestResult
		status string
	)
	if err := sc.Scan(&r.ID, &r.Barcode, &r.MachineID, &r.ProductID, &r.MeasuredValue, &status, &r.Timestamp); err != nil {
		return nil, err
	}
	r.Status = types.Status(status)
	r.Timestamp = r.Timestamp.UTC()
	return &r, nil
}
