package resultstore

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/illmade-knight/teststation/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var resultColumns = []string{"id", "barcode", "machine_id", "product_id", "measured_value", "status", "timestamp"}

func newMockStore(t *testing.T) (*MySQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewMySQLStore(db, zerolog.Nop())
	require.NoError(t, err)
	return store, mock
}

func TestInsertResult(t *testing.T) {
	store, mock := newMockStore(t)
	ts := time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta(insertSQL)).
		WithArgs("BC-1", "M-1", "P-1", 85.0, "PASS", ts).
		WillReturnResult(sqlmock.NewResult(42, 1))

	id, err := store.InsertResult(context.Background(), &types.TestResult{
		Barcode:       "BC-1",
		MachineID:     "M-1",
		ProductID:     "P-1",
		MeasuredValue: 85.0,
		Status:        types.StatusPass,
		Timestamp:     ts,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertResult_Error(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(insertSQL)).WillReturnError(errors.New("deadlock found"))

	_, err := store.InsertResult(context.Background(), &types.TestResult{Status: types.StatusFail})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deadlock found")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestForMachine(t *testing.T) {
	store, mock := newMockStore(t)
	ts := time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(latestForMachineSQL)).
		WithArgs("M-1").
		WillReturnRows(sqlmock.NewRows(resultColumns).AddRow(7, "BC-7", "M-1", "P-1", 79.5, "FAIL", ts))

	r, err := store.LatestForMachine(context.Background(), "M-1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), r.ID)
	assert.Equal(t, types.StatusFail, r.Status)
	assert.Equal(t, 79.5, r.MeasuredValue)
	assert.True(t, r.Timestamp.Equal(ts))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestForMachine_NotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(latestForMachineSQL)).
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	_, err := store.LatestForMachine(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListResults(t *testing.T) {
	store, mock := newMockStore(t)
	newer := time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)
	older := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(listSQL)).
		WithArgs(20, 0).
		WillReturnRows(sqlmock.NewRows(resultColumns).
			AddRow(2, "BC-2", "M-1", "P-1", 90.0, "PASS", newer).
			AddRow(1, "BC-1", "M-1", "P-1", 10.0, "FAIL", older))

	results, err := store.ListResults(context.Background(), 0, 20)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, int64(2), results[0].ID)
	assert.Equal(t, int64(1), results[1].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListResults_Empty(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(listSQL)).
		WithArgs(5, 10).
		WillReturnRows(sqlmock.NewRows(resultColumns))

	results, err := store.ListResults(context.Background(), 10, 5)
	require.NoError(t, err)
	assert.NotNil(t, results)
	assert.Empty(t, results)
}

func TestStats(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(statsSQL)).
		WillReturnRows(sqlmock.NewRows([]string{"total", "passed"}).AddRow(10, 7))

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(10), stats.TotalTests)
	assert.Equal(t, int64(7), stats.PassCount)
	assert.Equal(t, int64(3), stats.FailCount)
	assert.InDelta(t, 70.0, stats.PassRate, 1e-9)
}

func TestMigrate(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(createTableSQL)).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewMySQLStore_RequiresDB(t *testing.T) {
	_, err := NewMySQLStore(nil, zerolog.Nop())
	assert.Error(t, err)
}

func TestOpen_RejectsBadDSN(t *testing.T) {
	_, err := Open(context.Background(), Config{DSN: "::not a dsn::"})
	assert.Error(t, err)
}
