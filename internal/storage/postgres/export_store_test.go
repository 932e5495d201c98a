package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/multisession-harvester/internal/harvest"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

var exportTime = time.Date(2025, 1, 2, 15, 4, 5, 0, time.UTC)

func TestExportInsertsRowsInTransaction(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewExportStoreWithPool(mock, "jobs", fixedClock{now: exportTime})
	require.NoError(t, err)

	scraped := time.Date(2025, 1, 2, 15, 0, 0, 0, time.UTC)
	records := []harvest.Record{
		{
			ID: "j1", Title: "Engineer", Company: "Acme", Page: 1, Position: 3,
			Source: "pagination", ScrapedAt: scraped, AccountName: "Alice",
			AccountEmail: "a@example.com", AccountJobTitle: "General", KeywordMatch: "golang",
		},
		{ID: "", Title: "Analyst", Page: 2, Position: 1},
	}
	name := "MultiAccount_FILTERED_JOBS_MULTI_20250102_150405"

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO jobs").
		WithArgs(
			name, "sheet-1", "FILTERED_JOBS_MULTI", 1,
			"j1", "Engineer", "Acme", "", "", "", "",
			"", "", "", "",
			"", "", "", 1, 3,
			"", "golang", "pagination", &scraped,
			"Alice", "a@example.com", "General",
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO jobs").
		WithArgs(
			name, "sheet-1", "FILTERED_JOBS_MULTI", 2,
			"", "Analyst", "", "", "", "", "",
			"", "", "", "",
			"", "", "", 2, 1,
			"", "N/A", "", (*time.Time)(nil),
			"", "", "",
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	id, err := store.Export(context.Background(), " sheet-1 ", harvest.ExportFiltered, records)
	require.NoError(t, err)
	require.Equal(t, "postgres://jobs/"+name, id)
	require.NoError(t, mock.ExpectationsWereMet())
}

const insertColumns = 27

func anyArgs(n int) []any {
	args := make([]any, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

func TestExportRollsBackOnInsertError(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewExportStoreWithPool(mock, "", fixedClock{now: exportTime})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO harvested_jobs").
		WithArgs(anyArgs(insertColumns)...).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err = store.Export(context.Background(), "s", harvest.ExportAll, []harvest.Record{{ID: "x", Title: "t"}})
	require.ErrorContains(t, err, "disk full")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewExportStoreWithPool(mock, "jobs", fixedClock{})
	require.NoError(t, err)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS jobs").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewExportStoreWithPoolValidates(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewExportStoreWithPool(nil, "jobs", fixedClock{})
	require.Error(t, err)
	_, err = NewExportStoreWithPool(mock, "jobs;drop", fixedClock{})
	require.Error(t, err)
	_, err = NewExportStoreWithPool(mock, "jobs", nil)
	require.Error(t, err)
}

func TestNewExportStoreRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := NewExportStore(context.Background(), ExportStoreConfig{}, fixedClock{})
	require.Error(t, err)
}
