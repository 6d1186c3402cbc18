package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/dhkim0920/termharvest/internal/harvest"
)

func newMockStore(t *testing.T) (*RecordStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewRecordStoreWithPool(mock, 2)
	require.NoError(t, err)
	return store, mock
}

func TestClaimExpansionFlipsAndReturnsRows(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	rows := pgxmock.NewRows([]string{"id", "term", "total_volume"}).
		AddRow(int64(1), "캠핑의자", 900).
		AddRow(int64(2), "휴대용버너", 400)
	mock.ExpectQuery(`UPDATE terms SET expansion_state = 'in_progress'`).
		WithArgs(20).
		WillReturnRows(rows)

	claimed, err := store.ClaimExpansion(context.Background(), harvest.ClaimTopVolume, 20)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	require.Equal(t, harvest.ClaimedItem{ID: 1, Term: "캠핑의자", TotalVolume: 900}, claimed[0])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimDocFillSetsSentinel(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	rows := pgxmock.NewRows([]string{"id", "term", "total_volume"}).
		AddRow(int64(7), "글램핑", 1200)
	mock.ExpectQuery(`UPDATE terms SET blog_docs = -1`).
		WithArgs(300).
		WillReturnRows(rows)

	claimed, err := store.ClaimDocFill(context.Background(), 300)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, int64(7), claimed[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetExpansionStateChunksUpdates(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	// transition chunk is 2, so three ids produce two statements.
	mock.ExpectExec(`UPDATE terms SET expansion_state`).
		WithArgs("done", []int64{1, 2}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	mock.ExpectExec(`UPDATE terms SET expansion_state`).
		WithArgs("done", []int64{3}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := store.SetExpansionState(context.Background(), []int64{1, 2, 3}, harvest.ExpansionDone)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResetDocFillNullsSentinels(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE terms SET blog_docs = NULL`).
		WithArgs([]int64{5, 6}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))

	err := store.ResetDocFill(context.Background(), []int64{5, 6})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyDocResultsWritesRatioAndTier(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE terms SET blog_docs = \$1`).
		WithArgs(50, 30, 20, 999, 6.0, "gold", int64(9)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := store.ApplyDocResults(context.Background(), []harvest.DocResult{{
		ID:     9,
		Term:   "차박매트",
		Counts: harvest.ChannelCounts{Blog: 50, Cafe: 30, Web: 20, News: 999},
		Ratio:  6.0,
		Tier:   harvest.TierGold,
	}})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertRecordsSingleStatement(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	rec := harvest.Record{
		Term:        "폴딩박스",
		PCVolume:    100,
		TotalVolume: 100,
		Tier:        harvest.TierUnranked,
		Expansion:   harvest.ExpansionPending,
	}
	mock.ExpectExec(`INSERT INTO terms`).
		WithArgs(
			"폴딩박스", 100, 0, 100, 0.0, 0.0, 0.0, 0.0, "",
			nil, nil, nil, nil, 0.0, "unranked", "pending",
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := store.UpsertRecords(context.Background(), []harvest.Record{rec})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertRecordsEmptyIsNoop(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	require.NoError(t, store.UpsertRecords(context.Background(), nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReclaimExpansionUsesCutoff(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	cutoff := time.Unix(1700000000, 0).UTC()
	mock.ExpectExec(`UPDATE terms SET expansion_state = 'pending'`).
		WithArgs(cutoff).
		WillReturnResult(pgxmock.NewResult("UPDATE", 4))

	n, err := store.ReclaimExpansion(context.Background(), cutoff)
	require.NoError(t, err)
	require.Equal(t, int64(4), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReclaimDocFillUsesCutoff(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	cutoff := time.Unix(1700000000, 0).UTC()
	mock.ExpectExec(`UPDATE terms SET blog_docs = NULL`).
		WithArgs(cutoff).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))

	n, err := store.ReclaimDocFill(context.Background(), cutoff)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPageKeysReturnsKeysAndLastID(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	rows := pgxmock.NewRows([]string{"id", "term"}).
		AddRow(int64(11), "감성캠핑").
		AddRow(int64(15), "타프스크린")
	mock.ExpectQuery(`SELECT id, term FROM terms WHERE id >`).
		WithArgs(int64(0), 5000).
		WillReturnRows(rows)

	keys, lastID, err := store.PageKeys(context.Background(), 0, 5000)
	require.NoError(t, err)
	require.Equal(t, []string{"감성캠핑", "타프스크린"}, keys)
	require.Equal(t, int64(15), lastID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOperatingModeDefaultsToScheduled(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT value FROM settings`).
		WillReturnRows(pgxmock.NewRows([]string{"value"}))

	mode, err := store.OperatingMode(context.Background())
	require.NoError(t, err)
	require.Equal(t, harvest.ModeScheduled, mode)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOperatingModeContinuous(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT value FROM settings`).
		WillReturnRows(pgxmock.NewRows([]string{"value"}).AddRow("continuous"))

	mode, err := store.OperatingMode(context.Background())
	require.NoError(t, err)
	require.Equal(t, harvest.ModeContinuous, mode)
	require.NoError(t, mock.ExpectationsWereMet())
}
