package archive

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/animus-coder/taskplane/internal/contract"
)

func openIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := Open(filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func archived(id string, status contract.Status, spend float64, at time.Time) *contract.Contract {
	return &contract.Contract{
		SchemaVersion: contract.SchemaVersion,
		TaskID:        id,
		Title:         "task " + id,
		Status:        status,
		Breaker:       contract.Breaker{CostUSD: spend, TokensUsed: 1200, ReviewCycleCount: 1},
		Limits:        contract.Limits{CostCeilingUSD: 1, TimeoutMinutes: map[string]int{contract.AnyStage: 60}},
		CreatedAt:     at.Add(-time.Hour),
		UpdatedAt:     at,
		History:       []contract.HistoryEntry{{To: contract.StatusPendingImplementer, At: at.Add(-time.Hour)}},
		Turns:         []contract.Turn{{Model: "local-coder", At: at}},
	}
}

func TestRecordListAndSummarize(t *testing.T) {
	idx := openIndex(t)
	ctx := context.Background()
	base := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, idx.Record(ctx, archived("A", contract.StatusMerged, 0.4, base)))
	require.NoError(t, idx.Record(ctx, archived("B", contract.StatusHalted, 0.9, base.Add(time.Minute))))
	require.NoError(t, idx.Record(ctx, archived("C", contract.StatusMerged, 0.1, base.Add(2*time.Minute))))

	all, err := idx.List(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "C", all[0].TaskID)
	require.Equal(t, base.Add(2*time.Minute), all[0].ArchivedAt)

	merged, err := idx.List(ctx, contract.StatusMerged, 1)
	require.NoError(t, err)
	require.Len(t, merged, 1)
	require.Equal(t, "C", merged[0].TaskID)

	sum, err := idx.Summarize(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, sum.Count)
	require.InDelta(t, 1.4, sum.CostUSD, 1e-9)
	require.Equal(t, 2, sum.ByStatus[contract.StatusMerged])
}

func TestRecordUpserts(t *testing.T) {
	idx := openIndex(t)
	ctx := context.Background()
	at := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	c := archived("A", contract.StatusHalted, 0.2, at)
	require.NoError(t, idx.Record(ctx, c))
	c.FailureReason = contract.ReasonCostCeiling
	c.Breaker.CostUSD = 0.6
	require.NoError(t, idx.Record(ctx, c))

	entry, doc, err := idx.Get(ctx, "A")
	require.NoError(t, err)
	require.Equal(t, contract.ReasonCostCeiling, entry.FailureReason)
	require.InDelta(t, 0.6, entry.CostUSD, 1e-9)
	require.Equal(t, 1, entry.Turns)
	require.Equal(t, "A", doc.TaskID)
	require.Equal(t, contract.StatusHalted, doc.Status)

	all, err := idx.List(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestGetUnknown(t *testing.T) {
	idx := openIndex(t)
	_, _, err := idx.Get(context.Background(), "missing")
	require.True(t, errors.Is(err, ErrNotIndexed))
}

func TestFileStoreArchivesIntoIndex(t *testing.T) {
	idx := openIndex(t)
	store := contract.NewFileStore(filepath.Join(t.TempDir(), "contracts"), time.Second, idx)
	machine := contract.NewMachine(store, nil, nil, contract.Limits{CostCeilingUSD: 1, MaxRebuttals: 1, MaxReviewCycles: 1})
	ctx := context.Background()

	_, err := machine.Create(ctx, contract.CreateRequest{TaskID: "T-1"})
	require.NoError(t, err)
	_, err = machine.Abandon(ctx, "T-1", "duplicate of T-0")
	require.NoError(t, err)

	entry, _, err := idx.Get(ctx, "T-1")
	require.NoError(t, err)
	require.Equal(t, contract.StatusAbandoned, entry.Status)
	require.Equal(t, "abandoned by operator", entry.FailureReason)
}
