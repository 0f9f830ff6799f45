package audit

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/suderra/edge-agent/internal/model"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.db")
	l, err := Open(path, 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestRecordAndHistory(t *testing.T) {
	l := newTestLedger(t)

	require.NoError(t, l.Record(model.ExecutionResult{ScriptID: "s1", Success: true, Timestamp: time.Now()}))
	require.NoError(t, l.Record(model.ExecutionResult{ScriptID: "s2", Success: false, Timestamp: time.Now()}))
	require.NoError(t, l.Record(model.ExecutionResult{ScriptID: "s1", Success: false, Timestamp: time.Now()}))

	hist, err := l.History("s1", 0)
	require.NoError(t, err)
	require.Len(t, hist, 2)

	all, err := l.History("", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
}

func TestPruneRemovesOldEntries(t *testing.T) {
	l := newTestLedger(t)

	old := time.Now().AddDate(0, 0, -30)
	require.NoError(t, l.Record(model.ExecutionResult{ScriptID: "s1", Timestamp: old}))
	require.NoError(t, l.Record(model.ExecutionResult{ScriptID: "s1", Timestamp: time.Now()}))

	deleted, err := l.Prune()
	require.NoError(t, err)
	require.Equal(t, 1, deleted)

	hist, err := l.History("s1", 0)
	require.NoError(t, err)
	require.Len(t, hist, 1)
}

func TestHistoryLimit(t *testing.T) {
	l := newTestLedger(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Record(model.ExecutionResult{ScriptID: "s1", Timestamp: time.Now()}))
	}
	hist, err := l.History("s1", 2)
	require.NoError(t, err)
	require.Len(t, hist, 2)
}
