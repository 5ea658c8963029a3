package tracker

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"facturas/internal"
	"facturas/internal/storage"
	"facturas/internal/testutil"
)

func TestMarkProcessedIsExclusive(t *testing.T) {
	dir := t.TempDir()
	tr := New(dir, testutil.NewMailbox(), nil)
	doc := &internal.SourceDocument{FileName: "FE94381.zip"}

	assert.False(t, tr.IsProcessed(doc))
	require.NoError(t, tr.MarkProcessed(doc, 3))
	assert.True(t, tr.IsProcessed(doc))
	assert.FileExists(t, filepath.Join(dir, "FE94381", ".done"))

	err := tr.MarkProcessed(doc, 3)
	assert.ErrorIs(t, err, ErrAlreadyProcessed)
}

func TestMarkProcessedConcurrentWriters(t *testing.T) {
	tr := New(t.TempDir(), testutil.NewMailbox(), nil)
	doc := &internal.SourceDocument{FileName: "race.zip"}

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tr.MarkProcessed(doc, 1) == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestAcknowledge(t *testing.T) {
	ctx := context.Background()
	db, err := storage.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer db.Close()

	mb := testutil.NewMailbox("Aprobadas")
	mb.AddApproval("Aprobadas", "ap-1", "Aprobada", "fe.pdf", []byte("%PDF"), time.Now())
	tr := New(t.TempDir(), mb, db)

	approval := &internal.ApprovalDocument{MessageID: "ap-1"}
	assert.False(t, tr.IsAcknowledged(approval))

	require.NoError(t, tr.Acknowledge(ctx, approval))
	assert.True(t, approval.Acknowledged)
	assert.Equal(t, 1, mb.Acked["ap-1"])
	assert.True(t, tr.IsAcknowledged(&internal.ApprovalDocument{MessageID: "ap-1"}))

	err = tr.Acknowledge(ctx, &internal.ApprovalDocument{MessageID: "missing"})
	assert.Error(t, err)
	row, err := db.GetApproval("fake", "missing")
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestIsProcessedIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "FE1"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "FE1", "fe1.xml"), []byte("<x/>"), 0o644))

	tr := New(dir, testutil.NewMailbox(), nil)
	assert.False(t, tr.IsProcessed(&internal.SourceDocument{FileName: "FE1.zip"}))
}
