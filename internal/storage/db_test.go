package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"facturas/internal"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "state", "app.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestApprovalLifecycle(t *testing.T) {
	db := openTestDB(t)

	row := internal.ApprovalRow{
		Provider:  "imap",
		MessageID: "Aprobadas/10",
		Subject:   "Aprobada FE1",
		FileName:  "fe1.pdf",
		Number:    "FE1",
		Outcome:   string(internal.MatchNone),
		Status:    string(internal.ApprovalUnmatched),
		RunID:     "run-1",
	}
	require.NoError(t, db.UpsertApproval(row))

	got, err := db.GetApproval("imap", "Aprobadas/10")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "unmatched", got.Status)
	assert.Equal(t, "FE1", got.Number)

	require.NoError(t, db.SetApprovalStatus("imap", "Aprobadas/10", internal.ApprovalAcknowledged))

	row.Status = string(internal.ApprovalPending)
	row.RunID = "run-2"
	require.NoError(t, db.UpsertApproval(row))

	got, err = db.GetApproval("imap", "Aprobadas/10")
	require.NoError(t, err)
	assert.Equal(t, "acknowledged", got.Status)
	assert.Equal(t, "run-2", got.RunID)

	missing, err := db.GetApproval("imap", "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	acked, err := db.ListApprovals("acknowledged", 10)
	require.NoError(t, err)
	assert.Len(t, acked, 1)
}

func TestSourceDocumentDone(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.UpsertSourceDocument(internal.SourceDocumentRow{
		Provider: "gmail", MessageID: "m1", AttachmentID: "a1", FileName: "FE1.zip", Folder: "FE1",
	}))
	require.NoError(t, db.MarkSourceDocumentDone("FE1", 7))
	require.NoError(t, db.MarkSourceDocumentDone("FE1", 99))

	docs, err := db.ListSourceDocuments(10)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, 7, docs[0].Records)
	assert.NotNil(t, docs[0].DoneAt)
}

func TestRunsAndMetadata(t *testing.T) {
	db := openTestDB(t)

	id, err := db.InsertRun(internal.RunRow{
		TraceID:      "t-1",
		Kind:         "approvals",
		StartedAt:    "2025-11-12T10:00:00Z",
		FinishedAt:   "2025-11-12T10:01:00Z",
		Counts:       map[string]int{"approvals": 3},
		Errors:       []internal.RunError{{Kind: internal.ErrNoMatchFound, Ref: "m1"}},
		StoppedEarly: true,
	})
	require.NoError(t, err)
	assert.Positive(t, id)

	runs, err := db.ListRuns(5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.True(t, runs[0].StoppedEarly)
	assert.Equal(t, 3, runs[0].Counts["approvals"])
	assert.Equal(t, internal.ErrNoMatchFound, runs[0].Errors[0].Kind)

	value, err := db.GetMetadata("last_run")
	require.NoError(t, err)
	assert.Nil(t, value)

	require.NoError(t, db.SetMetadata("last_run", "t-1"))
	value, err = db.GetMetadata("last_run")
	require.NoError(t, err)
	require.NotNil(t, value)
	assert.Equal(t, "t-1", *value)
}
