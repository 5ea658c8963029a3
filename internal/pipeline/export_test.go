package pipeline

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"facturas/internal"
)

func TestExportApprovalsToXLSX(t *testing.T) {
	out := filepath.Join(t.TempDir(), "reports", "aprobaciones.xlsx")
	rows := []internal.ApprovalRow{
		{Provider: "gmail", MessageID: "m1", FileName: "fe_1.pdf", Number: "FE1", Outcome: "FILENAME", SourceArchive: "FE1.zip", Status: "acknowledged"},
		{Provider: "gmail", MessageID: "m2", FileName: "otro.pdf", Outcome: "NONE", Status: "unmatched"},
	}
	runs := []internal.RunRow{{
		ID:      7,
		TraceID: "trace",
		Kind:    RunKindApprovals,
		Counts:  map[string]int{"approvals": 2, "acknowledged": 1},
		Errors: []internal.RunError{
			{Kind: internal.ErrNoMatchFound},
			{Kind: internal.ErrUploadFailure},
			{Kind: internal.ErrNoMatchFound},
		},
	}}

	require.NoError(t, ExportApprovalsToXLSX(rows, runs, out))

	f, err := excelize.OpenFile(out)
	require.NoError(t, err)
	defer f.Close()

	got, err := f.GetRows(approvalsReportSheet)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "message_id", got[0][1])
	assert.Equal(t, "FE1.zip", got[1][8])
	assert.Equal(t, "unmatched", got[2][9])

	runRows, err := f.GetRows(runsReportSheet)
	require.NoError(t, err)
	require.Len(t, runRows, 2)
	assert.Equal(t, "2", runRows[1][5])
	assert.Equal(t, "no_match=2 upload_failure=1", runRows[1][11])
}
