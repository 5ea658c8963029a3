package pipeline

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"facturas/internal"
)

const (
	approvalsReportSheet = "Aprobaciones"
	runsReportSheet      = "Ejecuciones"
)

// ExportApprovalsToXLSX writes the reconciliation state of each approval and
// the recent runs into a two-sheet report.
func ExportApprovalsToXLSX(rows []internal.ApprovalRow, runs []internal.RunRow, outputPath string) error {
	f := excelize.NewFile()
	defer f.Close()

	sheet := f.GetSheetName(0)
	if err := f.SetSheetName(sheet, approvalsReportSheet); err != nil {
		return err
	}

	headers := []string{
		"provider", "message_id", "subject", "pdf", "cufe", "number", "issue_date",
		"outcome", "source_archive", "status", "run_trace_id", "updated_at",
	}
	writeHeader(f, approvalsReportSheet, headers)

	for i, row := range rows {
		r := i + 2
		set := func(col int, value any) {
			cell, _ := excelize.CoordinatesToCellName(col, r)
			_ = f.SetCellValue(approvalsReportSheet, cell, value)
		}

		set(1, row.Provider)
		set(2, row.MessageID)
		set(3, row.Subject)
		set(4, row.FileName)
		set(5, row.CUFE)
		set(6, row.Number)
		set(7, row.IssueDate)
		set(8, row.Outcome)
		set(9, row.SourceArchive)
		set(10, row.Status)
		set(11, row.RunID)
		set(12, row.UpdatedAt)
	}

	if _, err := f.NewSheet(runsReportSheet); err != nil {
		return err
	}
	runHeaders := []string{
		"id", "trace_id", "kind", "started_at", "finished_at", "approvals", "acknowledged",
		"ingested", "new_records", "errors", "stopped_early", "error_kinds",
	}
	writeHeader(f, runsReportSheet, runHeaders)

	for i, run := range runs {
		r := i + 2
		set := func(col int, value any) {
			cell, _ := excelize.CoordinatesToCellName(col, r)
			_ = f.SetCellValue(runsReportSheet, cell, value)
		}

		set(1, run.ID)
		set(2, run.TraceID)
		set(3, run.Kind)
		set(4, run.StartedAt)
		set(5, run.FinishedAt)
		set(6, run.Counts["approvals"])
		set(7, run.Counts["acknowledged"])
		set(8, run.Counts["ingested"])
		set(9, run.Counts["new_records"])
		set(10, len(run.Errors))
		set(11, run.StoppedEarly)
		set(12, errorKinds(run.Errors))
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return err
	}
	return f.SaveAs(outputPath)
}

func writeHeader(f *excelize.File, sheet string, headers []string) {
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}
	_ = f.SetPanes(sheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})
}

// errorKinds renders "kind=count" pairs in first-seen order.
func errorKinds(errs []internal.RunError) string {
	counts := map[internal.ErrorKind]int{}
	order := []internal.ErrorKind{}
	for _, e := range errs {
		if counts[e.Kind] == 0 {
			order = append(order, e.Kind)
		}
		counts[e.Kind]++
	}
	parts := make([]string, 0, len(order))
	for _, k := range order {
		parts = append(parts, string(k)+"="+strconv.Itoa(counts[k]))
	}
	return strings.Join(parts, " ")
}
