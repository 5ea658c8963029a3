package ledger

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"facturas/internal/util"
)

var (
	reApprovalLabelled = regexp.MustCompile(`(?i)Factura:\s*([A-Za-z0-9\-/.]{3,})`)
	reApprovalTrailing = regexp.MustCompile(`([A-Za-z]{1,10}[\s\-]*\d{3,})\s*$`)
	reApprovalLastTok  = regexp.MustCompile(`([A-Za-z0-9\-/.]{3,})\s*$`)
)

var ErrApprovalColumns = errors.New("approvals workbook is missing expected columns")

type ApprovalsLayout struct {
	Sheet       string
	ColNumber   string
	ColRadicado string
	ColProject  string
}

type approvalRef struct {
	radicado string
	project  string
}

// SyncApprovals fills Radicado and ProyectoProceso from the approvals
// workbook, matching rows by normalised invoice number. Only empty cells are
// written. The ledger is then reordered with both columns first and sorted
// by Radicado. It returns the number of ledger rows updated.
func (l *Ledger) SyncApprovals(approvalsPath string, layout ApprovalsLayout) (int, error) {
	refs, err := readApprovals(approvalsPath, layout)
	if err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	numCol := l.sheet.column(ColNumber)
	if numCol < 0 {
		return 0, fmt.Errorf("%w: %s", ErrApprovalColumns, ColNumber)
	}
	radCol := l.sheet.ensureColumn(ColRadicado)
	projCol := l.sheet.ensureColumn(ColProject)

	updated := 0
	for _, row := range l.sheet.rows {
		ref, ok := refs[util.NormalizeKey(row[numCol])]
		if !ok {
			continue
		}
		wrote := false
		if strings.TrimSpace(row[radCol]) == "" && ref.radicado != "" {
			row[radCol] = ref.radicado
			wrote = true
		}
		if strings.TrimSpace(row[projCol]) == "" && ref.project != "" {
			row[projCol] = ref.project
			wrote = true
		}
		if wrote {
			updated++
		}
	}

	l.sheet.moveFirst(ColRadicado, ColProject)
	sortByRadicado(l.sheet.rows, l.sheet.column(ColRadicado))

	if err := l.sheet.save(l.path, ledgerStyle); err != nil {
		return 0, err
	}
	return updated, nil
}

func readApprovals(path string, layout ApprovalsLayout) (map[string]approvalRef, error) {
	s, err := readSheet(path, layout.Sheet, nil)
	if err != nil {
		return nil, err
	}
	numCol := s.column(layout.ColNumber, "numero de factura", "numerofactura")
	radCol := s.column(layout.ColRadicado, "radicado")
	projCol := s.column(layout.ColProject, "proyectoproceso", "proyecto/proceso")
	if numCol < 0 || radCol < 0 || projCol < 0 {
		return nil, ErrApprovalColumns
	}

	refs := map[string]approvalRef{}
	for _, row := range s.rows {
		key := util.NormalizeKey(ApprovalNumber(row[numCol]))
		if key == "" {
			continue
		}
		refs[key] = approvalRef{
			radicado: strings.TrimSpace(row[radCol]),
			project:  strings.TrimSpace(row[projCol]),
		}
	}
	return refs, nil
}

// ApprovalNumber pulls the invoice number out of the approvals workbook
// cell, which may carry a timestamp prefix ("2025-11-19T15:24:; FE 94381").
func ApprovalNumber(value string) string {
	s := strings.TrimSpace(value)
	if m := reApprovalLabelled.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	if m := reApprovalTrailing.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	if m := reApprovalLastTok.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	return s
}

// sortByRadicado puts numeric values first in numeric order, then text,
// then empty cells. The sort is stable.
func sortByRadicado(rows [][]string, col int) {
	if col < 0 {
		return
	}
	rank := func(v string) (int, int64, string) {
		v = strings.TrimSpace(v)
		if v == "" {
			return 2, 0, ""
		}
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return 0, n, ""
		}
		return 1, 0, v
	}
	sort.SliceStable(rows, func(i, j int) bool {
		ci, ni, si := rank(rows[i][col])
		cj, nj, sj := rank(rows[j][col])
		if ci != cj {
			return ci < cj
		}
		if ni != nj {
			return ni < nj
		}
		return si < sj
	})
}
