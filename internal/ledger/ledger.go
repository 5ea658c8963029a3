package ledger

import (
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"facturas/internal/ident"
	"facturas/internal/invoice"
)

const (
	SheetName = "Facturas"
	TableName = "TblFacturas"

	ColFile        = "Archivo"
	ColSupplier    = "Empresa emisora"
	ColCUFE        = "CUFE"
	ColCity        = "Ciudad emisora"
	ColCityCode    = "Código ciudad"
	ColNIT         = "NIT"
	ColCustomer    = "Cliente"
	ColNumber      = "Número de factura"
	ColYear        = "Año"
	ColMonth       = "Mes"
	ColDay         = "Día"
	ColTaxpayer    = "Tipo de contribuyente"
	ColActivity    = "Actividad económica"
	ColDescription = "DESCRIPCIÓN"
	ColConcept     = "Concepto"
	ColValue       = "VALOR"
	ColRadicado    = "Radicado"
	ColProject     = "ProyectoProceso"
)

var columns = []string{
	ColFile, ColSupplier, ColCUFE, ColCity, ColCityCode, ColNIT, ColCustomer, ColNumber,
	ColYear, ColMonth, ColDay, ColTaxpayer, ColActivity, ColDescription, ColConcept, ColValue,
}

var ledgerStyle = sheetStyle{
	table:   TableName,
	numbers: map[string]bool{ColYear: true, ColMonth: true, ColDay: true, ColValue: true, ColRadicado: true},
}

// Concepts are written in this order, one ledger row each.
var Concepts = []string{
	"Subtotal", "IVA 5%", "IVA 19%",
	"Retención de IVA", "Retención de ICA", "Retención en la fuente", "Total",
}

func conceptValues(inv invoice.Invoice) []decimal.Decimal {
	return []decimal.Decimal{
		inv.Subtotal, inv.VAT5, inv.VAT19,
		inv.WithholdingVAT, inv.WithholdingICA, inv.WithholdingIncome, inv.Total,
	}
}

// Ledger is the long-format invoice workbook: one row per invoice and
// concept, unique by (Archivo, Concepto).
type Ledger struct {
	mu    sync.Mutex
	path  string
	sheet *sheet
}

func Open(path string) (*Ledger, error) {
	s, err := readSheet(path, SheetName, columns)
	if err != nil {
		return nil, err
	}
	s.name = SheetName
	return &Ledger{path: path, sheet: s}, nil
}

func (l *Ledger) Path() string {
	return l.path
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sheet.rows)
}

// ExistingCUFEs lists the distinct CUFE values already in the ledger.
func (l *Ledger) ExistingCUFEs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	col := l.sheet.column(ColCUFE)
	if col < 0 {
		return nil
	}
	seen := map[string]bool{}
	out := []string{}
	for _, row := range l.sheet.rows {
		cufe := ident.NormalizeCUFE(row[col])
		if cufe == "" || seen[cufe] {
			continue
		}
		seen[cufe] = true
		out = append(out, cufe)
	}
	return out
}

// Commit merges the invoices into the workbook and saves it. Rows with an
// existing (Archivo, Concepto) are replaced in place by the newer values.
// It returns how many rows the ledger grew by.
func (l *Ledger) Commit(invoices []invoice.Invoice) (int, error) {
	if len(invoices) == 0 {
		return 0, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	fileCol := l.sheet.column(ColFile)
	conceptCol := l.sheet.column(ColConcept)
	pos := map[[2]string]int{}
	for i, row := range l.sheet.rows {
		pos[[2]string{row[fileCol], row[conceptCol]}] = i
	}

	before := len(l.sheet.rows)
	for _, inv := range invoices {
		base := invoiceValues(inv)
		values := conceptValues(inv)
		for i, concept := range Concepts {
			v := copyValues(base)
			v[ColConcept] = concept
			v[ColValue] = values[i].String()

			key := [2]string{inv.File, concept}
			if at, ok := pos[key]; ok {
				l.sheet.rows[at] = merge(l.sheet.rows[at], l.sheet.rowFrom(v))
				continue
			}
			pos[key] = len(l.sheet.rows)
			l.sheet.rows = append(l.sheet.rows, l.sheet.rowFrom(v))
		}
	}

	if err := l.sheet.save(l.path, ledgerStyle); err != nil {
		return 0, err
	}
	return len(l.sheet.rows) - before, nil
}

// merge keeps cells of old that the new row leaves empty, such as the
// enrichment columns.
func merge(old, next []string) []string {
	for i := range next {
		if next[i] == "" && i < len(old) {
			next[i] = old[i]
		}
	}
	return next
}

func copyValues(in map[string]string) map[string]string {
	out := make(map[string]string, len(in)+2)
	for k, v := range in {
		out[k] = v
	}
	return out
}

func invoiceValues(inv invoice.Invoice) map[string]string {
	year, month, day := "", "", ""
	if parts := strings.Split(inv.IssueDate, "-"); len(parts) == 3 {
		year, month, day = parts[0], strings.TrimLeft(parts[1], "0"), strings.TrimLeft(parts[2], "0")
	}
	return map[string]string{
		ColFile:        inv.File,
		ColSupplier:    inv.Supplier,
		ColCUFE:        inv.CUFE,
		ColCity:        inv.SupplierCity,
		ColCityCode:    inv.SupplierCityCode,
		ColNIT:         inv.SupplierNIT,
		ColCustomer:    inv.Customer,
		ColNumber:      inv.Number,
		ColYear:        year,
		ColMonth:       month,
		ColDay:         day,
		ColTaxpayer:    inv.TaxpayerType,
		ColActivity:    inv.EconomicActivity,
		ColDescription: inv.Description,
	}
}
