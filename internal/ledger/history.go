package ledger

import (
	"strconv"
	"time"
)

const HistorySheet = "Historial"

var historyColumns = []string{"Fecha", "Hora", "Archivo ZIP", "Nuevos XML guardados", "Errores encontrados"}

type HistoryRow struct {
	At      time.Time
	Archive string
	New     int
	Errors  int
}

// AppendHistory adds one row per processed archive to the run history
// workbook.
func AppendHistory(path string, rows []HistoryRow) error {
	if len(rows) == 0 {
		return nil
	}
	s, err := readSheet(path, HistorySheet, historyColumns)
	if err != nil {
		return err
	}
	s.name = HistorySheet

	for _, r := range rows {
		s.rows = append(s.rows, s.rowFrom(map[string]string{
			"Fecha":                r.At.Format(time.DateOnly),
			"Hora":                 r.At.Format(time.TimeOnly),
			"Archivo ZIP":          r.Archive,
			"Nuevos XML guardados": strconv.Itoa(r.New),
			"Errores encontrados":  strconv.Itoa(r.Errors),
		}))
	}
	return s.save(path, sheetStyle{numbers: map[string]bool{"Nuevos XML guardados": true, "Errores encontrados": true}})
}
