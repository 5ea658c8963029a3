package ident

import (
	"strconv"
	"strings"
	"time"
)

var dateSeparators = strings.NewReplacer("-", "/", ".", "/", "\\", "/")

// NormalizeDate turns YYYY-MM-DD or DD-MM-YYYY (any of / - . \ as separator)
// into YYYY-MM-DD. Invalid calendar dates yield "".
func NormalizeDate(raw string) string {
	parts := strings.Split(dateSeparators.Replace(strings.TrimSpace(raw)), "/")
	if len(parts) != 3 {
		return ""
	}

	var ys, ms, ds string
	switch {
	case len(parts[0]) == 4:
		ys, ms, ds = parts[0], parts[1], parts[2]
	case len(parts[2]) == 4:
		ds, ms, ys = parts[0], parts[1], parts[2]
	default:
		return ""
	}

	y, err1 := strconv.Atoi(ys)
	m, err2 := strconv.Atoi(ms)
	d, err3 := strconv.Atoi(ds)
	if err1 != nil || err2 != nil || err3 != nil {
		return ""
	}
	if m < 1 || m > 12 || d < 1 || d > 31 {
		return ""
	}

	t := time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
	if t.Year() != y || int(t.Month()) != m || t.Day() != d {
		return ""
	}
	return t.Format(time.DateOnly)
}
