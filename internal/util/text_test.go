package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeFileName(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  string
	}{
		{name: "pdf with underscore", input: "fe_94381.pdf", want: "fe94381"},
		{name: "zip upper", input: "FE94381.zip", want: "fe94381"},
		{name: "accents", input: "Factura Nº 12-Señal.PDF", want: "facturano12senal"},
		{name: "path prefix", input: "dir/sub/FE 1.zip", want: "fe1"},
		{name: "windows path", input: `C:\tmp\FE-2.zip`, want: "fe2"},
		{name: "no extension", input: "FEC756", want: "fec756"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, NormalizeFileName(tc.input))
		})
	}
}

func TestNormalizeKey(t *testing.T) {
	assert.Equal(t, "fe94381", NormalizeKey(" FE 94381 "))
	assert.Equal(t, "disl1595", NormalizeKey("DISL-1595"))
	assert.Equal(t, "", NormalizeKey("---"))
}

func TestFirstNonEmpty(t *testing.T) {
	assert.Equal(t, "b", FirstNonEmpty("", "  ", "b", "c"))
	assert.Equal(t, "", FirstNonEmpty())
}
