package connectors

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTMLText(t *testing.T) {
	html := `<html><head><style>p{}</style></head><body>
<p>Se aprobó la   factura</p>
<table><tr><td>Factura No. FE-94381</td><td>Fecha 12/11/2025</td></tr></table>
<div><span>Gracias</span></div>
</body></html>`

	assert.Equal(t, "Se aprobó la factura\nFactura No. FE-94381\nFecha 12/11/2025\nGracias", HTMLText(html))
	assert.Equal(t, "", HTMLText("  "))
}

func TestBodyTextPrefersPlain(t *testing.T) {
	assert.Equal(t, "plain", BodyText("plain", "<p>html</p>"))
	assert.Equal(t, "html", BodyText(" ", "<p>html</p>"))
}
