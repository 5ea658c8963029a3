package invoice

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"facturas/internal/testutil"
)

func sampleSpec() testutil.InvoiceSpec {
	return testutil.InvoiceSpec{Number: "FE94381", CUFE: testutil.CUFE("fe94381"), IssueDate: "2025-11-12"}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestParseInvoice(t *testing.T) {
	spec := sampleSpec()

	inv, err := Parse("nested/FE94381.xml", []byte(testutil.InvoiceXML(spec)), nil)
	require.NoError(t, err)

	assert.Equal(t, "FE94381.xml", inv.File)
	assert.Equal(t, "Panaderia La Espiga", inv.Supplier)
	assert.Equal(t, spec.CUFE, inv.CUFE)
	assert.Equal(t, "FE94381", inv.Number)
	assert.Equal(t, "2025-11-12", inv.IssueDate)
	assert.Equal(t, "Bogota", inv.SupplierCity)
	assert.Equal(t, "11001", inv.SupplierCityCode)
	assert.Equal(t, "900123456", inv.SupplierNIT)
	assert.Equal(t, "Cliente Uno SAS", inv.Customer)
	assert.Equal(t, "O-47", inv.TaxpayerType)
	assert.Equal(t, "4711", inv.EconomicActivity)
	assert.Equal(t, "Pan tajado; Servicio de entrega", inv.Description)

	assert.True(t, dec("11000").Equal(inv.Subtotal))
	assert.True(t, dec("1900").Equal(inv.VAT19))
	assert.True(t, dec("50").Equal(inv.VAT5))
	assert.True(t, dec("-250").Equal(inv.WithholdingIncome))
	assert.True(t, dec("-100").Equal(inv.WithholdingICA))
	assert.True(t, inv.WithholdingVAT.IsZero())
	assert.True(t, dec("12600").Equal(inv.Total), inv.Total.String())

	id := inv.Identifier()
	assert.Equal(t, spec.CUFE, id.CUFE)
	assert.Equal(t, "FE94381", id.Number)
	assert.Equal(t, "2025-11-12", id.Date)
}

func TestParseAttachedDocument(t *testing.T) {
	spec := sampleSpec()

	cases := map[string]string{
		"escaped description": testutil.AttachedDescription(spec),
		"base64 binary":       testutil.AttachedBinary(spec),
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			inv, err := Parse("ad.xml", []byte(doc), nil)
			require.NoError(t, err)
			assert.Equal(t, "FE94381", inv.Number)
			assert.Equal(t, spec.CUFE, inv.CUFE)
		})
	}
}

func TestParseAttachedDocumentSiblingURI(t *testing.T) {
	spec := sampleSpec()
	doc := testutil.AttachedURI(spec.Number, "some/dir/fv_inner.xml")

	sibling := func(name string) ([]byte, error) {
		if name != "fv_inner.xml" {
			return nil, os.ErrNotExist
		}
		return []byte(testutil.InvoiceXML(spec)), nil
	}

	inv, err := Parse("ad.xml", []byte(doc), sibling)
	require.NoError(t, err)
	assert.Equal(t, "FE94381", inv.Number)

	_, err = Parse("ad.xml", []byte(doc), nil)
	assert.True(t, errors.Is(err, ErrNoEmbeddedInvoice))
}

func TestParseSiblingWithByteOrderMark(t *testing.T) {
	spec := sampleSpec()
	doc := testutil.AttachedURI(spec.Number, "fv_inner.xml")
	sibling := func(string) ([]byte, error) {
		return []byte("\uFEFF\n" + testutil.InvoiceXML(spec)), nil
	}

	inv, err := Parse("ad.xml", []byte(doc), sibling)
	require.NoError(t, err)
	assert.Equal(t, spec.CUFE, inv.CUFE)
}

func TestIdentifyFallsBackToParentReference(t *testing.T) {
	spec := sampleSpec()

	id, err := Identify([]byte(testutil.AttachedParentOnly(spec)), nil)
	require.NoError(t, err)
	assert.Equal(t, spec.CUFE, id.CUFE)
	assert.Equal(t, "FE94381", id.Number)
	assert.Equal(t, "2025-11-12", id.Date)

	_, err = Parse("ad.xml", []byte(testutil.AttachedParentOnly(spec)), nil)
	assert.ErrorIs(t, err, ErrNoEmbeddedInvoice)
}

func TestParseTolerantXML(t *testing.T) {
	spec := sampleSpec()
	spec.Supplier = "Pan & Cia\x01"

	inv, err := Parse("dirty.xml", append([]byte("\xEF\xBB\xBF"), testutil.InvoiceXML(spec)...), nil)
	require.NoError(t, err)
	assert.Equal(t, "Pan & Cia", inv.Supplier)

	_, err = Parse("broken.xml", []byte("<Invoice><cbc:ID>"), nil)
	assert.Error(t, err)
}

func TestParseFolder(t *testing.T) {
	dir := t.TempDir()
	spec := sampleSpec()
	noActivity := strings.Replace(testutil.InvoiceXML(spec), "<cbc:IndustryClassificationCode>4711</cbc:IndustryClassificationCode>", "", 1)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.xml"), []byte(noActivity), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.XML"), []byte("not xml at all"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rep.pdf"), []byte("%PDF"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	pdfText := func([]byte) (string, error) { return "Actividad Económica: 1081 panaderia", nil }

	invoices, errs := ParseFolder(dir, pdfText)
	require.Len(t, invoices, 1)
	assert.Len(t, errs, 1)
	assert.Equal(t, "a.xml", invoices[0].File)
	assert.Equal(t, "1081", invoices[0].EconomicActivity)
}

func TestParseFolderNested(t *testing.T) {
	dir := t.TempDir()
	spec := sampleSpec()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".cache"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "ad.xml"), []byte(testutil.AttachedURI(spec.Number, "x/inner.xml")), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "inner.xml"), []byte(testutil.InvoiceXML(spec)), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".cache", "old.xml"), []byte("junk"), 0o644))

	invoices, errs := ParseFolder(dir, nil)
	assert.Empty(t, errs)
	require.Len(t, invoices, 2)
	for _, inv := range invoices {
		assert.Equal(t, spec.CUFE, inv.CUFE)
	}
}
