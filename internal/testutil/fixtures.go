// Package testutil builds UBL documents and archives for package tests.
package testutil

import (
	"archive/zip"
	"bytes"
	"encoding/base64"
	"fmt"
	"html"
	"strings"
)

type Entry struct {
	Name string
	Data []byte
}

type InvoiceSpec struct {
	Number    string
	CUFE      string
	IssueDate string
	Supplier  string
}

func (s InvoiceSpec) supplier() string {
	if s.Supplier == "" {
		return "Panaderia La Espiga"
	}
	return s.Supplier
}

// InvoiceXML renders a DIAN-style UBL invoice with VAT 19%, VAT 5%, income
// and ICA withholdings. Subtotal 11000, payable 12950, net 12600.
func InvoiceXML(s InvoiceSpec) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Invoice xmlns="urn:oasis:names:specification:ubl:schema:xsd:Invoice-2" xmlns:cac="urn:oasis:names:specification:ubl:schema:xsd:CommonAggregateComponents-2" xmlns:cbc="urn:oasis:names:specification:ubl:schema:xsd:CommonBasicComponents-2">
  <cbc:UBLVersionID>UBL 2.1</cbc:UBLVersionID>
  <cbc:ID>%s</cbc:ID>
  <cbc:UUID schemeName="CUFE-SHA384">%s</cbc:UUID>
  <cbc:IssueDate>%s</cbc:IssueDate>
  <cac:AccountingSupplierParty>
    <cac:Party>
      <cbc:IndustryClassificationCode>4711</cbc:IndustryClassificationCode>
      <cac:PartyName><cbc:Name>%s</cbc:Name></cac:PartyName>
      <cac:PhysicalLocation><cac:Address><cbc:ID>11001</cbc:ID><cbc:CityName>Bogota</cbc:CityName></cac:Address></cac:PhysicalLocation>
      <cac:PartyTaxScheme><cbc:TaxLevelCode>O-47</cbc:TaxLevelCode></cac:PartyTaxScheme>
      <cac:PartyLegalEntity><cbc:RegistrationName>Espiga SAS</cbc:RegistrationName><cbc:CompanyID>900123456</cbc:CompanyID></cac:PartyLegalEntity>
    </cac:Party>
  </cac:AccountingSupplierParty>
  <cac:AccountingCustomerParty>
    <cac:Party>
      <cac:PartyName><cbc:Name>No aplica</cbc:Name></cac:PartyName>
      <cac:PartyLegalEntity><cbc:RegistrationName>Cliente Uno SAS</cbc:RegistrationName></cac:PartyLegalEntity>
    </cac:Party>
  </cac:AccountingCustomerParty>
  <cac:TaxTotal>
    <cbc:TaxAmount>1900.00</cbc:TaxAmount>
    <cac:TaxSubtotal><cbc:TaxAmount>1900.00</cbc:TaxAmount><cac:TaxCategory><cbc:Percent>19.00</cbc:Percent></cac:TaxCategory></cac:TaxSubtotal>
  </cac:TaxTotal>
  <cac:TaxTotal>
    <cac:TaxSubtotal><cbc:TaxAmount>50.00</cbc:TaxAmount><cac:TaxCategory><cbc:Percent>5.00</cbc:Percent></cac:TaxCategory></cac:TaxSubtotal>
  </cac:TaxTotal>
  <cac:WithholdingTaxTotal>
    <cac:TaxSubtotal><cbc:TaxAmount>250.00</cbc:TaxAmount><cac:TaxCategory><cac:TaxScheme><cbc:ID>06</cbc:ID><cbc:Name>ReteRenta</cbc:Name></cac:TaxScheme></cac:TaxCategory></cac:TaxSubtotal>
  </cac:WithholdingTaxTotal>
  <cac:WithholdingTaxTotal>
    <cac:TaxSubtotal><cbc:TaxAmount>100.00</cbc:TaxAmount><cac:TaxCategory><cac:TaxScheme><cbc:ID>07</cbc:ID><cbc:Name>ReteICA</cbc:Name></cac:TaxScheme></cac:TaxCategory></cac:TaxSubtotal>
  </cac:WithholdingTaxTotal>
  <cac:LegalMonetaryTotal>
    <cbc:LineExtensionAmount currencyID="COP">11000.00</cbc:LineExtensionAmount>
    <cbc:PayableAmount currencyID="COP">12950.00</cbc:PayableAmount>
  </cac:LegalMonetaryTotal>
  <cac:InvoiceLine><cbc:ID>1</cbc:ID><cac:Item><cbc:Description>Pan tajado</cbc:Description></cac:Item></cac:InvoiceLine>
  <cac:InvoiceLine><cbc:ID>2</cbc:ID><cbc:Note>Servicio de entrega</cbc:Note><cac:Item></cac:Item></cac:InvoiceLine>
</Invoice>
`, s.Number, s.CUFE, s.IssueDate, s.supplier())
}

const envelopeHead = `<?xml version="1.0" encoding="UTF-8"?>
<AttachedDocument xmlns="urn:oasis:names:specification:ubl:schema:xsd:AttachedDocument-2" xmlns:cac="urn:oasis:names:specification:ubl:schema:xsd:CommonAggregateComponents-2" xmlns:cbc="urn:oasis:names:specification:ubl:schema:xsd:CommonBasicComponents-2" xmlns:ext="urn:oasis:names:specification:ubl:schema:xsd:CommonExtensionComponents-2">
  <cbc:ID>AD-1</cbc:ID>
  <cbc:ParentDocumentID>%s</cbc:ParentDocumentID>
`

// AttachedDescription wraps an invoice as escaped text in ExternalReference/Description.
func AttachedDescription(s InvoiceSpec) string {
	return fmt.Sprintf(envelopeHead, s.Number) +
		"  <cac:Attachment><cac:ExternalReference><cbc:MimeCode>text/xml</cbc:MimeCode><cbc:Description>" +
		html.EscapeString(InvoiceXML(s)) +
		"</cbc:Description></cac:ExternalReference></cac:Attachment>\n</AttachedDocument>\n"
}

// AttachedBinary wraps an invoice as base64 in EmbeddedDocumentBinaryObject.
func AttachedBinary(s InvoiceSpec) string {
	return fmt.Sprintf(envelopeHead, s.Number) +
		"  <cac:Attachment><cbc:EmbeddedDocumentBinaryObject mimeCode=\"text/xml\">" +
		base64.StdEncoding.EncodeToString([]byte(InvoiceXML(s))) +
		"</cbc:EmbeddedDocumentBinaryObject></cac:Attachment>\n</AttachedDocument>\n"
}

// AttachedURI references the invoice by a file name next to the envelope.
func AttachedURI(number, uri string) string {
	return fmt.Sprintf(envelopeHead, number) +
		"  <cac:Attachment><cac:ExternalReference><cbc:URI>" + uri +
		"</cbc:URI></cac:ExternalReference></cac:Attachment>\n</AttachedDocument>\n"
}

// AttachedParentOnly carries no invoice, only the parent document reference.
func AttachedParentOnly(s InvoiceSpec) string {
	return fmt.Sprintf(envelopeHead, s.Number) +
		"  <cac:ParentDocumentLineReference><cbc:LineID>1</cbc:LineID><cac:DocumentReference>" +
		"<cbc:ID>" + s.Number + "</cbc:ID><cbc:UUID>" + s.CUFE + "</cbc:UUID><cbc:IssueDate>" + s.IssueDate + "</cbc:IssueDate>" +
		"</cac:DocumentReference></cac:ParentDocumentLineReference>\n</AttachedDocument>\n"
}

func Zip(entries ...Entry) []byte {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, e := range entries {
		f, err := w.Create(e.Name)
		if err != nil {
			panic(err)
		}
		if _, err := f.Write(e.Data); err != nil {
			panic(err)
		}
	}
	if err := w.Close(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// CUFE returns a deterministic 96-char lowercase hex string seeded by tag.
func CUFE(tag string) string {
	const hex = "0123456789abcdef"
	var b strings.Builder
	seed := 7
	for _, r := range tag {
		seed = seed*31 + int(r)
	}
	for i := 0; i < 96; i++ {
		seed = (seed*1103515245 + 12345) & 0x7fffffff
		b.WriteByte(hex[(seed>>16)%16])
	}
	return b.String()
}
