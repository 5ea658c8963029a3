package invoice

import (
	"encoding/base64"
	"errors"
	"fmt"
	"html"
	"path"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"facturas/internal"
	"facturas/internal/ident"
	"facturas/internal/util"
)

var (
	ErrNoEmbeddedInvoice = errors.New("attached document without embedded invoice")

	reCIIU        = regexp.MustCompile(`(?i)(?:CIIU|Actividad\s+Econ[oó]mica)[^\d]*(\d{4,5})`)
	reAbsoluteURI = regexp.MustCompile(`(?i)^[a-z]+://`)
	reAmountJunk  = regexp.MustCompile(`[^\d.\-]`)

	five     = decimal.NewFromInt(5)
	nineteen = decimal.NewFromInt(19)
	epsilon  = decimal.New(1, -2)
)

// SiblingFunc returns the content of a file that sits next to the document
// being parsed. It is used to resolve AttachedDocument URI references.
type SiblingFunc func(name string) ([]byte, error)

type Invoice struct {
	File             string
	Supplier         string
	CUFE             string
	SupplierCity     string
	SupplierCityCode string
	SupplierNIT      string
	Customer         string
	Number           string
	IssueDate        string
	TaxpayerType     string
	EconomicActivity string
	Description      string

	Subtotal          decimal.Decimal
	VAT5              decimal.Decimal
	VAT19             decimal.Decimal
	WithholdingVAT    decimal.Decimal
	WithholdingICA    decimal.Decimal
	WithholdingIncome decimal.Decimal
	Total             decimal.Decimal
}

func (inv Invoice) Identifier() internal.Identifier {
	return ident.FromXMLFields(inv.CUFE, inv.Number, inv.IssueDate)
}

// Parse reads a UBL invoice. AttachedDocument envelopes are unwrapped; an
// envelope with no recoverable invoice yields ErrNoEmbeddedInvoice.
func Parse(name string, data []byte, sibling SiblingFunc) (Invoice, error) {
	root, err := invoiceRoot(data, sibling)
	if err != nil {
		return Invoice{}, fmt.Errorf("%s: %w", name, err)
	}

	inv := Invoice{
		File:         path.Base(strings.ReplaceAll(name, "\\", "/")),
		Supplier:     root.find("AccountingSupplierParty", "Party", "PartyName", "Name").text(),
		Number:       root.child("ID").text(),
		IssueDate:    root.child("IssueDate").text(),
		SupplierNIT:  root.find("AccountingSupplierParty", "PartyLegalEntity", "CompanyID").text(),
		TaxpayerType: root.find("PartyTaxScheme", "TaxLevelCode").text(),
		Description:  lineDescriptions(root),
	}

	uuid := root.child("UUID")
	if uuid == nil {
		uuid = root.find("UUID")
	}
	inv.CUFE = ident.NormalizeCUFE(uuid.text())

	customer := root.find("AccountingCustomerParty", "Party", "PartyName", "Name").text()
	if strings.EqualFold(customer, "no aplica") {
		customer = ""
	}
	inv.Customer = util.FirstNonEmpty(
		customer,
		root.find("AccountingCustomerParty", "PartyLegalEntity", "RegistrationName").text(),
		root.find("AccountingCustomerParty", "PartyIdentification", "ID").text(),
	)

	address := root.find("AccountingSupplierParty", "PhysicalLocation", "Address")
	inv.SupplierCity = address.find("CityName").text()
	inv.SupplierCityCode = address.child("ID").text()

	inv.EconomicActivity = root.find("IndustryClassificationCode").text()
	if inv.EconomicActivity == "" {
		if m := reCIIU.FindSubmatch(data); m != nil {
			inv.EconomicActivity = string(m[1])
		}
	}

	totals := root.find("LegalMonetaryTotal")
	inv.Subtotal = amount(totals.child("LineExtensionAmount").text())
	payable := amount(totals.child("PayableAmount").text())

	for _, tax := range root.children("TaxTotal") {
		for _, sub := range tax.children("TaxSubtotal") {
			amt := amount(sub.child("TaxAmount").text())
			pct, err := decimal.NewFromString(sub.find("TaxCategory", "Percent").text())
			if err != nil {
				continue
			}
			switch {
			case pct.Sub(five).Abs().LessThan(epsilon):
				inv.VAT5 = inv.VAT5.Add(amt)
			case pct.Sub(nineteen).Abs().LessThan(epsilon):
				inv.VAT19 = inv.VAT19.Add(amt)
			}
		}
	}

	for _, tax := range root.children("WithholdingTaxTotal") {
		for _, sub := range tax.children("TaxSubtotal") {
			amt := amount(sub.child("TaxAmount").text())
			scheme := sub.find("TaxCategory", "TaxScheme")
			id := strings.ToLower(scheme.child("ID").text())
			name := strings.ToLower(scheme.child("Name").text())
			switch {
			case id == "05" || strings.Contains(name, "iva"):
				inv.WithholdingVAT = inv.WithholdingVAT.Add(amt)
			case id == "06" || strings.Contains(name, "fuente") || strings.Contains(name, "renta"):
				inv.WithholdingIncome = inv.WithholdingIncome.Add(amt)
			case id == "07" || strings.Contains(name, "ica"):
				inv.WithholdingICA = inv.WithholdingICA.Add(amt)
			}
		}
	}

	// withholdings are stored as negatives and reduce the payable total
	inv.WithholdingVAT = inv.WithholdingVAT.Abs().Neg()
	inv.WithholdingICA = inv.WithholdingICA.Abs().Neg()
	inv.WithholdingIncome = inv.WithholdingIncome.Abs().Neg()
	inv.Total = payable.Add(inv.WithholdingVAT).Add(inv.WithholdingICA).Add(inv.WithholdingIncome)

	return inv, nil
}

// Identify reads only the identifiers of a UBL document. For an envelope
// without a recoverable invoice it falls back to the parent document reference.
func Identify(data []byte, sibling SiblingFunc) (internal.Identifier, error) {
	root, err := invoiceRoot(data, sibling)
	if err == nil {
		uuid := root.child("UUID")
		if uuid == nil {
			uuid = root.find("UUID")
		}
		return ident.FromXMLFields(uuid.text(), root.child("ID").text(), root.child("IssueDate").text()), nil
	}
	if !errors.Is(err, ErrNoEmbeddedInvoice) {
		return internal.Identifier{}, err
	}

	envelope, perr := parseTree(data)
	if perr != nil {
		return internal.Identifier{}, perr
	}
	ref := envelope.find("ParentDocumentLineReference", "DocumentReference")
	id := ident.FromXMLFields(ref.child("UUID").text(), ref.child("ID").text(), ref.child("IssueDate").text())
	if id.Number == "" {
		id.Number = envelope.child("ParentDocumentID").text()
	}
	if !id.Matchable() {
		return internal.Identifier{}, err
	}
	return id, nil
}

func invoiceRoot(data []byte, sibling SiblingFunc) (*node, error) {
	root, err := parseTree(data)
	if err != nil {
		return nil, err
	}
	if root.local() != "AttachedDocument" {
		return root, nil
	}
	inner := embeddedInvoice(root, sibling)
	if inner == nil {
		return nil, ErrNoEmbeddedInvoice
	}
	return inner, nil
}

func embeddedInvoice(envelope *node, sibling SiblingFunc) *node {
	if bin := envelope.find("EmbeddedDocumentBinaryObject").text(); bin != "" {
		if raw, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(bin), "")); err == nil {
			if root := parseInner(string(raw)); root != nil {
				return root
			}
		}
	}

	if desc := envelope.find("Attachment", "ExternalReference", "Description").text(); desc != "" {
		if !strings.HasPrefix(desc, "<") {
			desc = strings.TrimSpace(html.UnescapeString(desc))
		}
		if root := parseInner(desc); root != nil {
			return root
		}
	}

	uri := envelope.find("Attachment", "ExternalReference", "URI").text()
	if uri != "" && sibling != nil && !reAbsoluteURI.MatchString(uri) {
		name := path.Base(strings.ReplaceAll(uri, "\\", "/"))
		if strings.HasSuffix(strings.ToLower(name), ".xml") {
			if raw, err := sibling(name); err == nil {
				return parseInner(string(raw))
			}
		}
	}
	return nil
}

func parseInner(raw string) *node {
	raw = strings.TrimSpace(strings.TrimPrefix(raw, "\uFEFF"))
	if !strings.HasPrefix(raw, "<") {
		return nil
	}
	root, err := parseTree([]byte(raw))
	if err != nil || root.local() == "AttachedDocument" {
		return nil
	}
	return root
}

func lineDescriptions(root *node) string {
	out := []string{}
	for _, line := range root.findAll("InvoiceLine") {
		text := line.find("Item", "Description").text()
		if text == "" {
			text = line.find("Item", "Name").text()
		}
		if text == "" {
			text = line.child("Note").text()
		}
		if text == "" {
			text = line.find("SellersItemIdentification", "ID").text()
		}
		if text != "" {
			out = append(out, text)
		}
	}
	return strings.Join(out, "; ")
}

func amount(raw string) decimal.Decimal {
	raw = reAmountJunk.ReplaceAllString(strings.ReplaceAll(raw, ",", "."), "")
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// ActivityFromText finds a CIIU code in free text such as a PDF rendering.
func ActivityFromText(text string) string {
	if m := reCIIU.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	return ""
}
