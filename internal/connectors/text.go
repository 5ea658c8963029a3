package connectors

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"facturas/internal/util"
)

// HTMLText flattens an HTML body to plain text, one line per block element.
func HTMLText(html string) string {
	if strings.TrimSpace(html) == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	doc.Find("script,style").Remove()

	lines := []string{}
	doc.Find("p,div,td,th,li,h1,h2,h3,h4").Each(func(_ int, s *goquery.Selection) {
		if s.Children().Filter("p,div,table,ul,ol,li,td").Length() > 0 {
			return
		}
		if line := util.NormalizeSpaces(s.Text()); line != "" {
			lines = append(lines, line)
		}
	})
	if len(lines) == 0 {
		return util.NormalizeSpaces(doc.Text())
	}
	return strings.Join(lines, "\n")
}

// BodyText prefers the plain-text part and falls back to the HTML part.
func BodyText(text, html string) string {
	if strings.TrimSpace(text) != "" {
		return text
	}
	return HTMLText(html)
}
