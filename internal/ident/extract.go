package ident

import (
	"regexp"
	"strings"
	"unicode"

	"facturas/internal"
	"facturas/internal/util"
)

const (
	minCUFELen = 50
	maxCUFELen = 96
)

var ligatures = strings.NewReplacer(
	"ﬀ", "ff",
	"ﬁ", "fi",
	"ﬂ", "fl",
	"ﬃ", "ffi",
	"ﬄ", "ffl",
	"ﬅ", "st",
	"ﬆ", "st",
)

var (
	reCUFELabelled = regexp.MustCompile(`(?i)(?:UUID\s*\(?\s*CUFE\s*\)?|CUFE\s*/\s*CUDE|UUID|CUFE|CUDE)\s*[:\-=]?\s*((?:[0-9a-f][\s\-]{0,2}){50,200})`)
	reCUFEToken    = regexp.MustCompile(`(?i)(?:CUFE|CUFD|CUDE|UUID)\s*[:=]?\s*([A-Za-z0-9\-]{20,})`)
	reHexRun       = regexp.MustCompile(`[0-9a-fA-F](?:[ \t\r\n\-]{0,2}[0-9a-fA-F]){49,}`)
	reNonHex       = regexp.MustCompile(`[^0-9a-fA-F]`)

	reNumberCue = regexp.MustCompile(`(?i)(?:^|[^\p{L}\d])(factura\b(?:\s+electr[oó]nica)?(?:\s+de\s+venta)?(?:\s+electr[oó]nica)?|n[uú]mero\b|nro\b\.?|no\b\.?|n[°º]|#)\s*[:#.]?\s*`)
	reToken     = regexp.MustCompile(`[A-Za-z0-9\-/.]+`)
	reTaxID     = regexp.MustCompile(`^\d{3}\.?\d{3}\.?\d{3}(?:-\d)?$`)

	reHexLine  = regexp.MustCompile(`^[0-9a-fA-F][0-9a-fA-F \t\-]*$`)
	reDateLine = regexp.MustCompile(`^(?:\d{4}[-/.]\d{2}[-/.]\d{2}|\d{2}[-/.]\d{2}[-/.]\d{4})\b`)

	reDateYMD = regexp.MustCompile(`\b(\d{4}[-/.]\d{2}[-/.]\d{2})\b`)
	reDateDMY = regexp.MustCompile(`\b(\d{2}[-/.]\d{2}[-/.]\d{4})\b`)
)

var cueWords = map[string]struct{}{
	"factura": {}, "electronica": {}, "de": {}, "venta": {}, "numero": {},
	"no": {}, "nro": {}, "n": {}, "#": {}, "del": {},
}

type Extractor struct {
	exclude []string
}

func NewExtractor(excludeTokens []string) *Extractor {
	exclude := make([]string, 0, len(excludeTokens))
	for _, t := range excludeTokens {
		if t = strings.ToUpper(strings.TrimSpace(t)); t != "" {
			exclude = append(exclude, t)
		}
	}
	return &Extractor{exclude: exclude}
}

var defaultExtractor = NewExtractor([]string{"NIT"})

func FromPDFText(text string) internal.Identifier {
	return defaultExtractor.FromPDFText(text)
}

func FromSubject(subject string) internal.Identifier {
	return defaultExtractor.FromSubject(subject)
}

func (e *Extractor) FromPDFText(text string) internal.Identifier {
	text = NormalizeText(text)
	return internal.Identifier{
		CUFE:   findCUFE(text),
		Number: e.findNumber(text),
		Date:   findDate(text),
	}
}

// FromSubject only yields Number and Date.
func (e *Extractor) FromSubject(subject string) internal.Identifier {
	subject = NormalizeText(subject)
	return internal.Identifier{
		Number: e.findNumber(subject),
		Date:   findDate(subject),
	}
}

// FromXMLFields normalises the UUID, ID and IssueDate of a UBL document.
func FromXMLFields(uuid, id, issueDate string) internal.Identifier {
	out := internal.Identifier{
		CUFE:   NormalizeCUFE(uuid),
		Number: strings.TrimSpace(id),
	}
	if d := strings.TrimSpace(issueDate); d != "" {
		if i := strings.IndexAny(d, "T "); i > 0 {
			d = d[:i]
		}
		out.Date = NormalizeDate(d)
	}
	return out
}

// WithFallback fills Number and Date from secondary where primary has none.
func WithFallback(primary, secondary internal.Identifier) internal.Identifier {
	if primary.Number == "" {
		primary.Number = secondary.Number
	}
	if primary.Date == "" {
		primary.Date = secondary.Date
	}
	return primary
}

func NormalizeText(s string) string {
	return ligatures.Replace(s)
}

// NormalizeCUFE keeps lowercase hex and truncates to the trailing 96 chars.
// Values with fewer than 50 hex chars are kept trimmed and lowercased.
func NormalizeCUFE(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	hex := cleanHex(raw)
	if len(hex) < minCUFELen {
		return strings.ToLower(raw)
	}
	return truncateCUFE(hex)
}

func cleanHex(s string) string {
	return strings.ToLower(reNonHex.ReplaceAllString(s, ""))
}

func truncateCUFE(hex string) string {
	if len(hex) > maxCUFELen {
		return hex[len(hex)-maxCUFELen:]
	}
	return hex
}

func findCUFE(text string) string {
	if loc := reCUFELabelled.FindStringSubmatchIndex(text); loc != nil {
		run := trimPartialWord(text, loc[2], cutAtLineBreak(text, loc[2], loc[3]))
		if hex := cleanHex(run); len(hex) >= minCUFELen {
			return truncateCUFE(hex)
		}
	}

	if m := reCUFEToken.FindStringSubmatch(text); m != nil {
		if hex := cleanHex(m[1]); len(hex) >= minCUFELen {
			return truncateCUFE(hex)
		}
	}

	for _, loc := range reHexRun.FindAllStringIndex(text, -1) {
		run := trimPartialWord(text, loc[0], cutAtLineBreak(text, loc[0], loc[1]))
		hex := cleanHex(run)
		if len(hex) >= minCUFELen && looksLikeHash(hex) {
			return truncateCUFE(hex)
		}
	}
	return ""
}

// cutAtLineBreak ends a hex run at the first line break followed by a date
// line, or by a line that is not pure hex once the run already holds a full
// CUFE. A CUFE wrapped over several hex-only lines stays whole.
func cutAtLineBreak(text string, start, end int) int {
	for i := start; i < end; i++ {
		if text[i] != '\n' {
			continue
		}
		lineEnd := strings.IndexByte(text[i+1:], '\n')
		if lineEnd < 0 {
			lineEnd = len(text)
		} else {
			lineEnd += i + 1
		}
		next := strings.TrimSpace(text[i+1 : lineEnd])
		if reDateLine.MatchString(next) {
			return i
		}
		if !reHexLine.MatchString(next) && len(cleanHex(text[start:i])) >= minCUFELen {
			return i
		}
	}
	return end
}

// trimPartialWord drops the trailing chunk of a separator-broken run when
// that chunk is the start of an ordinary word ("... 9f3a Fecha").
func trimPartialWord(text string, start, end int) string {
	run := text[start:end]
	if end >= len(text) {
		return run
	}
	next := rune(text[end])
	if !unicode.IsLetter(next) && !unicode.IsDigit(next) {
		return run
	}
	cut := strings.LastIndexAny(run, " \t\r\n-")
	if cut <= 0 {
		return run
	}
	return run[:cut]
}

func looksLikeHash(hex string) bool {
	digits, letters := 0, 0
	for _, r := range hex {
		if r >= '0' && r <= '9' {
			digits++
		} else {
			letters++
		}
	}
	return digits*10 >= len(hex) && letters*10 >= len(hex)
}

func (e *Extractor) findNumber(text string) string {
	for _, loc := range reNumberCue.FindAllStringIndex(text, -1) {
		if num := e.numberAfter(text[loc[1]:]); num != "" {
			return num
		}
	}
	return ""
}

func (e *Extractor) numberAfter(rest string) string {
	tokens := reToken.FindAllString(firstLine(rest, 80), 4)
	prefix := ""
	for _, tok := range tokens {
		tok = strings.TrimRight(tok, ".-/")
		if tok == "" {
			continue
		}
		if _, cue := cueWords[util.NormalizeKey(tok)]; cue && prefix == "" {
			continue
		}
		if !hasDigit(tok) {
			if prefix == "" && len(tok) <= 5 && isLetters(tok) {
				prefix = tok
				continue
			}
			return ""
		}
		if prefix != "" && isDigits(tok) {
			tok = prefix + tok
		}
		if e.acceptNumber(tok) {
			return tok
		}
		return ""
	}
	return ""
}

func (e *Extractor) acceptNumber(tok string) bool {
	if len(tok) < 3 || len(tok) > 40 {
		return false
	}
	if reTaxID.MatchString(tok) {
		return false
	}
	upper := strings.ToUpper(tok)
	for _, ex := range e.exclude {
		if strings.Contains(upper, ex) {
			return false
		}
	}
	return true
}

func firstLine(s string, limit int) string {
	s = strings.TrimLeft(s, " \t")
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		s = s[:i]
	}
	if len(s) > limit {
		s = s[:limit]
	}
	return s
}

func findDate(text string) string {
	for _, m := range reDateYMD.FindAllStringSubmatch(text, -1) {
		if d := NormalizeDate(m[1]); d != "" {
			return d
		}
	}
	for _, m := range reDateDMY.FindAllStringSubmatch(text, -1) {
		if d := NormalizeDate(m[1]); d != "" {
			return d
		}
	}
	return ""
}

func hasDigit(s string) bool {
	return strings.IndexFunc(s, unicode.IsDigit) >= 0
}

func isDigits(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return s != ""
}

func isLetters(s string) bool {
	for _, r := range s {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return s != ""
}
