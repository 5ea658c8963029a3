package pipeline

import (
	"strings"

	"github.com/texttheater/golang-levenshtein/levenshtein"

	"facturas/internal"
	"facturas/internal/candidates"
	"facturas/internal/util"
)

// minFilenameKey keeps very short names ("1.pdf") out of substring matching.
const minFilenameKey = 4

type Matcher struct {
	index *candidates.Index
}

func NewMatcher(index *candidates.Index) *Matcher {
	return &Matcher{index: index}
}

// Match resolves an approval to a source archive: CUFE, then number and
// date, then the archive file name.
func (m *Matcher) Match(id internal.Identifier, approvalFileName string) internal.MatchOutcome {
	if id.HasCUFE() {
		if doc, ok := m.index.ByCUFE(id.CUFE); ok {
			return internal.MatchOutcome{Kind: internal.MatchByCUFE, Source: doc}
		}
	}
	if id.HasNumberDate() {
		if doc, ok := m.index.ByNumberDate(id.NumberDateKey()); ok {
			return internal.MatchOutcome{Kind: internal.MatchByNumberDate, Source: doc}
		}
	}
	if doc := m.byFileName(approvalFileName); doc != nil {
		return internal.MatchOutcome{Kind: internal.MatchByFilename, Source: doc}
	}
	return internal.MatchOutcome{Kind: internal.MatchNone}
}

// byFileName prefers an exact normalised match, then the containment hit
// closest by edit distance, then the earliest archive.
func (m *Matcher) byFileName(approvalFileName string) *internal.SourceDocument {
	key := util.NormalizeFileName(approvalFileName)
	if key == "" {
		return nil
	}

	var best *internal.SourceDocument
	bestDistance := -1
	for _, doc := range m.index.Documents() {
		cand := util.NormalizeFileName(doc.FileName)
		if cand == "" {
			continue
		}
		if cand == key {
			return doc
		}
		if len(cand) < minFilenameKey || len(key) < minFilenameKey {
			continue
		}
		if !strings.Contains(cand, key) && !strings.Contains(key, cand) {
			continue
		}
		d := levenshtein.DistanceForStrings([]rune(key), []rune(cand), levenshtein.DefaultOptions)
		if bestDistance < 0 || d < bestDistance {
			best, bestDistance = doc, d
		}
	}
	return best
}
