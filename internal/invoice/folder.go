package invoice

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// PDFTextFunc renders a PDF to plain text. It backs the economic-activity
// fallback for invoices whose XML carries no CIIU code.
type PDFTextFunc func(content []byte) (string, error)

// ParseFolder parses every .xml file under dir, nested folders included.
// Files that cannot be parsed are returned as errors and do not stop the scan.
func ParseFolder(dir string, pdfText PDFTextFunc) ([]Invoice, []error) {
	names := []string{}
	pdfs := []string{}
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if strings.HasPrefix(d.Name(), ".") && p != dir {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		switch strings.ToLower(filepath.Ext(p)) {
		case ".xml":
			names = append(names, rel)
		case ".pdf":
			pdfs = append(pdfs, rel)
		}
		return nil
	})
	if err != nil {
		return nil, []error{err}
	}
	sort.Strings(names)
	sort.Strings(pdfs)

	out := []Invoice{}
	errs := []error{}
	activity := ""
	activityScanned := false
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		base := filepath.Join(dir, filepath.Dir(name))
		sibling := func(ref string) ([]byte, error) {
			return os.ReadFile(filepath.Join(base, filepath.Base(ref)))
		}
		inv, err := Parse(name, data, sibling)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if inv.EconomicActivity == "" && pdfText != nil {
			if !activityScanned {
				activity = activityFromPDFs(dir, pdfs, pdfText)
				activityScanned = true
			}
			inv.EconomicActivity = activity
		}
		out = append(out, inv)
	}
	return out, errs
}

func activityFromPDFs(dir string, pdfs []string, pdfText PDFTextFunc) string {
	for _, name := range pdfs {
		content, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		text, err := pdfText(content)
		if err != nil {
			continue
		}
		if code := ActivityFromText(text); code != "" {
			return code
		}
	}
	return ""
}
