package candidates

import (
	"facturas/internal"
)

// Index maps identifiers to the source document that first carried them.
// It is immutable once built.
type Index struct {
	byCUFE       map[string]*internal.SourceDocument
	byNumberDate map[internal.NumberDateKey]*internal.SourceDocument
	docs         []*internal.SourceDocument
}

// NewIndex inserts docs in order; the first document to carry a key keeps it.
func NewIndex(docs []*internal.SourceDocument) *Index {
	idx := &Index{
		byCUFE:       map[string]*internal.SourceDocument{},
		byNumberDate: map[internal.NumberDateKey]*internal.SourceDocument{},
		docs:         make([]*internal.SourceDocument, 0, len(docs)),
	}

	for _, doc := range docs {
		if doc == nil {
			continue
		}
		idx.docs = append(idx.docs, doc)
		for _, rec := range doc.Records {
			id := rec.Identifier
			if id.HasCUFE() {
				if _, ok := idx.byCUFE[id.CUFE]; !ok {
					idx.byCUFE[id.CUFE] = doc
				}
			}
			if id.HasNumberDate() {
				key := id.NumberDateKey()
				if _, ok := idx.byNumberDate[key]; !ok {
					idx.byNumberDate[key] = doc
				}
			}
		}
	}

	return idx
}

func (i *Index) ByCUFE(cufe string) (*internal.SourceDocument, bool) {
	if cufe == "" {
		return nil, false
	}
	doc, ok := i.byCUFE[cufe]
	return doc, ok
}

func (i *Index) ByNumberDate(key internal.NumberDateKey) (*internal.SourceDocument, bool) {
	if key.Number == "" || key.Date == "" {
		return nil, false
	}
	doc, ok := i.byNumberDate[key]
	return doc, ok
}

// Documents returns the indexed documents oldest first.
func (i *Index) Documents() []*internal.SourceDocument {
	return i.docs
}

func (i *Index) Len() int {
	return len(i.docs)
}

func (i *Index) Keys() (cufes, numberDates int) {
	return len(i.byCUFE), len(i.byNumberDate)
}
