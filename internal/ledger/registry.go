package ledger

import (
	"sync"

	"facturas/internal/ident"
)

// Registry is the in-memory set of CUFEs already committed. It only grows
// during a run and is rebuilt from the ledger on the next one.
type Registry struct {
	mu    sync.RWMutex
	cufes map[string]struct{}
}

func NewRegistry(cufes []string) *Registry {
	r := &Registry{cufes: make(map[string]struct{}, len(cufes))}
	for _, c := range cufes {
		r.Add(c)
	}
	return r
}

func (r *Registry) Contains(cufe string) bool {
	key := ident.NormalizeCUFE(cufe)
	if key == "" {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.cufes[key]
	return ok
}

func (r *Registry) Add(cufe string) {
	key := ident.NormalizeCUFE(cufe)
	if key == "" {
		return
	}
	r.mu.Lock()
	r.cufes[key] = struct{}{}
	r.mu.Unlock()
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cufes)
}
