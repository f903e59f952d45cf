package scenario

import (
	"fmt"
	"sync"
)

var (
	catalogOnce  sync.Once
	catalogMu    sync.RWMutex
	catalog      map[string]*Definition
	catalogOrder []string
)

func ensureCatalog() {
	catalogOnce.Do(func() {
		catalog = make(map[string]*Definition)
		for _, d := range []*Definition{Syncope(), PalpitationsSVT(), TeenSVT(), MyocarditisCrash()} {
			if err := d.Validate(); err != nil {
				panic(fmt.Sprintf("scenario: built-in catalog broken: %v", err))
			}
			catalog[d.ID] = d
			catalogOrder = append(catalogOrder, d.ID)
		}
	})
}

// Get returns the definition for a scenario id.
func Get(id string) (*Definition, bool) {
	ensureCatalog()
	catalogMu.RLock()
	defer catalogMu.RUnlock()
	d, ok := catalog[id]
	return d, ok
}

// IDs returns the catalog ids in registration order.
func IDs() []string {
	ensureCatalog()
	catalogMu.RLock()
	defer catalogMu.RUnlock()
	return append([]string(nil), catalogOrder...)
}

// Register adds a definition to the catalog, validating it first. Duplicate
// ids are rejected so packs cannot shadow built-ins.
func Register(d *Definition) error {
	ensureCatalog()
	if err := d.Validate(); err != nil {
		return fmt.Errorf("scenario: register: %w", err)
	}
	catalogMu.Lock()
	defer catalogMu.Unlock()
	if _, exists := catalog[d.ID]; exists {
		return fmt.Errorf("scenario: register: id %q already in catalog", d.ID)
	}
	catalog[d.ID] = d
	catalogOrder = append(catalogOrder, d.ID)
	return nil
}
