package persona

// Store exposes persona retrieval for handlers and orchestrators.
type Store interface {
	List() []Persona
	FindByID(id string) (Persona, bool)
}

// MemoryStore is a read-only catalogue keyed by persona id. Later duplicates
// of an id are ignored so Seed order decides the winner.
type MemoryStore struct {
	order []string
	byID  map[string]Persona
}

// NewMemoryStore returns a MemoryStore preloaded with the supplied personas.
func NewMemoryStore(items []Persona) *MemoryStore {
	s := &MemoryStore{byID: make(map[string]Persona, len(items))}
	for _, item := range items {
		if item.ID == "" {
			continue
		}
		if _, dup := s.byID[item.ID]; dup {
			continue
		}
		s.order = append(s.order, item.ID)
		s.byID[item.ID] = item
	}
	return s
}

// List returns the catalogue in seed order.
func (s *MemoryStore) List() []Persona {
	out := make([]Persona, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out
}

// FindByID looks up a persona by identifier.
func (s *MemoryStore) FindByID(id string) (Persona, bool) {
	p, ok := s.byID[id]
	return p, ok
}
