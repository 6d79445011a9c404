package persona

// Store exposes persona retrieval for the controller and HTTP handlers.
type Store interface {
	List() []Persona
	FindByID(id ID) (Persona, bool)
	FindByName(name string) (Persona, bool)
	// Resolve never fails: unknown ids map to the default persona.
	Resolve(id ID) Persona
}

// MemoryStore implements Store with an in-memory slice.
type MemoryStore struct {
	items []Persona
}

// NewMemoryStore returns a MemoryStore preloaded with the supplied personas.
func NewMemoryStore(items []Persona) *MemoryStore {
	return &MemoryStore{items: append([]Persona(nil), items...)}
}

// List returns the predefined persona list.
func (s *MemoryStore) List() []Persona {
	return append([]Persona(nil), s.items...)
}

// FindByID looks up a persona by identifier.
func (s *MemoryStore) FindByID(id ID) (Persona, bool) {
	for _, item := range s.items {
		if item.ID == id {
			return item, true
		}
	}
	return Persona{}, false
}

// FindByName looks up a persona by display name, as stored on conversation records.
func (s *MemoryStore) FindByName(name string) (Persona, bool) {
	for _, item := range s.items {
		if item.Name == name {
			return item, true
		}
	}
	return Persona{}, false
}

// Resolve returns the persona for id, or the default persona.
func (s *MemoryStore) Resolve(id ID) Persona {
	if p, ok := s.FindByID(id); ok {
		return p
	}
	if p, ok := s.FindByID(Default); ok {
		return p
	}
	return Persona{ID: Default, Name: "GreenBot"}
}
