package stream

// Store is the backing map from stream key ID to handle. Implementations
// need not be safe for concurrent use; the Registry serializes all access
// through its own lock.
type Store interface {
	Get(id string) (*Handle, bool)
	Set(h *Handle)
	Delete(id string)
	List() []*Handle
}

// InMemoryStore is the in-memory implementation of Store.
type InMemoryStore struct {
	handles map[string]*Handle
}

// NewInMemoryStore returns a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{handles: make(map[string]*Handle)}
}

// Get implements Store.Get.
func (s *InMemoryStore) Get(id string) (*Handle, bool) {
	h, ok := s.handles[id]
	return h, ok
}

// Set implements Store.Set.
func (s *InMemoryStore) Set(h *Handle) {
	s.handles[h.Key().ID()] = h
}

// Delete implements Store.Delete.
func (s *InMemoryStore) Delete(id string) {
	delete(s.handles, id)
}

// List implements Store.List.
func (s *InMemoryStore) List() []*Handle {
	out := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		out = append(out, h)
	}
	return out
}
