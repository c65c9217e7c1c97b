package orchestrator

// Store is the storage abstraction behind the registry.
// Implementations need not be concurrency-safe; the Repository serializes access.
type Store interface {
	GetHandle(id CameraID) (*Handle, bool)
	SetHandle(h *Handle)
	DeleteHandle(id CameraID)
	ListCameraIDs() []CameraID
}

// InMemoryStore is an in-memory implementation of Store.
type InMemoryStore struct {
	handles map[CameraID]*Handle
}

// NewInMemoryStore returns a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		handles: make(map[CameraID]*Handle),
	}
}

// GetHandle implements Store.GetHandle.
func (s *InMemoryStore) GetHandle(id CameraID) (*Handle, bool) {
	h, ok := s.handles[id]
	return h, ok
}

// SetHandle implements Store.SetHandle.
func (s *InMemoryStore) SetHandle(h *Handle) {
	s.handles[h.CameraID] = h
}

// DeleteHandle implements Store.DeleteHandle.
func (s *InMemoryStore) DeleteHandle(id CameraID) {
	delete(s.handles, id)
}

// ListCameraIDs implements Store.ListCameraIDs.
func (s *InMemoryStore) ListCameraIDs() []CameraID {
	ids := make([]CameraID, 0, len(s.handles))
	for id := range s.handles {
		ids = append(ids, id)
	}
	return ids
}
