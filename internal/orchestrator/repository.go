package orchestrator

import (
	"sort"
	"sync"
)

// Repository is the concurrency-safe registry of running transcoders:
// at most one Handle per camera id.
type Repository interface {
	// Register stores h, returning any handle it replaced. Callers stop the
	// previous handle before registering, so a non-nil return is a bug signal.
	Register(h *Handle) (previous *Handle)

	// Get returns the handle registered for id.
	Get(id CameraID) (*Handle, bool)

	// Deregister removes the entry for id only if it is still h. It reports
	// whether anything was removed, so stale exit events cannot evict a
	// newer process.
	Deregister(id CameraID, h *Handle) bool

	// List returns registered camera ids in sorted order.
	List() []CameraID

	// Count returns the number of registered handles. Used for metrics.
	Count() int
}

// InMemoryRepository is a concurrency-safe Repository backed by a Store.
type InMemoryRepository struct {
	mu    sync.RWMutex
	store Store
}

// NewInMemoryRepository constructs a registry with a default in-memory store.
func NewInMemoryRepository() *InMemoryRepository {
	return NewInMemoryRepositoryWithStore(NewInMemoryStore())
}

// NewInMemoryRepositoryWithStore constructs a registry that uses the given Store.
func NewInMemoryRepositoryWithStore(store Store) *InMemoryRepository {
	return &InMemoryRepository{store: store}
}

// Register implements Repository.Register.
func (r *InMemoryRepository) Register(h *Handle) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, _ := r.store.GetHandle(h.CameraID)
	r.store.SetHandle(h)
	return prev
}

// Get implements Repository.Get.
func (r *InMemoryRepository) Get(id CameraID) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.store.GetHandle(id)
}

// Deregister implements Repository.Deregister.
func (r *InMemoryRepository) Deregister(id CameraID, h *Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.store.GetHandle(id)
	if !ok || cur != h {
		return false
	}
	r.store.DeleteHandle(id)
	return true
}

// List implements Repository.List.
func (r *InMemoryRepository) List() []CameraID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.store.ListCameraIDs()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Count implements Repository.Count.
func (r *InMemoryRepository) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.store.ListCameraIDs())
}
