package player

import (
	"errors"
	"sync"
)

// Repository defines the concurrency-safe contract for the session registry.
type Repository interface {
	// Add records a new session. It fails if the id is already taken.
	Add(st *SessionState) error

	// Get returns a copy of the session record.
	Get(id SessionID) (SessionState, bool)

	// End marks a session ended with the error that stopped it, if any.
	// Ending an ended session keeps the first error and reports false.
	End(id SessionID, cause error) (ended bool, err error)

	// Active returns the records of sessions that have not ended.
	Active() []SessionState

	// ActiveSessionCount returns the number of sessions that have not ended.
	// Used for metrics.
	ActiveSessionCount() int
}

var (
	// ErrSessionNotFound is returned for ids the registry does not know.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionClosed is returned when acting on a session that has ended.
	ErrSessionClosed = errors.New("session has ended")

	// ErrSessionExists is returned when adding a duplicate id.
	ErrSessionExists = errors.New("session already exists")
)

// InMemoryRepository is a concurrency-safe in-memory implementation of Repository.
// It uses a Store for persistence; by default that is an InMemoryStore.
type InMemoryRepository struct {
	mu    sync.RWMutex
	store Store
}

// NewInMemoryRepository constructs a new repository with a default in-memory store.
func NewInMemoryRepository() *InMemoryRepository {
	return NewInMemoryRepositoryWithStore(NewInMemoryStore())
}

// NewInMemoryRepositoryWithStore constructs a repository that uses the given Store.
func NewInMemoryRepositoryWithStore(store Store) *InMemoryRepository {
	return &InMemoryRepository{store: store}
}

// Add implements Repository.Add.
func (r *InMemoryRepository) Add(st *SessionState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.store.GetSession(st.ID); exists {
		return ErrSessionExists
	}
	r.store.SetSession(st)
	return nil
}

// Get implements Repository.Get.
func (r *InMemoryRepository) Get(id SessionID) (SessionState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, ok := r.store.GetSession(id)
	if !ok {
		return SessionState{}, false
	}
	return *st, true
}

// End implements Repository.End.
func (r *InMemoryRepository) End(id SessionID, cause error) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.store.GetSession(id)
	if !ok {
		return false, ErrSessionNotFound
	}
	if st.Ended {
		return false, nil
	}
	st.Ended = true
	st.Err = cause
	return true, nil
}

// Active implements Repository.Active.
func (r *InMemoryRepository) Active() []SessionState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []SessionState
	for _, id := range r.store.ListSessionIDs() {
		if st, ok := r.store.GetSession(id); ok && !st.Ended {
			out = append(out, *st)
		}
	}
	return out
}

// ActiveSessionCount implements Repository.ActiveSessionCount.
func (r *InMemoryRepository) ActiveSessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, id := range r.store.ListSessionIDs() {
		if st, ok := r.store.GetSession(id); ok && !st.Ended {
			n++
		}
	}
	return n
}
