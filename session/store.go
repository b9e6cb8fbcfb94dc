package session

// Store abstracts session CRUD so that sessions can be stored in-memory
// (default) or in persistent backing storage.
type Store interface {
	// Get retrieves a session by its identifier. Returns false if the
	// session does not exist.
	Get(id string) (Session, bool)
	// Put creates or updates a session under the given identifier.
	Put(id string, s Session)
	// Delete removes a session by identifier.
	Delete(id string)
	// Mutate applies fn to the session under the store's lock, making
	// the load-modify-store all-or-nothing from the caller's view. fn
	// returning an error discards the modification. A missing session
	// is bootstrapped first.
	Mutate(id string, fn func(*Session) error) error
}
