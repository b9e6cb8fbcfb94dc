package session

import (
	"sync"
)

// MemoryStore is a thread-safe in-memory Store. Sessions are lost on
// server restart.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]Session
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]Session)}
}

func (s *MemoryStore) Get(id string) (Session, bool) {
	s.mu.RLock()
	sess, ok := s.data[id]
	s.mu.RUnlock()
	if !ok {
		return Session{}, false
	}
	return cloneSession(sess), true
}

func (s *MemoryStore) Put(id string, sess Session) {
	s.mu.Lock()
	s.data[id] = cloneSession(sess)
	s.mu.Unlock()
}

func (s *MemoryStore) Delete(id string) {
	s.mu.Lock()
	delete(s.data, id)
	s.mu.Unlock()
}

func (s *MemoryStore) Mutate(id string, fn func(*Session) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.data[id]
	if !ok {
		sess = New()
	}
	work := cloneSession(sess)
	if err := fn(&work); err != nil {
		return err
	}
	s.data[id] = work
	return nil
}

// cloneSession deep-copies the cart map so callers cannot alias stored state.
func cloneSession(s Session) Session {
	cp := s
	cp.Cart = make(map[string]CartLine, len(s.Cart))
	for k, v := range s.Cart {
		cp.Cart[k] = v
	}
	if s.PaymentInfo != nil {
		pi := *s.PaymentInfo
		cp.PaymentInfo = &pi
	}
	if s.ShippingInfo != nil {
		si := *s.ShippingInfo
		cp.ShippingInfo = &si
	}
	return cp
}
