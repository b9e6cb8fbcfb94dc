// Package cart implements the session-backed shopping cart. A cart is a
// map from book identifier to an aggregated line; it lives inside the
// visitor's session and never touches persistent storage until purchase.
package cart

import (
	"errors"
	"fmt"

	"github.com/gbianchi/bookshop/session"
	"github.com/gbianchi/bookshop/storage"
)

var (
	// ErrItemUnavailable means the requested quantity (including what the
	// cart already holds) exceeds the book's current stock, or the book
	// does not exist.
	ErrItemUnavailable = errors.New("item unavailable in the requested quantity")
	// ErrItemNotInCart is returned when removing a book the cart does not hold.
	ErrItemNotInCart = errors.New("item not in cart")
	// ErrEmptyCart is returned by operations that need at least one line.
	ErrEmptyCart = errors.New("cart is empty")
	// ErrInvalidQuantity rejects zero or negative quantities.
	ErrInvalidQuantity = errors.New("quantity must be positive")
)

// Manager applies cart operations to sessions, validating against the
// catalog. All writes go through Store.Mutate so concurrent requests on
// the same session cannot interleave partial updates.
type Manager struct {
	sessions session.Store
	repo     storage.Repository
}

func NewManager(sessions session.Store, repo storage.Repository) *Manager {
	return &Manager{sessions: sessions, repo: repo}
}

// Add puts qty more copies of the book into the session's cart. The new
// aggregated quantity is checked against current stock before the line is
// written, and the line's snapshot fields are refreshed from the catalog
// so a price change is picked up on the next add.
func (m *Manager) Add(sessionID, bookID string, qty int) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	return m.sessions.Mutate(sessionID, func(s *session.Session) error {
		newQty := s.Cart[bookID].Quantity + qty
		book, err := m.repo.CheckStockAtLeast(bookID, newQty)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrInsufficientStock) {
				return ErrItemUnavailable
			}
			return fmt.Errorf("checking stock for %s: %w", bookID, err)
		}
		s.Cart[bookID] = session.CartLine{
			Title:     book.Title,
			Author:    book.Author,
			Publisher: book.Publisher,
			UnitPrice: book.PriceCents,
			Quantity:  newQty,
		}
		return nil
	})
}

// Remove takes qty copies of the book out of the cart, deleting the line
// when the quantity reaches zero.
func (m *Manager) Remove(sessionID, bookID string, qty int) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	return m.sessions.Mutate(sessionID, func(s *session.Session) error {
		line, ok := s.Cart[bookID]
		if !ok {
			return ErrItemNotInCart
		}
		line.Quantity -= qty
		if line.Quantity <= 0 {
			delete(s.Cart, bookID)
			return nil
		}
		s.Cart[bookID] = line
		return nil
	})
}

// Clear empties the cart. Clearing an already-empty cart is an error so
// the caller can surface it.
func (m *Manager) Clear(sessionID string) error {
	return m.sessions.Mutate(sessionID, func(s *session.Session) error {
		if len(s.Cart) == 0 {
			return ErrEmptyCart
		}
		s.Cart = make(map[string]session.CartLine)
		return nil
	})
}

// Items returns the cart lines keyed by book identifier. The map is a
// copy; mutating it does not touch the session.
func (m *Manager) Items(sessionID string) map[string]session.CartLine {
	s, ok := m.sessions.Get(sessionID)
	if !ok {
		return map[string]session.CartLine{}
	}
	return s.Cart
}

// TotalCents derives the cart total. The total is never stored; it is
// always recomputed from the lines so it cannot drift.
func TotalCents(cart map[string]session.CartLine) int64 {
	var total int64
	for _, line := range cart {
		total += line.UnitPrice * int64(line.Quantity)
	}
	return total
}
