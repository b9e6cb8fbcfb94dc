// Package memory provides a thread-safe in-memory implementation of storage.Repository.
package memory

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gbianchi/bookshop/storage"
)

// Repository is a thread-safe in-memory implementation of storage.Repository.
// Suitable for testing, demos, and single-process use cases.
type Repository struct {
	mu        sync.RWMutex
	books     map[string]*storage.Book
	users     map[string]*storage.User // keyed by email
	purchases []*storage.Purchase
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{
		books: make(map[string]*storage.Book),
		users: make(map[string]*storage.User),
	}
}

func cloneBook(b *storage.Book) *storage.Book {
	if b == nil {
		return nil
	}
	cp := *b
	return &cp
}

func cloneUser(u *storage.User) *storage.User {
	if u == nil {
		return nil
	}
	cp := *u
	return &cp
}

// ---------------------------------------------------------------------------
// Catalog
// ---------------------------------------------------------------------------

func (r *Repository) ListBooks() ([]storage.Book, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	books := make([]storage.Book, 0, len(r.books))
	for _, b := range r.books {
		books = append(books, *b)
	}
	sort.Slice(books, func(i, j int) bool { return books[i].Title < books[j].Title })
	return books, nil
}

func (r *Repository) FindBookByID(id string) (*storage.Book, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.books[id]
	if !ok {
		return nil, fmt.Errorf("book %s: %w", id, storage.ErrNotFound)
	}
	return cloneBook(b), nil
}

func (r *Repository) FindBooksByTitleLike(title string) ([]storage.Book, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	needle := strings.ToLower(title)
	var books []storage.Book
	for _, b := range r.books {
		if strings.Contains(strings.ToLower(b.Title), needle) {
			books = append(books, *b)
		}
	}
	sort.Slice(books, func(i, j int) bool { return books[i].Title < books[j].Title })
	return books, nil
}

func (r *Repository) CheckStockAtLeast(bookID string, qty int) (*storage.Book, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.books[bookID]
	if !ok {
		return nil, fmt.Errorf("book %s: %w", bookID, storage.ErrNotFound)
	}
	if b.Stock < qty {
		return nil, fmt.Errorf("book %s has %d in stock, need %d: %w", bookID, b.Stock, qty, storage.ErrInsufficientStock)
	}
	return cloneBook(b), nil
}

func (r *Repository) InsertBook(b *storage.Book) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.books[b.ID] = cloneBook(b)
	return nil
}

// ---------------------------------------------------------------------------
// Accounts
// ---------------------------------------------------------------------------

func (r *Repository) FindUserByEmail(email string) (*storage.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.users[email]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", email, storage.ErrNotFound)
	}
	return cloneUser(u), nil
}

func (r *Repository) InsertUser(u *storage.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.users[u.Email]; ok {
		return fmt.Errorf("user %s: %w", u.Email, storage.ErrDuplicateEmail)
	}
	r.users[u.Email] = cloneUser(u)
	return nil
}

func (r *Repository) UpdateUserPassword(email, passwordHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[email]
	if !ok {
		return fmt.Errorf("user %s: %w", email, storage.ErrNotFound)
	}
	u.PasswordHash = passwordHash
	// A consumed OTP must not verify a second time.
	u.OTPHash = ""
	return nil
}

func (r *Repository) UpdateAccountSecurity(email string, upd storage.SecurityUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[email]
	if !ok {
		return fmt.Errorf("user %s: %w", email, storage.ErrNotFound)
	}
	u.FailedAccesses = upd.FailedAccesses
	u.BlockedSeconds = upd.BlockedSeconds
	if upd.TouchAccess {
		u.LastAccess = time.Now()
	}
	return nil
}

func (r *Repository) SetOTP(email, otpHash string, issuedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[email]
	if !ok {
		return fmt.Errorf("user %s: %w", email, storage.ErrNotFound)
	}
	u.OTPHash = otpHash
	u.LastOTP = issuedAt
	return nil
}

// ---------------------------------------------------------------------------
// Purchases
// ---------------------------------------------------------------------------

// memTx stages inserts and decrements so that a failed step leaves the
// repository untouched.
type memTx struct {
	repo      *Repository
	purchases []*storage.Purchase
	stock     map[string]int // bookID -> staged stock value
}

func (tx *memTx) InsertPurchase(p *storage.Purchase) error {
	cp := *p
	tx.purchases = append(tx.purchases, &cp)
	return nil
}

func (tx *memTx) DecrementStock(bookID string, qty int) error {
	current, ok := tx.stock[bookID]
	if !ok {
		b, exists := tx.repo.books[bookID]
		if !exists {
			return fmt.Errorf("book %s: %w", bookID, storage.ErrNotFound)
		}
		current = b.Stock
	}
	if current < qty {
		return fmt.Errorf("book %s has %d in stock, need %d: %w", bookID, current, qty, storage.ErrInsufficientStock)
	}
	tx.stock[bookID] = current - qty
	return nil
}

func (r *Repository) PurchaseTx(fn func(tx storage.PurchaseTx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx := &memTx{repo: r, stock: make(map[string]int)}
	if err := fn(tx); err != nil {
		return err
	}
	r.purchases = append(r.purchases, tx.purchases...)
	for bookID, stock := range tx.stock {
		r.books[bookID].Stock = stock
	}
	return nil
}

func (r *Repository) FindPurchasesByUser(userID string) ([]storage.HistoryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var entries []storage.HistoryEntry
	for _, p := range r.purchases {
		if p.UserID != userID {
			continue
		}
		title := ""
		for _, b := range r.books {
			if b.ID == p.BookID {
				title = b.Title
				break
			}
		}
		entries = append(entries, storage.HistoryEntry{
			BookID:        p.BookID,
			Title:         title,
			Time:          p.Time,
			AmountCents:   p.AmountCents,
			Quantity:      p.Quantity,
			PaymentMethod: p.PaymentMethod,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Time.After(entries[j].Time) })
	return entries, nil
}

func (r *Repository) FindPurchaseEbook(userID, bookID string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.purchases {
		if p.UserID == userID && p.BookID == bookID {
			if b, ok := r.books[bookID]; ok {
				return b.EbookName, nil
			}
			break
		}
	}
	return "", fmt.Errorf("purchase of %s by %s: %w", bookID, userID, storage.ErrNotFound)
}
