// Package storage provides the storage abstraction layer for catalog,
// account, and purchase records.
package storage

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a lookup matches zero rows. It is
	// distinct from a query/connection failure, which is returned as a
	// wrapped backend error.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateEmail is returned when inserting a user whose email is
	// already registered.
	ErrDuplicateEmail = errors.New("email already registered")

	// ErrInsufficientStock is returned by a conditional stock decrement
	// when the remaining stock does not cover the requested quantity.
	ErrInsufficientStock = errors.New("insufficient stock")
)

// Book is one catalog entry. Prices are integer cents.
type Book struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Author     string `json:"author"`
	Publisher  string `json:"publisher"`
	PriceCents int64  `json:"price_cents"`
	Category   string `json:"category"`
	Stock      int    `json:"stock"`
	EbookName  string `json:"ebook_name"`
}

// User holds account data together with the per-account security state
// mutated by the login guard (failed-attempt counter, lockout, OTP).
type User struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	PasswordHash string `json:"password_hash"`
	Salt         string `json:"salt"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	Address      string `json:"address"`
	City         string `json:"city"`
	Province     string `json:"province"`
	PostalCode   string `json:"postal_code"`
	Country      string `json:"country"`

	FailedAccesses int       `json:"failed_accesses"`
	BlockedSeconds int64     `json:"blocked_seconds"`
	LastAccess     time.Time `json:"last_access"`
	OTPHash        string    `json:"otp_hash,omitempty"`
	LastOTP        time.Time `json:"last_otp,omitempty"`
}

// Purchase is one immutable purchase row, one per cart line at commit time.
type Purchase struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	BookID        string    `json:"book_id"`
	Time          time.Time `json:"time"`
	AmountCents   int64     `json:"amount_cents"`
	Quantity      int       `json:"quantity"`
	PaymentMethod string    `json:"payment_method"`
}

// HistoryEntry is a purchase joined with its book title for order history.
type HistoryEntry struct {
	BookID        string    `json:"book_id"`
	Title         string    `json:"title"`
	Time          time.Time `json:"time"`
	AmountCents   int64     `json:"amount_cents"`
	Quantity      int       `json:"quantity"`
	PaymentMethod string    `json:"payment_method"`
}

// SecurityUpdate carries the fields written back by the login guard after
// an attempt. TouchAccess controls whether LastAccess is advanced to now,
// mirroring the guard's window bookkeeping.
type SecurityUpdate struct {
	FailedAccesses int
	BlockedSeconds int64
	TouchAccess    bool
}

// PurchaseTx provides the operations available inside an atomic purchase
// commit. Either every insert and decrement applies, or none do.
type PurchaseTx interface {
	InsertPurchase(p *Purchase) error
	// DecrementStock subtracts qty from the book's stock only if the
	// remaining stock covers it; otherwise it returns
	// ErrInsufficientStock and the enclosing transaction is rolled back.
	DecrementStock(bookID string, qty int) error
}

// Repository defines the storage operations consumed by the shop.
type Repository interface {
	// Catalog.
	ListBooks() ([]Book, error)
	FindBookByID(id string) (*Book, error)
	FindBooksByTitleLike(title string) ([]Book, error)
	// CheckStockAtLeast returns the book only if its stock covers qty;
	// a known book with short stock returns ErrInsufficientStock, an
	// unknown book returns ErrNotFound.
	CheckStockAtLeast(bookID string, qty int) (*Book, error)
	InsertBook(b *Book) error

	// Accounts.
	FindUserByEmail(email string) (*User, error)
	InsertUser(u *User) error
	UpdateUserPassword(email, passwordHash string) error
	UpdateAccountSecurity(email string, upd SecurityUpdate) error
	SetOTP(email, otpHash string, issuedAt time.Time) error

	// Purchases.
	PurchaseTx(fn func(tx PurchaseTx) error) error
	FindPurchasesByUser(userID string) ([]HistoryEntry, error)
	// FindPurchaseEbook returns the e-book file name for a book the user
	// has purchased, or ErrNotFound when no purchase record exists.
	FindPurchaseEbook(userID, bookID string) (string, error)
}
