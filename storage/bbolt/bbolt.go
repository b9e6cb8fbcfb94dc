// Package bbolt provides a BBolt-backed storage repository.
package bbolt

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"github.com/gbianchi/bookshop/storage"
)

var (
	bucketBooks     = []byte("books")
	bucketUsers     = []byte("users")
	bucketPurchases = []byte("purchases")
)

// Store implements storage.Repository backed by a BBolt database.
type Store struct {
	db *bbolt.DB
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given BBolt database.
func NewRepository(db *bbolt.DB) (*Store, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketBooks, bucketUsers, bucketPurchases} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("creating buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// NewRepositoryFromFile opens a BBolt database at the given path and returns a new Repository.
func NewRepositoryFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return NewRepository(db)
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func putJSON(b *bbolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

// ---------------------------------------------------------------------------
// Catalog
// ---------------------------------------------------------------------------

func (s *Store) ListBooks() ([]storage.Book, error) {
	var books []storage.Book
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBooks).ForEach(func(_, v []byte) error {
			var b storage.Book
			if err := json.Unmarshal(v, &b); err != nil {
				return err
			}
			books = append(books, b)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(books, func(i, j int) bool { return books[i].Title < books[j].Title })
	return books, nil
}

func (s *Store) FindBookByID(id string) (*storage.Book, error) {
	var book storage.Book
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketBooks).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("book %s: %w", id, storage.ErrNotFound)
		}
		return json.Unmarshal(data, &book)
	})
	if err != nil {
		return nil, err
	}
	return &book, nil
}

func (s *Store) FindBooksByTitleLike(title string) ([]storage.Book, error) {
	needle := strings.ToLower(title)
	var books []storage.Book
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBooks).ForEach(func(_, v []byte) error {
			var b storage.Book
			if err := json.Unmarshal(v, &b); err != nil {
				return err
			}
			if strings.Contains(strings.ToLower(b.Title), needle) {
				books = append(books, b)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(books, func(i, j int) bool { return books[i].Title < books[j].Title })
	return books, nil
}

func (s *Store) CheckStockAtLeast(bookID string, qty int) (*storage.Book, error) {
	book, err := s.FindBookByID(bookID)
	if err != nil {
		return nil, err
	}
	if book.Stock < qty {
		return nil, fmt.Errorf("book %s has %d in stock, need %d: %w", bookID, book.Stock, qty, storage.ErrInsufficientStock)
	}
	return book, nil
}

func (s *Store) InsertBook(b *storage.Book) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx.Bucket(bucketBooks), b.ID, b)
	})
}

// ---------------------------------------------------------------------------
// Accounts
// ---------------------------------------------------------------------------

func getUser(tx *bbolt.Tx, email string) (*storage.User, error) {
	data := tx.Bucket(bucketUsers).Get([]byte(email))
	if data == nil {
		return nil, fmt.Errorf("user %s: %w", email, storage.ErrNotFound)
	}
	var u storage.User
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) FindUserByEmail(email string) (*storage.User, error) {
	var user *storage.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		u, err := getUser(tx, email)
		if err != nil {
			return err
		}
		user = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (s *Store) InsertUser(u *storage.User) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		if b.Get([]byte(u.Email)) != nil {
			return fmt.Errorf("user %s: %w", u.Email, storage.ErrDuplicateEmail)
		}
		return putJSON(b, u.Email, u)
	})
}

func (s *Store) UpdateUserPassword(email, passwordHash string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		u, err := getUser(tx, email)
		if err != nil {
			return err
		}
		u.PasswordHash = passwordHash
		u.OTPHash = ""
		return putJSON(tx.Bucket(bucketUsers), email, u)
	})
}

func (s *Store) UpdateAccountSecurity(email string, upd storage.SecurityUpdate) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		u, err := getUser(tx, email)
		if err != nil {
			return err
		}
		u.FailedAccesses = upd.FailedAccesses
		u.BlockedSeconds = upd.BlockedSeconds
		if upd.TouchAccess {
			u.LastAccess = time.Now()
		}
		return putJSON(tx.Bucket(bucketUsers), email, u)
	})
}

func (s *Store) SetOTP(email, otpHash string, issuedAt time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		u, err := getUser(tx, email)
		if err != nil {
			return err
		}
		u.OTPHash = otpHash
		u.LastOTP = issuedAt
		return putJSON(tx.Bucket(bucketUsers), email, u)
	})
}

// ---------------------------------------------------------------------------
// Purchases
// ---------------------------------------------------------------------------

// boltTx runs inside a single bbolt Update, so the enclosing transaction
// gives the all-or-nothing guarantee for inserts and decrements.
type boltTx struct {
	tx *bbolt.Tx
}

func purchaseKey(p *storage.Purchase) string {
	return p.Time.UTC().Format(time.RFC3339Nano) + ":" + p.ID
}

func (bt *boltTx) InsertPurchase(p *storage.Purchase) error {
	return putJSON(bt.tx.Bucket(bucketPurchases), purchaseKey(p), p)
}

func (bt *boltTx) DecrementStock(bookID string, qty int) error {
	b := bt.tx.Bucket(bucketBooks)
	data := b.Get([]byte(bookID))
	if data == nil {
		return fmt.Errorf("book %s: %w", bookID, storage.ErrNotFound)
	}
	var book storage.Book
	if err := json.Unmarshal(data, &book); err != nil {
		return err
	}
	if book.Stock < qty {
		return fmt.Errorf("book %s has %d in stock, need %d: %w", bookID, book.Stock, qty, storage.ErrInsufficientStock)
	}
	book.Stock -= qty
	return putJSON(b, bookID, &book)
}

func (s *Store) PurchaseTx(fn func(tx storage.PurchaseTx) error) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

func (s *Store) FindPurchasesByUser(userID string) ([]storage.HistoryEntry, error) {
	var entries []storage.HistoryEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		books := tx.Bucket(bucketBooks)
		return tx.Bucket(bucketPurchases).ForEach(func(_, v []byte) error {
			var p storage.Purchase
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			if p.UserID != userID {
				return nil
			}
			title := ""
			if data := books.Get([]byte(p.BookID)); data != nil {
				var b storage.Book
				if err := json.Unmarshal(data, &b); err != nil {
					return err
				}
				title = b.Title
			}
			entries = append(entries, storage.HistoryEntry{
				BookID:        p.BookID,
				Title:         title,
				Time:          p.Time,
				AmountCents:   p.AmountCents,
				Quantity:      p.Quantity,
				PaymentMethod: p.PaymentMethod,
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Time.After(entries[j].Time) })
	return entries, nil
}

func (s *Store) FindPurchaseEbook(userID, bookID string) (string, error) {
	var name string
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketPurchases).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var p storage.Purchase
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			if p.UserID == userID && p.BookID == bookID {
				found = true
				break
			}
		}
		if !found {
			return nil
		}
		data := tx.Bucket(bucketBooks).Get([]byte(bookID))
		if data == nil {
			return fmt.Errorf("book %s: %w", bookID, storage.ErrNotFound)
		}
		var b storage.Book
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		name = b.EbookName
		return nil
	})
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("purchase of %s by %s: %w", bookID, userID, storage.ErrNotFound)
	}
	return name, nil
}
