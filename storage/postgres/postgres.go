// Package postgres implements storage.Repository backed by PostgreSQL.
//
// The conditional stock decrement is a single UPDATE guarded by
// stock >= quantity, which closes the check-then-decrement race that a
// separate read-then-write sequence would leave open under concurrent
// purchases of the same book.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/gbianchi/bookshop/storage"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store implements storage.Repository backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given pgx connection pool.
func NewRepository(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewRepositoryFromDSN creates a connection pool from a DSN string, runs
// the embedded migrations, and returns a new Repository.
func NewRepositoryFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := Migrate(pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return NewRepository(pool), nil
}

// Migrate applies the embedded goose migrations through the pool.
func Migrate(pool *pgxpool.Pool) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()
	return goose.Up(db, "migrations")
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// ---------------------------------------------------------------------------
// Catalog
// ---------------------------------------------------------------------------

const bookColumns = `id, title, author, publisher, price_cents, category, stock, ebook_name`

func scanBook(row pgx.Row) (*storage.Book, error) {
	var b storage.Book
	err := row.Scan(&b.ID, &b.Title, &b.Author, &b.Publisher, &b.PriceCents, &b.Category, &b.Stock, &b.EbookName)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *Store) ListBooks() ([]storage.Book, error) {
	rows, err := s.pool.Query(context.Background(),
		`SELECT `+bookColumns+` FROM book ORDER BY title`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectBooks(rows)
}

func collectBooks(rows pgx.Rows) ([]storage.Book, error) {
	var books []storage.Book
	for rows.Next() {
		b, err := scanBook(rows)
		if err != nil {
			return nil, err
		}
		books = append(books, *b)
	}
	return books, rows.Err()
}

func (s *Store) FindBookByID(id string) (*storage.Book, error) {
	b, err := scanBook(s.pool.QueryRow(context.Background(),
		`SELECT `+bookColumns+` FROM book WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("book %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (s *Store) FindBooksByTitleLike(title string) ([]storage.Book, error) {
	rows, err := s.pool.Query(context.Background(),
		`SELECT `+bookColumns+` FROM book WHERE title ILIKE '%' || $1 || '%' ORDER BY title`, title)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectBooks(rows)
}

func (s *Store) CheckStockAtLeast(bookID string, qty int) (*storage.Book, error) {
	b, err := scanBook(s.pool.QueryRow(context.Background(),
		`SELECT `+bookColumns+` FROM book WHERE id = $1 AND stock >= $2`, bookID, qty))
	if errors.Is(err, pgx.ErrNoRows) {
		// Distinguish an unknown book from one with short stock.
		if _, ferr := s.FindBookByID(bookID); ferr != nil {
			return nil, ferr
		}
		return nil, fmt.Errorf("book %s: %w", bookID, storage.ErrInsufficientStock)
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (s *Store) InsertBook(b *storage.Book) error {
	_, err := s.pool.Exec(context.Background(),
		`INSERT INTO book (id, title, author, publisher, price_cents, category, stock, ebook_name)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id)
		 DO UPDATE SET title = $2, author = $3, publisher = $4, price_cents = $5, category = $6, stock = $7, ebook_name = $8`,
		b.ID, b.Title, b.Author, b.Publisher, b.PriceCents, b.Category, b.Stock, b.EbookName)
	return err
}

// ---------------------------------------------------------------------------
// Accounts
// ---------------------------------------------------------------------------

const userColumns = `id, email, password_hash, salt, first_name, last_name, address, city, province, postal_code, country,
	failed_accesses, blocked_seconds, last_access, COALESCE(otp_hash, ''), COALESCE(last_otp, 'epoch'::timestamptz)`

func scanUser(row pgx.Row) (*storage.User, error) {
	var u storage.User
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Salt, &u.FirstName, &u.LastName,
		&u.Address, &u.City, &u.Province, &u.PostalCode, &u.Country,
		&u.FailedAccesses, &u.BlockedSeconds, &u.LastAccess, &u.OTPHash, &u.LastOTP)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) FindUserByEmail(email string) (*storage.User, error) {
	u, err := scanUser(s.pool.QueryRow(context.Background(),
		`SELECT `+userColumns+` FROM shop_user WHERE email = $1`, email))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", email, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (s *Store) InsertUser(u *storage.User) error {
	_, err := s.pool.Exec(context.Background(),
		`INSERT INTO shop_user (id, email, password_hash, salt, first_name, last_name, address, city, province, postal_code, country, failed_accesses, blocked_seconds, last_access)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 0, 0, now())`,
		u.ID, u.Email, u.PasswordHash, u.Salt, u.FirstName, u.LastName,
		u.Address, u.City, u.Province, u.PostalCode, u.Country)
	if isUniqueViolation(err) {
		return fmt.Errorf("user %s: %w", u.Email, storage.ErrDuplicateEmail)
	}
	return err
}

func (s *Store) UpdateUserPassword(email, passwordHash string) error {
	tag, err := s.pool.Exec(context.Background(),
		`UPDATE shop_user SET password_hash = $1, otp_hash = NULL WHERE email = $2`,
		passwordHash, email)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %s: %w", email, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) UpdateAccountSecurity(email string, upd storage.SecurityUpdate) error {
	var (
		tag pgconn.CommandTag
		err error
	)
	if upd.TouchAccess {
		tag, err = s.pool.Exec(context.Background(),
			`UPDATE shop_user SET failed_accesses = $1, blocked_seconds = $2, last_access = now() WHERE email = $3`,
			upd.FailedAccesses, upd.BlockedSeconds, email)
	} else {
		tag, err = s.pool.Exec(context.Background(),
			`UPDATE shop_user SET failed_accesses = $1, blocked_seconds = $2 WHERE email = $3`,
			upd.FailedAccesses, upd.BlockedSeconds, email)
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %s: %w", email, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) SetOTP(email, otpHash string, issuedAt time.Time) error {
	tag, err := s.pool.Exec(context.Background(),
		`UPDATE shop_user SET otp_hash = $1, last_otp = $2 WHERE email = $3`,
		otpHash, issuedAt, email)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %s: %w", email, storage.ErrNotFound)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Purchases
// ---------------------------------------------------------------------------

type pgTx struct {
	tx  pgx.Tx
	ctx context.Context
}

func (p *pgTx) InsertPurchase(rec *storage.Purchase) error {
	_, err := p.tx.Exec(p.ctx,
		`INSERT INTO purchase (id, user_id, book_id, time, amount_cents, quantity, payment_method)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.UserID, rec.BookID, rec.Time, rec.AmountCents, rec.Quantity, rec.PaymentMethod)
	return err
}

func (p *pgTx) DecrementStock(bookID string, qty int) error {
	tag, err := p.tx.Exec(p.ctx,
		`UPDATE book SET stock = stock - $1 WHERE id = $2 AND stock >= $1`, qty, bookID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := p.tx.QueryRow(p.ctx, `SELECT EXISTS (SELECT 1 FROM book WHERE id = $1)`, bookID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("book %s: %w", bookID, storage.ErrNotFound)
		}
		return fmt.Errorf("book %s: %w", bookID, storage.ErrInsufficientStock)
	}
	return nil
}

func (s *Store) PurchaseTx(fn func(tx storage.PurchaseTx) error) error {
	ctx := context.Background()
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&pgTx{tx: tx, ctx: ctx})
	})
}

func (s *Store) FindPurchasesByUser(userID string) ([]storage.HistoryEntry, error) {
	rows, err := s.pool.Query(context.Background(),
		`SELECT p.book_id, b.title, p.time, p.amount_cents, p.quantity, p.payment_method
		 FROM purchase p INNER JOIN book b ON p.book_id = b.id
		 WHERE p.user_id = $1
		 ORDER BY p.time DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []storage.HistoryEntry
	for rows.Next() {
		var e storage.HistoryEntry
		if err := rows.Scan(&e.BookID, &e.Title, &e.Time, &e.AmountCents, &e.Quantity, &e.PaymentMethod); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) FindPurchaseEbook(userID, bookID string) (string, error) {
	var name string
	err := s.pool.QueryRow(context.Background(),
		`SELECT b.ebook_name
		 FROM purchase p INNER JOIN book b ON p.book_id = b.id
		 WHERE p.user_id = $1 AND p.book_id = $2
		 LIMIT 1`, userID, bookID).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("purchase of %s by %s: %w", bookID, userID, storage.ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	return name, nil
}
