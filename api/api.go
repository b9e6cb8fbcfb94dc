// Package api exposes the shop over HTTP: catalog browsing, account
// management, the session cart, the multi-step checkout, and purchase
// downloads.
package api

import (
	"log/slog"
	"os"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gbianchi/bookshop/auth"
	"github.com/gbianchi/bookshop/cart"
	"github.com/gbianchi/bookshop/checkout"
	"github.com/gbianchi/bookshop/ebook"
	"github.com/gbianchi/bookshop/email"
	"github.com/gbianchi/bookshop/session"
	"github.com/gbianchi/bookshop/storage"
)

// API holds the dependencies needed by the HTTP handlers.
type API struct {
	repo      storage.Repository
	sessions  session.Store
	keyring   *session.Keyring
	guard     *auth.Guard
	carts     *cart.Manager
	flow      *checkout.Flow
	committer *checkout.Committer
	library   *ebook.Library
	mail      email.Sender
	audit     *auditLogger

	idleTimeout time.Duration
}

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events. If not set, a
// default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.audit = newAuditLogger(logger)
	}
}

// WithIdleTimeout logs sessions out after the given inactivity. 0
// disables the idle check.
func WithIdleTimeout(d time.Duration) Option {
	return func(a *API) {
		a.idleTimeout = d
	}
}

// WithMail sets the outgoing mail sender for recovery codes and order
// confirmations. Without it no mail is sent and recovery codes are
// undeliverable.
func WithMail(m email.Sender) Option {
	return func(a *API) {
		a.mail = m
	}
}

// WithEbookLibrary enables e-book downloads from the given directory.
func WithEbookLibrary(dir string) Option {
	return func(a *API) {
		a.library = ebook.NewLibrary(a.repo, dir)
	}
}

// WithLoginConfig tunes the account throttling.
func WithLoginConfig(cfg auth.Config) Option {
	return func(a *API) {
		a.guard = auth.NewGuard(a.repo, cfg)
	}
}

// New creates a new API instance.
func New(repo storage.Repository, sessions session.Store, keyring *session.Keyring, opts ...Option) *API {
	a := &API{
		repo:        repo,
		sessions:    sessions,
		keyring:     keyring,
		guard:       auth.NewGuard(repo, auth.Config{}),
		carts:       cart.NewManager(sessions, repo),
		flow:        checkout.NewFlow(sessions, keyring),
		idleTimeout: 2 * time.Hour,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.audit == nil {
		a.audit = newAuditLogger(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	}
	a.committer = checkout.NewCommitter(sessions, repo, a.mail, a.audit.logger)
	return a
}

// Router returns a chi.Router with all routes mounted. Every route runs
// behind the session middleware; state-changing handlers verify the
// in-body CSRF token themselves.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(a.SessionMiddleware)

	r.Post("/auth/signup", a.Signup)
	r.Post("/auth/login", a.Login)
	r.Get("/auth/logout", a.Logout)
	r.Post("/auth/logout", a.Logout)
	r.Post("/auth/otp", a.IssueOTP)
	r.Post("/auth/recover", a.Recover)

	r.Get("/books", a.ListBooks)
	r.Get("/books/{bookID}", a.GetBook)

	r.Get("/cart", a.ViewCart)
	r.Post("/cart/items", a.AddToCart)
	r.Post("/cart/remove", a.RemoveFromCart)

	r.Route("/checkout", func(r chi.Router) {
		r.Use(a.RequireLogin)
		r.Get("/payment", a.PaymentPage)
		r.Post("/payment", a.SubmitPayment)
		r.Get("/shipping", a.ShippingPage)
		r.Post("/shipping", a.SubmitShipping)
		r.Get("/summary", a.SummaryPage)
		r.Post("/summary", a.Purchase)
		r.Post("/edit", a.EditStep)
	})

	r.Route("/profile", func(r chi.Router) {
		r.Use(a.RequireLogin)
		r.Get("/", a.Profile)
		r.Post("/password", a.ChangePassword)
	})

	r.Route("/purchases", func(r chi.Router) {
		r.Use(a.RequireLogin)
		r.Get("/", a.PurchaseHistory)
		r.Post("/download", a.DownloadEbook)
	})

	return r
}
