package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"go.etcd.io/bbolt"

	"github.com/gbianchi/bookshop/api"
	"github.com/gbianchi/bookshop/auth"
	"github.com/gbianchi/bookshop/email"
	"github.com/gbianchi/bookshop/internal/config"
	"github.com/gbianchi/bookshop/session"
	"github.com/gbianchi/bookshop/storage"
	bboltstorage "github.com/gbianchi/bookshop/storage/bbolt"
	memorystorage "github.com/gbianchi/bookshop/storage/memory"
	"github.com/gbianchi/bookshop/storage/postgres"
)

var (
	flagAddr    string
	flagBackend string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the bookstore server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.NewConfig()
		if err != nil {
			return err
		}
		// Flags beat the environment.
		if cmd.Flags().Changed("addr") {
			cfg.Addr = flagAddr
		}
		if cmd.Flags().Changed("backend") {
			cfg.Storage.Backend = flagBackend
		}

		logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

		repo, cleanup, err := openRepository(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		keyring, err := openKeyring(cfg)
		if err != nil {
			return err
		}
		sessions, closeSessions, err := openSessionStore(cfg, keyring)
		if err != nil {
			return err
		}
		defer closeSessions()

		opts := []api.Option{
			api.WithLogger(logger),
			api.WithIdleTimeout(time.Duration(cfg.Sessions.IdleSeconds) * time.Second),
			api.WithEbookLibrary(cfg.EbookDir),
			api.WithLoginConfig(auth.Config{
				MaxAttempts:   cfg.Login.MaxAttempts,
				Window:        time.Duration(cfg.Login.WindowSeconds) * time.Second,
				BlockDuration: time.Duration(cfg.Login.BlockSeconds) * time.Second,
				OTPInterval:   time.Duration(cfg.Login.OTPSeconds) * time.Second,
			}),
		}
		if cfg.SMTP.Host != "" {
			opts = append(opts, api.WithMail(email.NewSMTPSender(email.SMTPConfig{
				Host:     cfg.SMTP.Host,
				Port:     cfg.SMTP.Port,
				Username: cfg.SMTP.Username,
				Password: cfg.SMTP.Password,
				From:     cfg.SMTP.From,
			})))
		}
		a := api.New(repo, sessions, keyring, opts...)

		r := chi.NewRouter()
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		})
		r.Mount("/", a.Router())

		server := &http.Server{
			Addr:              cfg.Addr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		fmt.Printf("Starting server on %s (storage: %s)...\n", cfg.Addr, cfg.Storage.Backend)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			fmt.Printf("\nReceived %s, shutting down...\n", sig)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

func openRepository(ctx context.Context, cfg *config.Config) (storage.Repository, func(), error) {
	switch cfg.Storage.Backend {
	case "memory":
		return memoryRepo(), func() {}, nil
	case "bbolt":
		repo, err := bboltstorage.NewRepositoryFromFile(cfg.Storage.Path, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("opening bbolt storage: %w", err)
		}
		return repo, func() { repo.Close() }, nil
	case "postgres":
		repo, err := postgres.NewRepositoryFromDSN(ctx, cfg.Storage.DSN)
		if err != nil {
			return nil, nil, err
		}
		return repo, func() { repo.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

func memoryRepo() storage.Repository {
	return memorystorage.NewRepository()
}

func openKeyring(cfg *config.Config) (*session.Keyring, error) {
	if cfg.Sessions.KeyFile != "" {
		return session.NewKeyringFromFile(cfg.Sessions.KeyFile)
	}
	return session.NewEphemeralKeyring()
}

func openBoltSessions(cfg *config.Config, keyring *session.Keyring) (*session.BoltStore, *bbolt.DB, error) {
	db, err := bbolt.Open(cfg.Sessions.Path, 0o600, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("opening session database: %w", err)
	}
	retention := time.Duration(cfg.Sessions.IdleSeconds) * time.Second
	store, err := session.NewBoltStore(db, keyring, retention)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return store, db, nil
}

func openSessionStore(cfg *config.Config, keyring *session.Keyring) (session.Store, func(), error) {
	if !cfg.Sessions.Persist {
		return session.NewMemoryStore(), func() {}, nil
	}
	store, db, err := openBoltSessions(cfg, keyring)
	if err != nil {
		return nil, nil, err
	}
	return store, func() {
		store.Close()
		db.Close()
	}, nil
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().StringVar(&flagAddr, "addr", ":8080", "Address to listen on")
	serverCmd.Flags().StringVar(&flagBackend, "backend", "memory", "Storage backend (memory, bbolt, postgres)")
}
