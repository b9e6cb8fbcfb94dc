package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/gbianchi/bookshop/internal/config"
	"github.com/gbianchi/bookshop/storage"
)

var seedCmd = &cobra.Command{
	Use:   "seed <catalog.json>",
	Short: "Load catalog entries into storage",
	Long: `Reads a JSON array of books and inserts them into the configured
storage backend. Entries without an id get a generated one.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.NewConfig()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("backend") {
			cfg.Storage.Backend = flagBackend
		}

		raw, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading catalog file: %w", err)
		}
		var books []storage.Book
		if err := json.Unmarshal(raw, &books); err != nil {
			return fmt.Errorf("parsing catalog file: %w", err)
		}

		repo, cleanup, err := openRepository(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		for i := range books {
			if books[i].ID == "" {
				books[i].ID = uuid.NewString()
			}
			if err := repo.InsertBook(&books[i]); err != nil {
				return fmt.Errorf("inserting %q: %w", books[i].Title, err)
			}
		}
		fmt.Printf("Inserted %d books into %s storage\n", len(books), cfg.Storage.Backend)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(seedCmd)
	seedCmd.Flags().StringVar(&flagBackend, "backend", "memory", "Storage backend (memory, bbolt, postgres)")
}
