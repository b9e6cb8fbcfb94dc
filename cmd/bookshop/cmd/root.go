package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "bookshop",
	Short: "Bookshop is an online bookstore server",
	Long: `An online bookstore: catalog browsing, accounts with throttled login
and OTP recovery, a session cart, multi-step checkout, and e-book
downloads for purchased titles.`,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
