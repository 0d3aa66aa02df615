// chatctl administers users, tokens and chats in a Parley database.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/ashureev/parley/internal/store"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
)

var (
	dbPath   string
	verbose  bool
	hashCost = bcrypt.DefaultCost
)

var rootCmd = &cobra.Command{
	Use:   "chatctl",
	Short: "Administer a Parley chat database",
	Long: `chatctl manages the accounts, API tokens and chats stored in the
SQLite database used by the Parley server.

Use 'chatctl help <command>' for more information on a specific command.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

func main() {
	_ = godotenv.Load()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	defaultDB := os.Getenv("DB_PATH")
	if defaultDB == "" {
		defaultDB = "./data/chat.db"
	}
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", defaultDB, "SQLite database path")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable verbose logging")

	rootCmd.AddCommand(newUserCmd(), newTokenCmd(), newChatCmd(), newSeedCmd())
}

// withRepo opens the database for the duration of fn.
func withRepo(fn func(repo store.Repository) error) error {
	repo, err := store.NewSQLite(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Warn("Failed to close database", "error", closeErr)
		}
	}()
	return fn(repo)
}
