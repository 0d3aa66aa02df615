package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/ashureev/parley/internal/domain"
	"github.com/ashureev/parley/internal/store"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
)

var errBadCredentials = errors.New("invalid username or password")

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage user accounts",
	}

	var username, password string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a user account",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(func(repo store.Repository) error {
				u, err := createUser(cmd.Context(), repo, username, password)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created user %s (id %d)\n", u.Username, u.ID)
				return nil
			})
		},
	}
	create.Flags().StringVar(&username, "username", "", "Username")
	create.Flags().StringVar(&password, "password", "", "Password")
	_ = create.MarkFlagRequired("username")
	_ = create.MarkFlagRequired("password")

	cmd.AddCommand(create)
	return cmd
}

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage API tokens",
	}

	var username, password string
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Print the API token of a user, creating it if needed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(func(repo store.Repository) error {
				return issueToken(cmd.Context(), repo, cmd.OutOrStdout(), username, password)
			})
		},
	}
	issue.Flags().StringVar(&username, "username", "", "Username")
	issue.Flags().StringVar(&password, "password", "", "Password")
	_ = issue.MarkFlagRequired("username")
	_ = issue.MarkFlagRequired("password")

	cmd.AddCommand(issue)
	return cmd
}

func createUser(ctx context.Context, repo store.UserStore, username, password string) (*domain.User, error) {
	if username == "" || password == "" {
		return nil, errors.New("username and password are required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), hashCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	return repo.CreateUser(ctx, username, string(hash))
}

func authenticate(ctx context.Context, repo store.UserStore, username, password string) (*domain.User, error) {
	u, err := repo.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, errBadCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, errBadCredentials
	}
	return u, nil
}

func issueToken(ctx context.Context, repo store.UserStore, out io.Writer, username, password string) error {
	u, err := authenticate(ctx, repo, username, password)
	if err != nil {
		return err
	}
	key, err := repo.IssueToken(ctx, u.ID)
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}
	fmt.Fprintln(out, key)
	return nil
}
