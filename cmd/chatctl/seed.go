package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/ashureev/parley/internal/domain"
	"github.com/ashureev/parley/internal/store"
	"github.com/spf13/cobra"
)

const (
	seedPassword   = "123456"
	seedGroupTitle = "General"
)

func newSeedCmd() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create demo users, a group chat and direct chats",
		Long: `Seed creates users user1..userN with password 123456, a group chat
"General" with all of them, and a direct chat between user1 and every other
user. Existing users and direct chats are reused. Tokens are printed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(func(repo store.Repository) error {
				return seed(cmd.Context(), repo, cmd.OutOrStdout(), count)
			})
		},
	}
	cmd.Flags().IntVar(&count, "users", 5, "Number of users to create")
	return cmd
}

func seed(ctx context.Context, repo store.Repository, out io.Writer, count int) error {
	if count < 2 {
		return errors.New("seed needs at least 2 users")
	}

	users := make([]*domain.User, 0, count)
	for i := 1; i <= count; i++ {
		name := fmt.Sprintf("user%d", i)
		u, err := createUser(ctx, repo, name, seedPassword)
		if errors.Is(err, domain.ErrAlreadyExists) {
			u, err = repo.GetUserByUsername(ctx, name)
		}
		if err != nil {
			return fmt.Errorf("seed %s: %w", name, err)
		}
		users = append(users, u)
	}

	ids := make([]int64, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.ID)
	}
	if err := seedGroup(ctx, repo, ids); err != nil {
		return fmt.Errorf("seed group chat: %w", err)
	}

	for _, id := range ids[1:] {
		direct, err := domain.NormalizeNewChat(ids[0], []int64{id}, "", false)
		if err != nil {
			return err
		}
		if _, _, err := repo.CreateChat(ctx, direct); err != nil {
			return fmt.Errorf("seed direct chat: %w", err)
		}
	}

	for _, u := range users {
		key, err := repo.IssueToken(ctx, u.ID)
		if err != nil {
			return fmt.Errorf("issue token for %s: %w", u.Username, err)
		}
		fmt.Fprintf(out, "%s\t%s\n", u.Username, key)
	}
	return nil
}

// seedGroup creates the shared group chat unless user1 already belongs to one.
func seedGroup(ctx context.Context, repo store.ChatStore, ids []int64) error {
	existing, err := repo.ListChatsForUser(ctx, ids[0])
	if err != nil {
		return err
	}
	for _, c := range existing {
		if c.IsGroup && c.Title == seedGroupTitle {
			return nil
		}
	}
	general, err := domain.NormalizeNewChat(ids[0], ids[1:], seedGroupTitle, true)
	if err != nil {
		return err
	}
	_, _, err = repo.CreateChat(ctx, general)
	return err
}
