package main

import (
	"context"
	"fmt"
	"io"

	"github.com/ashureev/parley/internal/domain"
	"github.com/ashureev/parley/internal/store"
	"github.com/spf13/cobra"
)

func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Manage chats",
	}

	var (
		creator string
		with    []string
		group   bool
		title   string
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a chat, or print the existing direct chat for a pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(func(repo store.Repository) error {
				return createChat(cmd.Context(), repo, cmd.OutOrStdout(), creator, with, title, group)
			})
		},
	}
	create.Flags().StringVar(&creator, "creator", "", "Username of the creator")
	create.Flags().StringSliceVar(&with, "with", nil, "Usernames of the other participants")
	create.Flags().BoolVar(&group, "group", false, "Create a group chat even for two participants")
	create.Flags().StringVar(&title, "title", "", "Chat title")
	_ = create.MarkFlagRequired("creator")
	_ = create.MarkFlagRequired("with")

	cmd.AddCommand(create)
	return cmd
}

func userIDs(ctx context.Context, repo store.UserStore, usernames []string) ([]int64, error) {
	ids := make([]int64, 0, len(usernames))
	for _, name := range usernames {
		u, err := repo.GetUserByUsername(ctx, name)
		if err != nil {
			return nil, err
		}
		if u == nil {
			return nil, fmt.Errorf("user %q: %w", name, domain.ErrNotFound)
		}
		ids = append(ids, u.ID)
	}
	return ids, nil
}

func createChat(ctx context.Context, repo store.Repository, out io.Writer, creator string, with []string, title string, group bool) error {
	ids, err := userIDs(ctx, repo, append([]string{creator}, with...))
	if err != nil {
		return err
	}
	newChat, err := domain.NormalizeNewChat(ids[0], ids[1:], title, group)
	if err != nil {
		return err
	}
	c, created, err := repo.CreateChat(ctx, newChat)
	if err != nil {
		return err
	}

	verb := "existing"
	if created {
		verb = "created"
	}
	fmt.Fprintf(out, "%s chat %d (group=%t, participants=%d)\n", verb, c.ID, c.IsGroup, len(c.Participants))
	return nil
}
