package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/ussdgate/internal/config"
	"github.com/nextlevelbuilder/ussdgate/internal/sessions"
	"github.com/nextlevelbuilder/ussdgate/internal/store"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and reset chat sessions",
	}
	cmd.AddCommand(sessionsShowCmd())
	cmd.AddCommand(sessionsResetCmd())
	cmd.AddCommand(sessionsPurgeCmd())
	return cmd
}

// withStore opens the configured session store for a one-shot command.
func withStore(fn func(ctx context.Context, s store.SessionStore) error) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s, err := openSessionStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}

func sessionsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <chat>",
		Short: "Show the session of a chat (chat id or chat key)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := sessions.ChatKey(args[0])
			return withStore(func(ctx context.Context, s store.SessionStore) error {
				sess, err := s.Get(ctx, key)
				if err != nil {
					return err
				}
				if sess == nil {
					fmt.Printf("No session for %s\n", key)
					return nil
				}
				printSession(sess)
				return nil
			})
		},
	}
}

func printSession(sess *store.ChatSession) {
	app := sess.App
	if app == "" {
		app = "(welcome menu)"
	}
	sessionID := "(not started)"
	if sess.SessionID != nil {
		sessionID = fmt.Sprintf("%d", *sess.SessionID)
	}
	fmt.Printf("  %-12s %s\n", "Chat:", sess.ChatKey)
	fmt.Printf("  %-12s %s\n", "App:", app)
	fmt.Printf("  %-12s %s\n", "Session ID:", sessionID)
	fmt.Printf("  %-12s %s\n", "Created:", sess.Created.Format(time.RFC3339))
	fmt.Printf("  %-12s %s\n", "Updated:", sess.Updated.Format(time.RFC3339))
}

func sessionsResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <chat>",
		Short: "Return a chat to the welcome menu (its session id is kept)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := sessions.ChatKey(args[0])
			return withStore(func(ctx context.Context, s store.SessionStore) error {
				if err := s.Reset(ctx, key); err != nil {
					return err
				}
				fmt.Printf("Session for %s reset.\n", key)
				return nil
			})
		},
	}
}

func sessionsPurgeCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Reset chats idle for longer than --older-than",
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			return withStore(func(ctx context.Context, s store.SessionStore) error {
				n, err := s.PurgeIdle(ctx, time.Now().Add(-olderThan))
				if err != nil {
					return err
				}
				fmt.Printf("Reset %d idle chat(s).\n", n)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "idle duration")
	return cmd
}
