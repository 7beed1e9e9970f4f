package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/badrtairlbahrepro/VisionClaw/statestore"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect conversation history mirrored to Redis",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List mirrored session keys, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withStore(cmd.Context(), func(store statestore.Store) error {
			return listHistories(cmd.Context(), store, cmd.OutOrStdout())
		})
	},
}

var historyShowCmd = &cobra.Command{
	Use:   "show <session-key>",
	Short: "Print the turns of one session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(store statestore.Store) error {
			return showHistory(cmd.Context(), store, args[0], cmd.OutOrStdout())
		})
	},
}

func init() {
	historyCmd.AddCommand(historyListCmd, historyShowCmd)
	rootCmd.AddCommand(historyCmd)
}

func withStore(ctx context.Context, fn func(statestore.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()
	if store == nil {
		return errors.New("history mirror disabled: set history.redisAddr or --redis-addr")
	}
	return fn(store)
}

func listHistories(ctx context.Context, store statestore.Store, out io.Writer) error {
	keys, err := store.List(ctx)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		fmt.Fprintln(out, mutedStyle.Render("no mirrored sessions"))
		return nil
	}
	for _, key := range keys {
		h, err := store.Load(ctx, key)
		if errors.Is(err, statestore.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s %s\n", labelStyle.Render(key),
			mutedStyle.Render(fmt.Sprintf("%d turns", len(h.Turns))))
	}
	return nil
}

func showHistory(ctx context.Context, store statestore.Store, key string, out io.Writer) error {
	h, err := store.Load(ctx, key)
	if err != nil {
		return fmt.Errorf("session %s: %w", key, err)
	}
	fmt.Fprintln(out, renderHistory(h))
	return nil
}
