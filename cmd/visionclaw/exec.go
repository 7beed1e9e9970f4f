package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/badrtairlbahrepro/VisionClaw/config"
	"github.com/badrtairlbahrepro/VisionClaw/gateway"
)

var execCmd = &cobra.Command{
	Use:   "exec <task>",
	Short: "Send one task to the gateway and print the reply",
	Long: `Send a natural-language task to the OpenClaw gateway the same way a model
tool call would, without a live session. Useful for checking gateway
connectivity and credentials.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runExec(cmd.Context(), cfg, strings.Join(args, " "), cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(execCmd)
}

func runExec(ctx context.Context, cfg *config.Config, task string, out io.Writer) error {
	var opts []gateway.Option
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()
	if store != nil {
		opts = append(opts, gateway.WithStore(store))
	}

	gw, err := gateway.NewClient(cfg, opts...)
	if err != nil {
		return err
	}
	if err := gw.ResetSession(ctx); err != nil {
		return err
	}

	reply, err := gw.Execute(ctx, task)
	if err != nil {
		return fmt.Errorf("gateway %s: %w", gateway.Outcome(err), err)
	}

	fmt.Fprintln(out, renderTurn("user", task))
	fmt.Fprintln(out, renderTurn("assistant", reply))
	fmt.Fprintln(out, mutedStyle.Render("session "+gw.SessionKey()))
	return nil
}
