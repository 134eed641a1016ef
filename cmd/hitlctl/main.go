package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/h1v3-io/hitl/internal/client"
	"github.com/h1v3-io/hitl/internal/config"
	"github.com/h1v3-io/hitl/internal/console"
)

type globalOptions struct {
	url     string
	color   string
	verbose bool
}

func (o *globalOptions) client() *client.Client {
	c := client.New(o.url)
	c.Logger = o.logger()
	return c
}

func (o *globalOptions) logger() *slog.Logger {
	level := slog.LevelWarn
	if o.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:          "hitlctl",
		Short:        "Operate a human-in-the-loop request broker",
		SilenceUsage: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			console.ConfigureColorProfile(opts.color)
		},
	}
	root.PersistentFlags().StringVar(&opts.url, "url", envOr("HITL_URL", "http://localhost:3000"), "Broker base URL")
	root.PersistentFlags().StringVar(&opts.color, "color", "auto", "Color output: auto, always, never")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Verbose logging")

	root.AddCommand(
		newDemoCmd(opts),
		newVerifyCmd(opts),
		newCreateCmd(opts),
		newGetCmd(opts),
		newWaitCmd(opts),
		newRespondCmd(opts),
		newListCmd(opts),
		newHealthCmd(opts),
		newConfigCmd(),
	)
	return root
}

func newHealthCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check broker health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := opts.client().Health(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
}

func newConfigCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Daemon configuration helpers"}
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "validate <path>",
		Short: "Validate a hitld config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(args[0]); err != nil {
				return fmt.Errorf("invalid: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "config is valid")
			return nil
		},
	})
	return cfgCmd
}

// --- Helpers ---

func printJSON(w io.Writer, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
