package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/h1v3-io/hitl/internal/console"
	"github.com/h1v3-io/hitl/internal/demo"
	"github.com/h1v3-io/hitl/internal/simulator"
)

func newDemoCmd(opts *globalOptions) *cobra.Command {
	d := &demo.Driver{}
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run the scripted confirm, select and form demo",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d.API = opts.client()
			d.Logger = opts.logger()
			d.Out = console.NewPrinter(cmd.OutOrStdout(), "CLI")
			_, err := d.Run(cmd.Context())
			return err
		},
	}
	cmd.Flags().StringVar(&d.SessionID, "session", demo.DefaultSessionID, "Session ID for the demo requests")
	cmd.Flags().IntVar(&d.Timeout, "timeout", 300, "Request TTL in seconds")
	cmd.Flags().IntVar(&d.PollTimeout, "poll", 60, "Long-poll window in seconds")
	cmd.Flags().BoolVar(&d.Persistent, "persistent", false, "Keep waiting after a poll timeout")
	cmd.Flags().DurationVar(&d.Pause, "pause", time.Second, "Pause between steps")
	return cmd
}

func newVerifyCmd(opts *globalOptions) *cobra.Command {
	var delay time.Duration
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Run the demo as a child process and answer it automatically",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			out := console.NewPrinter(cmd.OutOrStdout(), "Test")

			self, err := os.Executable()
			if err != nil {
				return fmt.Errorf("locate executable: %w", err)
			}
			child := exec.CommandContext(ctx, self, "demo", "--url", opts.url, "--color", "never")
			child.Stderr = os.Stderr

			sim := simulator.New(opts.client(),
				simulator.WithDelay(delay),
				simulator.WithOutput(out),
				simulator.WithLogger(opts.logger()),
			)

			out.Headingf("=== Starting E2E Verification ===")
			err = simulator.Supervise(ctx, child, sim)
			var exitErr *exec.ExitError
			switch {
			case errors.As(err, &exitErr):
				out.Failf("CLI exited with code %d", exitErr.ExitCode())
				return err
			case err != nil:
				out.Failf("verification failed: %v", err)
				return err
			}
			out.Successf("CLI exited cleanly, answered %d requests", len(sim.Handled()))
			return nil
		},
	}
	cmd.Flags().DurationVar(&delay, "delay", simulator.DefaultDelay, "Think time before each answer")
	return cmd
}
