package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/h1v3-io/hitl/internal/client"
	"github.com/h1v3-io/hitl/pkg/protocol"
)

// readJSONArg accepts inline JSON, @path, or - for stdin.
func readJSONArg(arg string) (json.RawMessage, error) {
	var data []byte
	var err error
	switch {
	case arg == "-":
		data, err = io.ReadAll(os.Stdin)
	case strings.HasPrefix(arg, "@"):
		data, err = os.ReadFile(strings.TrimPrefix(arg, "@"))
	default:
		data = []byte(arg)
	}
	if err != nil {
		return nil, err
	}
	if !json.Valid(data) {
		return nil, errors.New("not valid JSON")
	}
	return json.RawMessage(data), nil
}

func newCreateCmd(opts *globalOptions) *cobra.Command {
	var (
		typ     string
		input   string
		session string
		timeout int
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a request",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := readJSONArg(input)
			if err != nil {
				return fmt.Errorf("--input: %w", err)
			}
			req, err := opts.client().CreateRequest(cmd.Context(), client.CreateParams{
				Type:      protocol.WidgetType(typ),
				SessionID: session,
				Input:     raw,
				Timeout:   timeout,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), req)
		},
	}
	cmd.Flags().StringVar(&typ, "type", "confirm", "Widget type: confirm, select, form")
	cmd.Flags().StringVar(&input, "input", "", "Input JSON, @file or - for stdin")
	cmd.Flags().StringVar(&session, "session", "", "Session ID (default global)")
	cmd.Flags().IntVar(&timeout, "timeout", 0, "Request TTL in seconds (0 uses the broker default)")
	cmd.MarkFlagRequired("input")
	return cmd
}

func newGetCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := opts.client().GetRequest(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), req)
		},
	}
}

func newWaitCmd(opts *globalOptions) *cobra.Command {
	var (
		poll int
		once bool
	)
	cmd := &cobra.Command{
		Use:   "wait <id>",
		Short: "Block until a request is answered or expires",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := opts.client()
			var (
				req *protocol.Request
				err error
			)
			if once {
				req, err = c.Wait(cmd.Context(), args[0], poll)
			} else {
				req, err = c.WaitForResponse(cmd.Context(), args[0], poll)
			}
			if req != nil {
				printJSON(cmd.OutOrStdout(), req)
			}
			return err
		},
	}
	cmd.Flags().IntVar(&poll, "poll", 60, "Long-poll window in seconds")
	cmd.Flags().BoolVar(&once, "once", false, "Issue a single poll instead of waiting until resolution")
	return cmd
}

func newRespondCmd(opts *globalOptions) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "respond <id>",
		Short: "Answer a pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readJSONArg(output)
			if err != nil {
				return fmt.Errorf("--output: %w", err)
			}
			req, err := opts.client().SubmitResponse(cmd.Context(), args[0], raw)
			if req != nil {
				printJSON(cmd.OutOrStdout(), req)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&output, "output", "", "Answer JSON, @file or - for stdin")
	cmd.MarkFlagRequired("output")
	return cmd
}

func newListCmd(opts *globalOptions) *cobra.Command {
	var (
		status  string
		session string
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List requests, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reqs, err := opts.client().ListRequests(cmd.Context(), client.ListOptions{
				Status:    protocol.Status(status),
				SessionID: session,
				Limit:     limit,
			})
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, r := range reqs {
				fmt.Fprintf(w, "%-36s %-8s %-9s %s\n", r.ID, r.Type, r.Status, r.SessionID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (pending|answered|expired)")
	cmd.Flags().StringVar(&session, "session", "", "Filter by session ID")
	cmd.Flags().IntVar(&limit, "limit", 50, "Max results")
	return cmd
}
