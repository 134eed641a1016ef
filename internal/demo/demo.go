// Package demo drives a scripted confirm, select and form conversation
// against the broker, printing progress for a human or a simulator to follow.
package demo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/h1v3-io/hitl/internal/client"
	"github.com/h1v3-io/hitl/internal/console"
	"github.com/h1v3-io/hitl/pkg/protocol"
)

// DefaultSessionID matches the session a browser UI opens by default.
const DefaultSessionID = "550e8400-e29b-41d4-a716-446655440000"

// API is the subset of the broker client the driver uses.
type API interface {
	CreateRequest(ctx context.Context, p client.CreateParams) (*protocol.Request, error)
	Wait(ctx context.Context, id string, pollSeconds int) (*protocol.Request, error)
	WaitForResponse(ctx context.Context, id string, pollSeconds int) (*protocol.Request, error)
}

// Driver runs the demo script.
type Driver struct {
	API       API
	Out       *console.Printer
	Logger    *slog.Logger
	SessionID string

	Timeout     int // request TTL, seconds
	PollTimeout int // long-poll window, seconds

	// Persistent re-issues the wait after each poll timeout instead of ending
	// the script.
	Persistent bool

	// Pause is the gap between steps.
	Pause time.Duration
}

// Result records how far the script got.
type Result struct {
	Approved  bool
	Region    string
	Admin     map[string]any
	Completed bool
}

var (
	confirmInput = protocol.ConfirmInput{
		Title:       "System Update Required",
		Message:     "A critical security patch (v2.4.0) is available. Do you want to install it now? This will require a restart.",
		ApproveText: "Install & Restart",
		RejectText:  "Remind Me Later",
	}
	selectInput = protocol.SelectInput{
		Title:      "Select Region",
		Options:    []string{"us-east-1", "us-west-2", "eu-central-1", "ap-northeast-1"},
		Multi:      false,
		Searchable: true,
	}
	formInput = protocol.FormInput{
		Title: "Administrator Details",
		Schema: map[string]any{
			"properties": map[string]any{
				"username":    map[string]any{"type": "string", "minLength": 3},
				"email":       map[string]any{"type": "string", "format": "email"},
				"accessLevel": map[string]any{"type": "number", "minimum": 1, "maximum": 5},
			},
			"required": []string{"username", "email"},
		},
	}
)

func (d *Driver) defaults() {
	if d.SessionID == "" {
		d.SessionID = DefaultSessionID
	}
	if d.Timeout <= 0 {
		d.Timeout = 300
	}
	if d.PollTimeout <= 0 {
		d.PollTimeout = 60
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
}

// Run executes the script. It returns an error only when a request cannot be
// created; a missing or declined answer ends the script early without error.
func (d *Driver) Run(ctx context.Context) (*Result, error) {
	d.defaults()
	res := &Result{}

	d.Out.Headingf("=== HITL Broker - CLI Demo ===")
	d.Out.Infof("Session ID: %s", d.SessionID)

	d.Out.Headingf("=== Step 1: Confirmation ===")
	var confirm protocol.ConfirmOutput
	ok, err := d.ask(ctx, protocol.WidgetConfirm, confirmInput, &confirm)
	if err != nil {
		return res, err
	}
	if !ok || !confirm.Approved {
		d.Out.Infof("Update cancelled by user. Exiting demo.")
		return res, nil
	}
	res.Approved = true
	d.Out.Successf("User approved update. Proceeding...")
	if err := d.pause(ctx); err != nil {
		return res, err
	}

	d.Out.Headingf("=== Step 2: Configuration ===")
	var sel protocol.SelectOutput
	ok, err = d.ask(ctx, protocol.WidgetSelect, selectInput, &sel)
	if err != nil || !ok {
		return res, err
	}
	res.Region = fmt.Sprint(sel.Selected)
	d.Out.Successf("Selected region: %s", res.Region)
	if err := d.pause(ctx); err != nil {
		return res, err
	}

	d.Out.Headingf("=== Step 3: User Details ===")
	var form protocol.FormOutput
	ok, err = d.ask(ctx, protocol.WidgetForm, formInput, &form)
	if err != nil || !ok {
		return res, err
	}
	res.Admin = form.Data
	admin, _ := json.Marshal(form.Data)
	d.Out.Successf("Admin configured: %s", admin)

	res.Completed = true
	d.Out.Headingf("=== Demo Completed Successfully ===")
	return res, nil
}

// ask creates a request and waits for its answer, decoding it into out. It
// reports false when no usable answer arrived.
func (d *Driver) ask(ctx context.Context, typ protocol.WidgetType, input, out any) (bool, error) {
	d.Out.Infof("Sending %s request...", typ)
	req, err := d.API.CreateRequest(ctx, client.CreateParams{
		Type:      typ,
		SessionID: d.SessionID,
		Input:     input,
		Timeout:   d.Timeout,
	})
	if err != nil {
		d.Out.Failf("Failed to create request: %v", err)
		return false, fmt.Errorf("demo: create %s request: %w", typ, err)
	}
	d.Out.Infof("Request created: %s", req.ID)
	d.Out.Infof("Waiting for user interaction on the web UI...")

	wait := d.API.Wait
	if d.Persistent {
		wait = d.API.WaitForResponse
	}
	answered, err := wait(ctx, req.ID, d.PollTimeout)
	switch {
	case errors.Is(err, client.ErrPollTimeout):
		d.Out.Infof("Timeout waiting for response.")
		return false, nil
	case errors.Is(err, client.ErrExpired):
		d.Out.Infof("Request expired before anyone answered.")
		return false, nil
	case err != nil:
		d.Out.Failf("Failed to get response: %v", err)
		d.Logger.Warn("wait failed", "request", req.ID, "error", err)
		return false, nil
	}

	d.Out.Infof("Response received!")
	d.Out.Detailf("%s", indent(answered.Output))
	if err := json.Unmarshal(answered.Output, out); err != nil {
		d.Out.Failf("Unexpected %s answer: %v", typ, err)
		return false, nil
	}
	return true, nil
}

func (d *Driver) pause(ctx context.Context) error {
	if d.Pause <= 0 {
		return nil
	}
	t := time.NewTimer(d.Pause)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func indent(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}
