// Package webhook delivers broker lifecycle events to external HTTP
// endpoints, so a chat bot or custom UI can learn about new requests without
// holding a WebSocket open.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/h1v3-io/hitl/pkg/protocol"
)

const (
	SignatureHeader = "X-Hub-Signature-256"
	EventHeader     = "X-Hitl-Event"

	defaultQueueSize = 256
	defaultRetryFor  = 30 * time.Second
)

// Endpoint is one delivery target.
type Endpoint struct {
	Name string
	URL  string
	// Secret signs each body with HMAC-SHA256 in the X-Hub-Signature-256
	// header. If empty, BearerToken is sent instead.
	Secret      string
	BearerToken string
	// SessionID limits delivery to one session. Empty receives every event.
	SessionID string
}

func (e Endpoint) wants(ev protocol.Event) bool {
	return e.SessionID == "" || (ev.Request != nil && ev.Request.SessionID == e.SessionID)
}

// Config holds notifier settings.
type Config struct {
	Endpoints []Endpoint
	QueueSize int
	// RetryFor bounds retries of a single delivery.
	RetryFor time.Duration
}

// Notifier queues events from the broker and posts them to every matching
// endpoint in order. It implements broker.Listener.
type Notifier struct {
	endpoints []Endpoint
	client    *http.Client
	logger    *slog.Logger
	events    chan protocol.Event
	retryFor  time.Duration
}

// New creates a notifier. Call Run to start delivering.
func New(cfg Config, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.RetryFor <= 0 {
		cfg.RetryFor = defaultRetryFor
	}
	return &Notifier{
		endpoints: cfg.Endpoints,
		client:    &http.Client{Timeout: 10 * time.Second},
		logger:    logger.With("component", "webhook"),
		events:    make(chan protocol.Event, cfg.QueueSize),
		retryFor:  cfg.RetryFor,
	}
}

// Notify enqueues ev without blocking. Events are dropped when the queue is full.
func (n *Notifier) Notify(ev protocol.Event) {
	select {
	case n.events <- ev:
	default:
		n.logger.Warn("webhook queue full, dropping event", "type", ev.Type, "request", requestID(ev))
	}
}

// Run delivers queued events until ctx is done.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-n.events:
			n.dispatch(ctx, ev)
		}
	}
}

func (n *Notifier) dispatch(ctx context.Context, ev protocol.Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		n.logger.Error("marshal event", "error", err)
		return
	}
	for _, ep := range n.endpoints {
		if !ep.wants(ev) {
			continue
		}
		if err := n.deliver(ctx, ep, ev.Type, body); err != nil {
			n.logger.Error("webhook delivery failed",
				"endpoint", ep.Name,
				"type", ev.Type,
				"request", requestID(ev),
				"error", err,
			)
			continue
		}
		n.logger.Debug("webhook delivered", "endpoint", ep.Name, "type", ev.Type, "request", requestID(ev))
	}
}

// deliver posts body to ep. Transport errors and 5xx are retried with
// backoff; other non-2xx statuses fail immediately.
func (n *Notifier) deliver(ctx context.Context, ep Endpoint, typ protocol.EventType, body []byte) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 250 * time.Millisecond
	eb.MaxInterval = 5 * time.Second
	eb.MaxElapsedTime = n.retryFor

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(EventHeader, string(typ))
		switch {
		case ep.Secret != "":
			req.Header.Set(SignatureHeader, Sign(body, ep.Secret))
		case ep.BearerToken != "":
			req.Header.Set("Authorization", "Bearer "+ep.BearerToken)
		}

		resp, err := n.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()

		switch {
		case resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 500:
			return fmt.Errorf("webhook: %s returned %d", ep.Name, resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("webhook: %s returned %d", ep.Name, resp.StatusCode))
		}
	}
	return backoff.Retry(op, backoff.WithContext(eb, ctx))
}

// Sign returns the HMAC-SHA256 signature of body as "sha256=<hex>".
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign. Receivers use it to
// authenticate deliveries.
func Verify(body []byte, secret, signature string) bool {
	if signature == "" {
		return false
	}
	expected, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expected)
}

func requestID(ev protocol.Event) string {
	if ev.Request == nil {
		return ""
	}
	return ev.Request.ID
}
