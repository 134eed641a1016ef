package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/h1v3-io/hitl/internal/broker"
	"github.com/h1v3-io/hitl/internal/logbuf"
	"github.com/h1v3-io/hitl/internal/store"
	"github.com/h1v3-io/hitl/pkg/protocol"
)

// LogQuerier abstracts log entry querying to avoid coupling to logbuf.Buffer.
type LogQuerier interface {
	Query(f logbuf.Filter) []logbuf.Entry
}

// Broker is what the API server needs from the request broker.
type Broker interface {
	Create(p broker.CreateParams) (*protocol.Request, error)
	Get(id string) (*protocol.Request, error)
	List(filter store.Filter) ([]*protocol.Request, error)
	Wait(ctx context.Context, id string, poll time.Duration) (*protocol.Request, error)
	Submit(id string, output json.RawMessage) (*protocol.Request, error)
}

// Config holds API server configuration.
type Config struct {
	Host string
	Port int

	// Metrics, if set, is served at GET /metrics.
	Metrics http.Handler
}

// Server is the HTTP surface of the broker.
type Server struct {
	broker   Broker
	cfg      Config
	logger   *slog.Logger
	logs     LogQuerier
	hub      *Hub
	validate *validator.Validate
	srv      *http.Server
}

// NewServer creates a new API server. logs and hub may be nil; without a hub
// the /ws endpoint is not registered.
func NewServer(b Broker, cfg Config, logger *slog.Logger, logs LogQuerier, hub *Hub) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		broker:   b,
		cfg:      cfg,
		logger:   logger.With("component", "api"),
		logs:     logs,
		hub:      hub,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("POST /api/requests", s.handleCreateRequest)
	mux.HandleFunc("GET /api/requests", s.handleListRequests)
	mux.HandleFunc("GET /api/requests/{id}", s.handleGetRequest)
	mux.HandleFunc("GET /api/requests/{id}/wait", s.handleWait)
	mux.HandleFunc("POST /api/requests/{id}/response", s.handleSubmitResponse)
	mux.HandleFunc("GET /api/logs", s.handleGetLogs)
	if hub != nil {
		mux.HandleFunc("GET /ws", s.handleWS)
	}
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics)
	}

	s.srv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           corsMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start begins listening. Blocks until ctx is cancelled. Requests in flight,
// including long polls, see ctx as their base context and end with it.
func (s *Server) Start(ctx context.Context) error {
	s.srv.BaseContext = func(net.Listener) context.Context { return ctx }
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutCtx)
	}()

	s.logger.Info("api server starting", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createRequestBody struct {
	Type      protocol.WidgetType `json:"type" validate:"required,oneof=confirm select form"`
	SessionID string              `json:"sessionId" validate:"max=256"`
	Input     json.RawMessage     `json:"input" validate:"required"`
	Timeout   int                 `json:"timeout" validate:"gte=0,lte=31536000"` // seconds
}

// maxTimeoutSeconds bounds any caller-supplied timeout (one year), well below
// the point where converting seconds to a time.Duration overflows.
const maxTimeoutSeconds = 31536000

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var body createRequestBody
	if !s.decode(w, r, &body) {
		return
	}

	req, err := s.broker.Create(broker.CreateParams{
		SessionID: body.SessionID,
		Type:      body.Type,
		Input:     body.Input,
		Timeout:   time.Duration(body.Timeout) * time.Second,
	})
	if err != nil {
		s.writeBrokerError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.Filter{SessionID: q.Get("sessionId")}
	if status := q.Get("status"); status != "" {
		st := protocol.Status(status)
		switch st {
		case protocol.StatusPending, protocol.StatusAnswered, protocol.StatusExpired:
			filter.Status = &st
		default:
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", status))
			return
		}
	}
	if limitStr := q.Get("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil && n > 0 {
			filter.Limit = n
		}
	}

	reqs, err := s.broker.List(filter)
	if err != nil {
		s.writeBrokerError(w, err, nil)
		return
	}
	if reqs == nil {
		reqs = []*protocol.Request{}
	}
	writeJSON(w, http.StatusOK, reqs)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.broker.Get(r.PathValue("id"))
	if err != nil {
		s.writeBrokerError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleWait(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	req, err := s.broker.Wait(r.Context(), id, parsePollTimeout(r.URL.Query().Get("timeout")))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, req)
	case r.Context().Err() != nil:
		s.logger.Debug("wait abandoned by caller", "request", id)
	default:
		s.writeBrokerError(w, err, req)
	}
}

// parsePollTimeout converts the wait ?timeout= seconds. Missing or unparseable
// values return 0 (the broker default); large values are capped before the
// conversion and then clamped by the broker's max poll window.
func parsePollTimeout(raw string) time.Duration {
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0
	}
	return time.Duration(min(n, maxTimeoutSeconds)) * time.Second
}

type submitResponseBody struct {
	Output json.RawMessage `json:"output" validate:"required"`
}

func (s *Server) handleSubmitResponse(w http.ResponseWriter, r *http.Request) {
	var body submitResponseBody
	if !s.decode(w, r, &body) {
		return
	}

	req, err := s.broker.Submit(r.PathValue("id"), body.Output)
	if err != nil {
		s.writeBrokerError(w, err, req)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeJSON(w, http.StatusOK, []logbuf.Entry{})
		return
	}

	q := r.URL.Query()
	f := logbuf.Filter{
		Limit:     200,
		MinLevel:  slog.LevelDebug,
		RequestID: q.Get("request"),
	}
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			f.Limit = n
		}
	}
	if lvl := q.Get("level"); lvl != "" {
		f.MinLevel = logbuf.ParseLevel(lvl)
	}
	if since := q.Get("since"); since != "" {
		if ms, err := strconv.ParseInt(since, 10, 64); err == nil {
			f.Since = time.UnixMilli(ms)
		} else if ts, err := time.Parse(time.RFC3339, since); err == nil {
			f.Since = ts
		}
	}

	writeJSON(w, http.StatusOK, s.logs.Query(f))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	session := r.URL.Query().Get("sessionId")
	s.hub.Serve(w, r, func() ([]*protocol.Request, error) {
		pending := protocol.StatusPending
		return s.broker.List(store.Filter{Status: &pending, SessionID: session})
	})
}

// --- Helpers ---

// decode parses and validates a JSON body, writing a 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			writeError(w, http.StatusBadRequest, fmt.Sprintf("%s failed %q validation", fe.Field(), fe.Tag()))
			return false
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// writeBrokerError maps broker errors to HTTP statuses. cur is the snapshot
// the broker returned alongside the error, if any.
func (s *Server) writeBrokerError(w http.ResponseWriter, err error, cur *protocol.Request) {
	switch {
	case errors.Is(err, broker.ErrNotFound):
		writeError(w, http.StatusNotFound, "request not found")
	case errors.Is(err, broker.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, broker.ErrPollTimeout):
		writeError(w, http.StatusRequestTimeout, err.Error())
	case errors.Is(err, broker.ErrAlreadyFinal):
		writeJSON(w, http.StatusConflict, errorBody{Error: "request already completed", Request: cur})
	case errors.Is(err, broker.ErrExpired):
		writeJSON(w, http.StatusGone, errorBody{Error: err.Error(), Request: cur})
	case errors.Is(err, broker.ErrUnavailable):
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error(), Request: cur})
	default:
		s.logger.Error("broker call failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type errorBody struct {
	Error   string            `json:"error"`
	Request *protocol.Request `json:"request,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
