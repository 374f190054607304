// ABOUTME: HTTP handler for GET /ws/chat/{conversation}/ WebSocket handshakes
// ABOUTME: Authenticates and authorizes before upgrading, then runs the session until it ends

package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/2389/coven-rooms/internal/auth"
	"github.com/2389/coven-rooms/internal/authz"
	"github.com/2389/coven-rooms/internal/backplane"
	"github.com/2389/coven-rooms/internal/metrics"
	"github.com/2389/coven-rooms/internal/room"
	"github.com/2389/coven-rooms/internal/store"
)

// Store is what the handshake needs from persistence.
type Store interface {
	auth.UserStore
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
}

// HandlerConfig wires a Handler. Registry, Store, Verifier and Authorizer
// are required.
type HandlerConfig struct {
	Registry   *room.Registry
	Store      Store
	Verifier   auth.TokenVerifier
	Authorizer authz.Authorizer
	Backplane  backplane.Subscriber
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	Session    Config

	// CheckOrigin overrides the upgrader's same-origin check.
	CheckOrigin func(r *http.Request) bool
}

// Handler accepts WebSocket connections and tracks live sessions so they
// can be closed on shutdown.
type Handler struct {
	registry   *room.Registry
	store      Store
	verifier   auth.TokenVerifier
	authz      authz.Authorizer
	backplane  backplane.Subscriber
	metrics    *metrics.Metrics
	logger     *slog.Logger
	sessionCfg Config
	upgrader   websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*Session
	closing  bool
	wg       sync.WaitGroup
}

// NewHandler creates a Handler.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Backplane == nil {
		cfg.Backplane = backplane.Nop{}
	}
	return &Handler{
		registry:   cfg.Registry,
		store:      cfg.Store,
		verifier:   cfg.Verifier,
		authz:      cfg.Authorizer,
		backplane:  cfg.Backplane,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger.With("component", "sessions"),
		sessionCfg: cfg.Session.withDefaults(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     cfg.CheckOrigin,
		},
		sessions: make(map[string]*Session),
	}
}

// ServeHTTP performs the handshake checks and, on success, runs the session
// on the calling goroutine until it ends.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	convID := r.PathValue("conversation")
	if convID == "" {
		h.refuse(w, r, http.StatusNotFound, "conversation not found", nil)
		return
	}

	user, err := auth.Authenticate(r, h.store, h.verifier)
	if err != nil {
		h.refuse(w, r, http.StatusUnauthorized, "unauthorized", err)
		return
	}

	_, err = h.store.GetConversation(r.Context(), convID)
	if errors.Is(err, store.ErrNotFound) {
		h.refuse(w, r, http.StatusNotFound, "conversation not found", nil)
		return
	}
	if err != nil {
		h.refuse(w, r, http.StatusInternalServerError, "internal error", err)
		return
	}

	ok, err := h.authz.CanView(r.Context(), user.UserID, convID)
	if err != nil {
		h.refuse(w, r, http.StatusInternalServerError, "internal error", err)
		return
	}
	if !ok {
		h.refuse(w, r, http.StatusForbidden, "forbidden", nil)
		return
	}

	if !h.admit() {
		h.refuse(w, r, http.StatusServiceUnavailable, "shutting down", nil)
		return
	}
	defer h.wg.Done()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		h.logger.Debug("upgrade failed", "error", err)
		return
	}

	s := newSession(conn, user, convID, h.sessionCfg, h.metrics, h.logger)
	h.run(s)
}

// run drives a session from attach to detach.
func (h *Handler) run(s *Session) {
	h.track(s)
	defer h.untrack(s)
	h.metrics.SessionOpened()
	defer h.metrics.SessionClosed()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.writePump()

	rm, err := h.registry.Join(ctx, s.convID, s)
	if err != nil {
		rerr := room.AsError(err, "Failed to join conversation. Please try again.")
		s.logger.Warn("join refused", "kind", rerr.Kind, "error", err)
		s.sendError(rerr.Message)
		s.CloseWith(websocket.ClosePolicyViolation, rerr.Message)
		<-s.writerDone
		return
	}

	ch, _ := h.backplane.Subscribe(ctx, backplane.UserTopic(s.UserID()))
	go s.forward(ch)

	s.logger.Info("session started")
	s.readPump(ctx, rm)

	h.registry.Leave(ctx, rm, s)
	s.Close()
	<-s.writerDone
	s.logger.Info("session ended")
}

func (h *Handler) admit() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.wg.Add(1)
	return true
}

func (h *Handler) track(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		s.CloseWith(websocket.CloseGoingAway, "server shutting down")
	}
	h.sessions[s.id] = s
}

func (h *Handler) untrack(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, s.id)
}

// Len returns the number of live sessions.
func (h *Handler) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Shutdown refuses new handshakes, closes every live session with a going
// away status and waits for them to detach or for ctx to expire.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	for _, s := range h.sessions {
		s.CloseWith(websocket.CloseGoingAway, "server shutting down")
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handler) refuse(w http.ResponseWriter, r *http.Request, status int, msg string, err error) {
	attrs := []any{"status", status, "path", r.URL.Path, "remote", r.RemoteAddr}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("handshake failed", attrs...)
	} else {
		h.logger.Warn("handshake refused", attrs...)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
