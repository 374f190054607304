// ABOUTME: Session is one WebSocket connection attached to one room
// ABOUTME: A reader loop feeds commands to the room while a writer goroutine drains the egress buffer

package session

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/2389/coven-rooms/internal/auth"
	"github.com/2389/coven-rooms/internal/backplane"
	"github.com/2389/coven-rooms/internal/metrics"
	"github.com/2389/coven-rooms/internal/room"
)

// Session implements room.Member for a WebSocket connection.
type Session struct {
	id      string
	user    *auth.AuthContext
	convID  string
	conn    *websocket.Conn
	cfg     Config
	limiter *rate.Limiter
	metrics *metrics.Metrics
	logger  *slog.Logger

	egress     chan room.Event
	done       chan struct{}
	closeOnce  sync.Once
	closeCode  int
	closeText  string
	writerDone chan struct{}
}

func newSession(conn *websocket.Conn, user *auth.AuthContext, convID string, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Session {
	id := uuid.New().String()
	return &Session{
		id:         id,
		user:       user,
		convID:     convID,
		conn:       conn,
		cfg:        cfg,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RateBurst),
		metrics:    m,
		logger:     logger.With("session_id", id, "user_id", user.UserID, "room", convID),
		egress:     make(chan room.Event, cfg.SendBuffer),
		done:       make(chan struct{}),
		closeCode:  websocket.CloseNormalClosure,
		writerDone: make(chan struct{}),
	}
}

func (s *Session) ID() string       { return s.id }
func (s *Session) UserID() string   { return s.user.UserID }
func (s *Session) Username() string { return s.user.Username }

// Enqueue queues ev for the writer. wait == 0 never blocks.
func (s *Session) Enqueue(ev room.Event, wait time.Duration) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	if wait <= 0 {
		select {
		case s.egress <- ev:
			return true
		default:
			return false
		}
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case s.egress <- ev:
		return true
	case <-s.done:
		return false
	case <-timer.C:
		return false
	}
}

// Close asks the writer to flush and close the connection.
func (s *Session) Close() {
	s.CloseWith(websocket.CloseNormalClosure, "")
}

// CloseWith closes the connection with a specific close code. Only the
// first call has an effect.
func (s *Session) CloseWith(code int, text string) {
	s.closeOnce.Do(func() {
		s.closeCode = code
		s.closeText = text
		close(s.done)
	})
}

// writePump owns every write on the connection. It exits when the session
// closes or a write fails, and always closes the socket.
func (s *Session) writePump() {
	ticker := time.NewTicker(s.cfg.pingInterval())
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
		close(s.writerDone)
	}()

	for {
		select {
		case ev := <-s.egress:
			if err := s.write(ev); err != nil {
				s.logger.Debug("write failed", "error", err)
				s.Close()
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteWait)); err != nil {
				s.logger.Debug("ping failed", "error", err)
				s.Close()
				return
			}
		case <-s.done:
			s.flush()
			msg := websocket.FormatCloseMessage(s.closeCode, s.closeText)
			_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.cfg.WriteWait))
			return
		}
	}
}

func (s *Session) write(ev room.Event) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
	return s.conn.WriteMessage(websocket.TextMessage, ev.Data)
}

// flush writes whatever is already queued so a final error reaches the
// client before the close frame.
func (s *Session) flush() {
	for {
		select {
		case ev := <-s.egress:
			if err := s.write(ev); err != nil {
				return
			}
		default:
			return
		}
	}
}

// readPump decodes frames and runs them against r until the connection
// fails or closes.
func (s *Session) readPump(ctx context.Context, r *room.Room) {
	s.conn.SetReadLimit(s.cfg.MaxFrameSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.logReadError(err)
			return
		}

		if !s.limiter.Allow() {
			s.reject(room.Validation(room.MsgRateLimited))
			continue
		}

		cmd, err := decodeFrame(data)
		if err != nil {
			s.logger.Debug("undecodable frame", "error", err)
			s.reject(room.AsError(err, room.MsgInvalidFormat))
			continue
		}

		if rerr := r.Execute(ctx, s, cmd); rerr != nil {
			s.sendError(rerr.Message)
		}
	}
}

// reject reports an error the room never saw.
func (s *Session) reject(e *room.Error) {
	s.metrics.ErrorReported(string(e.Kind))
	s.sendError(e.Message)
}

func (s *Session) sendError(msg string) {
	if !s.Enqueue(room.ErrorEvent(msg), s.cfg.WriteWait) {
		s.logger.Debug("dropped error event", "message", msg)
	}
}

func (s *Session) logReadError(err error) {
	var ne net.Error
	switch {
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		s.logger.Debug("client closed connection")
	case errors.As(err, &ne) && ne.Timeout():
		s.logger.Info("connection timed out")
	case errors.Is(err, websocket.ErrReadLimit):
		s.logger.Warn("frame exceeded read limit", "limit", s.cfg.MaxFrameSize)
	case websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		s.logger.Info("unexpected close", "error", err)
	default:
		s.logger.Debug("read ended", "error", err)
	}
}

// forward relays backplane frames addressed to this identity, such as
// notifications from other rooms, until the channel closes. Forwarded
// frames are best effort and never close the session.
func (s *Session) forward(ch <-chan []byte) {
	for data := range ch {
		env, err := backplane.Decode(data)
		if err != nil {
			s.logger.Warn("bad backplane frame", "error", err)
			continue
		}
		if !s.Enqueue(room.Event{Type: env.Kind, Data: env.Payload}, 0) {
			s.logger.Debug("dropped forwarded event",
				"kind", env.Kind,
				"from_room", env.RoomID,
				"age", time.Since(env.Time()))
			continue
		}
		s.metrics.EventSent(env.Kind, 1)
	}
}
