// ABOUTME: Registry maps conversation IDs to live rooms
// ABOUTME: Rooms are created on first join and torn down when the last member leaves

package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-rooms/internal/authz"
	"github.com/2389/coven-rooms/internal/backplane"
	"github.com/2389/coven-rooms/internal/dedupe"
	"github.com/2389/coven-rooms/internal/metrics"
	"github.com/2389/coven-rooms/internal/presence"
	"github.com/2389/coven-rooms/internal/store"
)

// Default tuning used when a Config field is zero.
const (
	DefaultHistoryLimit = 50
	DefaultReplayWait   = 2 * time.Second
	DefaultDedupeTTL    = 5 * time.Minute
	DefaultDedupeSize   = 10000
)

// Config wires a Registry to its collaborators. Store and Authorizer are
// required; the rest have working defaults.
type Config struct {
	Store      Store
	Authorizer authz.Authorizer
	Presence   *presence.Tracker
	Backplane  backplane.Publisher
	Metrics    *metrics.Metrics
	Logger     *slog.Logger

	HistoryLimit        int
	ReplayWait          time.Duration
	DedupeTTL           time.Duration
	DedupeSize          int
	AttachmentURLPrefix string
}

// Stats is a point-in-time view of live rooms.
type Stats struct {
	Rooms   int `json:"rooms"`
	Members int `json:"members"`
	Online  int `json:"online"`
}

// Registry owns every live Room in the process.
type Registry struct {
	deps   *deps
	logger *slog.Logger

	mu    sync.Mutex
	rooms map[string]*Room
}

// NewRegistry creates a registry. It panics if Store or Authorizer is nil.
func NewRegistry(cfg Config) *Registry {
	if cfg.Store == nil || cfg.Authorizer == nil {
		panic("room: registry needs a store and an authorizer")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Presence == nil {
		cfg.Presence = presence.NewTracker()
	}
	if cfg.Backplane == nil {
		cfg.Backplane = backplane.Nop{}
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.ReplayWait <= 0 {
		cfg.ReplayWait = DefaultReplayWait
	}
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = DefaultDedupeTTL
	}
	if cfg.DedupeSize <= 0 {
		cfg.DedupeSize = DefaultDedupeSize
	}

	logger := cfg.Logger.With("component", "rooms")
	g := &Registry{
		deps: &deps{
			store:     cfg.Store,
			authz:     cfg.Authorizer,
			presence:  cfg.Presence,
			backplane: cfg.Backplane,
			dedupe:    dedupe.New[string](cfg.DedupeTTL, cfg.DedupeSize),
			metrics:   cfg.Metrics,
			opts: Options{
				HistoryLimit:        cfg.HistoryLimit,
				ReplayWait:          cfg.ReplayWait,
				AttachmentURLPrefix: cfg.AttachmentURLPrefix,
			},
			logger: logger,
		},
		logger: logger,
		rooms:  make(map[string]*Room),
	}

	cfg.Metrics.GaugeFunc("rooms_active", "Conversations with at least one attached session.",
		func() float64 { return float64(g.Stats().Rooms) })
	cfg.Metrics.GaugeFunc("users_online", "Identities with at least one attached session.",
		func() float64 { return float64(cfg.Presence.Online()) })
	return g
}

// Presence returns the tracker shared by every room.
func (g *Registry) Presence() *presence.Tracker { return g.deps.presence }

// Join attaches m to the conversation's room, creating the room if needed.
// On error m is not registered anywhere.
func (g *Registry) Join(ctx context.Context, conversationID string, m Member) (*Room, error) {
	r, err := g.acquire(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if err := r.Attach(ctx, m); err != nil {
		g.release(r)
		return nil, err
	}
	return r, nil
}

// Leave detaches m from its room and drops the room once nobody holds it.
func (g *Registry) Leave(ctx context.Context, r *Room, m Member) {
	r.Detach(ctx, m)
	g.release(r)
}

func (g *Registry) acquire(ctx context.Context, conversationID string) (*Room, error) {
	g.mu.Lock()
	if r, ok := g.rooms[conversationID]; ok {
		r.refs++
		g.mu.Unlock()
		return r, nil
	}
	g.mu.Unlock()

	conv, err := g.deps.store.GetConversation(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFound("Conversation not found")
	}
	if err != nil {
		return nil, persistence("Failed to join conversation. Please try again.",
			fmt.Errorf("loading conversation %s: %w", conversationID, err))
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[conversationID]
	if !ok {
		r = newRoom(conv, g.deps)
		g.rooms[conversationID] = r
		g.logger.Debug("room opened", "room", conversationID)
	}
	r.refs++
	return r, nil
}

func (g *Registry) release(r *Room) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r.refs--
	if r.refs > 0 {
		return
	}
	if g.rooms[r.id] == r {
		delete(g.rooms, r.id)
	}
	g.logger.Debug("room closed", "room", r.id)
}

// Stats counts live rooms and their attached members.
func (g *Registry) Stats() Stats {
	g.mu.Lock()
	rooms := make([]*Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		rooms = append(rooms, r)
	}
	g.mu.Unlock()

	st := Stats{Rooms: len(rooms), Online: g.deps.presence.Online()}
	for _, r := range rooms {
		st.Members += r.Len()
	}
	return st
}

// Close stops background work owned by the registry. Attached sessions are
// not affected; the caller shuts them down first.
func (g *Registry) Close() {
	g.deps.dedupe.Close()
}
