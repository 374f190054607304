// ABOUTME: In-process backplane fanning encoded envelopes out to topic subscribers
// ABOUTME: Non-blocking: frames are dropped for subscribers whose buffers are full

package backplane

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// Local delivers frames to subscribers in this process.
type Local struct {
	origin string

	mu          sync.RWMutex
	subscribers map[string]map[string]chan []byte // topic -> subID -> ch
	closed      bool

	published atomic.Uint64
	dropped   atomic.Uint64
	logger    *slog.Logger
}

// NewLocal creates an in-process backplane. Pass nil logger for default.
func NewLocal(logger *slog.Logger) *Local {
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{
		origin:      uuid.New().String(),
		subscribers: make(map[string]map[string]chan []byte),
		logger:      logger.With("component", "backplane"),
	}
}

// Origin identifies this process in published envelopes.
func (b *Local) Origin() string { return b.origin }

// Subscribe registers for frames on topic. The subscription is removed when
// ctx is cancelled.
func (b *Local) Subscribe(ctx context.Context, topic string) (<-chan []byte, string) {
	subID := uuid.New().String()
	ch := make(chan []byte, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	if _, ok := b.subscribers[topic]; !ok {
		b.subscribers[topic] = make(map[string]chan []byte)
	}
	b.subscribers[topic][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "topic", topic, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(topic, subID)
	}()

	return ch, subID
}

// Publish encodes msg and sends it to the room topic and, when msg has a
// recipient, to that identity's topic.
func (b *Local) Publish(ctx context.Context, roomID string, msg Message) error {
	data, err := Encode(&Envelope{
		Origin:    b.origin,
		RoomID:    roomID,
		Kind:      msg.Kind,
		Recipient: msg.Recipient,
		Payload:   msg.Payload,
		SentAt:    time.Now().UnixNano(),
	})
	if err != nil {
		return err
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	topics := []string{RoomTopic(roomID)}
	if msg.Recipient != "" {
		topics = append(topics, UserTopic(msg.Recipient))
	}
	var targets []chan []byte
	for _, topic := range topics {
		for _, ch := range b.subscribers[topic] {
			targets = append(targets, ch)
		}
	}

	// Sends happen under the read lock so Unsubscribe cannot close a
	// channel mid-send; every send is non-blocking.
	for _, ch := range targets {
		select {
		case ch <- data:
		default:
			b.dropped.Add(1)
			b.logger.Debug("dropped frame for slow subscriber",
				"room_id", roomID,
				"kind", msg.Kind)
		}
	}
	b.mu.RUnlock()

	b.published.Add(1)
	return nil
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Local) Unsubscribe(topic, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[topic]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, topic)
	}

	b.logger.Debug("subscriber removed", "topic", topic, "sub_id", subID)
}

// Published returns how many frames were accepted for fan-out.
func (b *Local) Published() uint64 { return b.published.Load() }

// Dropped returns how many per-subscriber deliveries were dropped.
func (b *Local) Dropped() uint64 { return b.dropped.Load() }

// Close closes every subscriber channel. Later publishes return ErrClosed.
func (b *Local) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for topic, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, topic)
	}

	b.logger.Debug("backplane closed")
	return nil
}
