// ABOUTME: Backplane interfaces, topics and the CBOR envelope wire format
// ABOUTME: Envelopes wrap an already JSON-encoded client event with routing metadata

package backplane

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// ErrClosed is returned when publishing on a closed backplane.
var ErrClosed = errors.New("backplane closed")

// Message is what a room hands to the backplane.
type Message struct {
	Kind      string // client event type, e.g. "notification"
	Recipient string // identity for directed frames; empty for room-wide
	Payload   []byte // JSON client event, forwarded to sockets untouched
}

// Publisher sends room events to out-of-room participants.
type Publisher interface {
	Publish(ctx context.Context, roomID string, msg Message) error
}

// Subscriber receives encoded envelopes for a topic. The channel is closed
// when ctx is done, on Unsubscribe, or when the backplane closes.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string) (<-chan []byte, string)
	Unsubscribe(topic, subID string)
}

// Backplane is the full pub/sub surface.
type Backplane interface {
	Publisher
	Subscriber
	Close() error
}

// RoomTopic names the topic carrying every frame for a room.
func RoomTopic(roomID string) string { return "room:" + roomID }

// UserTopic names the topic carrying frames addressed to one identity.
func UserTopic(userID string) string { return "user:" + userID }

// Envelope is the encoded unit on the backplane.
type Envelope struct {
	Origin    string `cbor:"1,keyasint"`
	RoomID    string `cbor:"2,keyasint"`
	Kind      string `cbor:"3,keyasint"`
	Recipient string `cbor:"4,keyasint,omitempty"`
	Payload   []byte `cbor:"5,keyasint"`
	SentAt    int64  `cbor:"6,keyasint"` // unix nanoseconds
}

// Time returns when the envelope was published.
func (e *Envelope) Time() time.Time {
	return time.Unix(0, e.SentAt)
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("backplane: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("backplane: CBOR decoder initialization failed: " + err.Error())
	}
}

// Encode serializes an envelope.
func Encode(e *Envelope) ([]byte, error) {
	data, err := encMode.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}
	return data, nil
}

// Decode parses an encoded envelope.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := decMode.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	return &e, nil
}
