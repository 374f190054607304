// ABOUTME: Backplane that accepts and discards every frame
// ABOUTME: Used when out-of-room delivery is disabled

package backplane

import "context"

// Nop discards published frames; subscriptions never receive anything.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, string, Message) error { return nil }

// Subscribe returns a channel that is closed once ctx is done.
func (Nop) Subscribe(ctx context.Context, _ string) (<-chan []byte, string) {
	ch := make(chan []byte)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, ""
}

// Unsubscribe implements Subscriber.
func (Nop) Unsubscribe(string, string) {}

// Close implements Backplane.
func (Nop) Close() error { return nil }
