// Package notify provides a push-based wake-up layer for capacity waiters.
// Instead of relying solely on interval polling, goroutines blocked on a
// job-type slot or a model dimension subscribe to a topic and wake up
// immediately when capacity is released.
//
// Implementations:
//   - NoopNotifier: never sends notifications; waiters rely purely on polling
//   - ChannelNotifier: in-process channel-based notifier suitable for
//     single-instance deployments
//
// When capacity returns (a job finishes, a ratio adjustment lands, a new
// cluster allocation arrives) the producer calls Notify(). Subscribed
// waiters receive the signal and immediately re-attempt their acquisition.
package notify

import (
	"context"
	"sync"
)

// Topic identifies a capacity domain for notification routing.
type Topic string

const (
	// TopicSlots wakes waiters blocked on job-type slot acquisition.
	TopicSlots Topic = "slots"
	// TopicModels wakes waiters blocked on any model dimension.
	TopicModels Topic = "models"
	// TopicAllocation signals a new cluster allocation landed.
	TopicAllocation Topic = "allocation"
)

// Notifier provides push-based notifications for capacity waiters.
// It complements (not replaces) bounded polling, reducing wake-up
// latency from the poll interval to near-zero.
type Notifier interface {
	// Notify signals that capacity may be available on the given topic.
	Notify(ctx context.Context, topic Topic) error

	// Subscribe returns a channel that receives signals when capacity
	// returns on the given topic. The channel is closed when the
	// context is cancelled or Close is called.
	Subscribe(ctx context.Context, topic Topic) <-chan struct{}

	// Close releases all resources held by the notifier.
	Close() error
}

// NoopNotifier is a no-op implementation that never sends notifications.
// Waiters fall back to pure polling when this notifier is used.
type NoopNotifier struct{}

func NewNoopNotifier() *NoopNotifier { return &NoopNotifier{} }

func (n *NoopNotifier) Notify(_ context.Context, _ Topic) error { return nil }

func (n *NoopNotifier) Subscribe(ctx context.Context, _ Topic) <-chan struct{} {
	// Return a channel that is never written to; waiters rely on ticker.
	// The channel is closed when the context is cancelled to prevent goroutine leaks.
	ch := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch
}

func (n *NoopNotifier) Close() error { return nil }

// ChannelNotifier is an in-process, channel-based notifier suitable for
// single-instance deployments. It provides near-zero latency notification
// without requiring external infrastructure like Redis.
type ChannelNotifier struct {
	mu          sync.Mutex
	subscribers map[Topic][]chan struct{}
	closed      bool
}

func NewChannelNotifier() *ChannelNotifier {
	return &ChannelNotifier{
		subscribers: make(map[Topic][]chan struct{}),
	}
}

func (n *ChannelNotifier) Notify(_ context.Context, topic Topic) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	for _, ch := range n.subscribers[topic] {
		select {
		case ch <- struct{}{}:
		default:
			// Non-blocking: subscriber already has a pending notification
		}
	}
	return nil
}

func (n *ChannelNotifier) Subscribe(ctx context.Context, topic Topic) <-chan struct{} {
	ch := make(chan struct{}, 1)

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		close(ch)
		return ch
	}
	n.subscribers[topic] = append(n.subscribers[topic], ch)
	n.mu.Unlock()

	go func() {
		<-ctx.Done()
		n.mu.Lock()
		defer n.mu.Unlock()
		subs := n.subscribers[topic]
		for i, s := range subs {
			if s == ch {
				n.subscribers[topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}()

	return ch
}

func (n *ChannelNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	for _, subs := range n.subscribers {
		for _, ch := range subs {
			close(ch)
		}
	}
	n.subscribers = nil
	return nil
}
