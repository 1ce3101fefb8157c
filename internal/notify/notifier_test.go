package notify

import (
	"context"
	"testing"
	"time"
)

func TestNoopNotifier(t *testing.T) {
	n := NewNoopNotifier()
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := n.Subscribe(ctx, TopicSlots)
	if ch == nil {
		t.Fatal("Subscribe should return non-nil channel")
	}

	if err := n.Notify(ctx, TopicSlots); err != nil {
		t.Fatalf("Notify should not return error: %v", err)
	}

	// Noop channel should never receive
	select {
	case <-ch:
		t.Fatal("NoopNotifier should never send notifications")
	case <-time.After(10 * time.Millisecond):
		// expected
	}
}

func TestChannelNotifier_NotifyAndSubscribe(t *testing.T) {
	n := NewChannelNotifier()
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := n.Subscribe(ctx, TopicSlots)
	if ch == nil {
		t.Fatal("Subscribe should return non-nil channel")
	}

	// Notify should deliver to subscriber
	if err := n.Notify(ctx, TopicSlots); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	select {
	case <-ch:
		// success
	case <-time.After(time.Second):
		t.Fatal("expected notification on subscribe channel")
	}
}

func TestChannelNotifier_MultipleTopics(t *testing.T) {
	n := NewChannelNotifier()
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slotsCh := n.Subscribe(ctx, TopicSlots)
	modelsCh := n.Subscribe(ctx, TopicModels)

	// Notify only the slots topic
	if err := n.Notify(ctx, TopicSlots); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	select {
	case <-slotsCh:
		// expected
	case <-time.After(time.Second):
		t.Fatal("expected notification on slots channel")
	}

	select {
	case <-modelsCh:
		t.Fatal("should not receive notification on models channel")
	case <-time.After(10 * time.Millisecond):
		// expected
	}
}

func TestChannelNotifier_NonBlocking(t *testing.T) {
	n := NewChannelNotifier()
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := n.Subscribe(ctx, TopicSlots)

	// Multiple notifies without a read must not block the producer.
	for i := 0; i < 10; i++ {
		if err := n.Notify(ctx, TopicSlots); err != nil {
			t.Fatalf("Notify %d failed: %v", i, err)
		}
	}

	// The subscriber coalesces them into one pending signal.
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected a coalesced notification")
	}
	select {
	case <-ch:
		t.Fatal("expected exactly one pending notification")
	case <-time.After(10 * time.Millisecond):
	}
}

func TestChannelNotifier_CloseClosesSubscribers(t *testing.T) {
	n := NewChannelNotifier()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := n.Subscribe(ctx, TopicSlots)
	if err := n.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel after Close")
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber channel not closed")
	}

	// Notify and Close after Close are no-ops.
	if err := n.Notify(ctx, TopicSlots); err != nil {
		t.Fatalf("Notify after Close should not error: %v", err)
	}
	if err := n.Close(); err != nil {
		t.Fatalf("second Close should not error: %v", err)
	}
}
