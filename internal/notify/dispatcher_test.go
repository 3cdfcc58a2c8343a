package notify

import (
	"context"
	"testing"
	"time"
)

func TestDispatcherPublishesToSubscribers(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, cleanupFirst := dispatcher.Subscribe(ctx)
	defer cleanupFirst()
	second, cleanupSecond := dispatcher.Subscribe(ctx)
	defer cleanupSecond()

	dispatcher.Notify(context.Background(), Event{Kind: KindOrderCreated, SourceID: 100, Success: true})

	for _, stream := range []<-chan Event{first, second} {
		select {
		case received := <-stream:
			if received.Kind != KindOrderCreated || received.SourceID != 100 {
				t.Fatalf("unexpected event %+v", received)
			}
		case <-time.After(500 * time.Millisecond):
			t.Fatal("expected event within deadline")
		}
	}
}

func TestDispatcherDropsWhenSubscriberIsFull(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx)
	defer cleanup()

	for index := 0; index < defaultStreamBuffer+5; index++ {
		dispatcher.Notify(context.Background(), Event{Kind: KindOrderUpdated, SourceID: int64(index + 1)})
	}
	if len(stream) != defaultStreamBuffer {
		t.Fatalf("expected buffer to hold %d events, got %d", defaultStreamBuffer, len(stream))
	}
}

func TestDispatcherUnsubscribesOnCancel(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	_, _ = dispatcher.Subscribe(ctx)
	if dispatcher.Subscribers() != 1 {
		t.Fatalf("expected one subscriber")
	}
	cancel()

	deadline := time.Now().Add(time.Second)
	for dispatcher.Subscribers() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected subscriber to be removed after cancellation")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFanoutSkipsNilNotifiers(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, cleanup := dispatcher.Subscribe(ctx)
	defer cleanup()

	Fanout{nil, Nop{}, dispatcher}.Notify(context.Background(), Event{Kind: KindSyncFailed})
	select {
	case received := <-stream:
		if received.Kind != KindSyncFailed {
			t.Fatalf("unexpected event %+v", received)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected fanout to reach dispatcher")
	}
}
