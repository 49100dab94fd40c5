package events

import (
	"context"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/library"
)

func TestDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx)
	defer cleanup()

	dispatcher.Publish(Event{
		Kind:       KindEntitiesChanged,
		CatalogIDs: []library.CatalogID{"tt001", "tt002"},
	})

	select {
	case received := <-stream:
		if received.Kind != KindEntitiesChanged {
			t.Fatalf("expected kind %s, got %s", KindEntitiesChanged, received.Kind)
		}
		if len(received.CatalogIDs) != 2 {
			t.Fatalf("expected 2 catalog ids, got %d", len(received.CatalogIDs))
		}
		if received.Timestamp.IsZero() {
			t.Fatalf("expected publish to stamp the event")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected event within deadline")
	}
}

func TestDispatcherFiltersByKind(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	peopleStream, cleanup := dispatcher.Subscribe(ctx, KindPeopleChanged)
	defer cleanup()

	dispatcher.Publish(Event{Kind: KindQueueChanged})

	select {
	case <-peopleStream:
		t.Fatal("did not expect a queue event on a people subscription")
	case <-time.After(200 * time.Millisecond):
	}

	dispatcher.Publish(Event{Kind: KindPeopleChanged, People: []library.PersonName{"Alex"}})
	select {
	case event := <-peopleStream:
		if len(event.People) != 1 || event.People[0] != "Alex" {
			t.Fatalf("unexpected event %+v", event)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected people event")
	}
}

func TestDispatcherDropsWhenSubscriberIsSlow(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx)
	defer cleanup()

	for i := 0; i < defaultBufferSize*2; i++ {
		dispatcher.Publish(Event{Kind: KindQueueChanged})
	}
	if len(stream) != defaultBufferSize {
		t.Fatalf("expected buffer to cap at %d, got %d", defaultBufferSize, len(stream))
	}
}

func TestSubscriptionEndsWithContext(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())

	stream, _ := dispatcher.Subscribe(ctx)
	cancel()

	select {
	case _, open := <-stream:
		if open {
			t.Fatal("expected stream to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("expected stream to close after cancellation")
	}

	var nilDispatcher *Dispatcher
	nilDispatcher.Publish(Event{Kind: KindQueueChanged})
}
