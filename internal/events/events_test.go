package events

import (
	"context"
	"sync"
	"testing"
)

func TestMemoryPublisherRecordsEvents(t *testing.T) {
	publisher := NewMemoryPublisher()
	if err := publisher.Publish(context.Background(), Event{Type: TypeVideoCompleted, VideoID: "v1"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := publisher.Publish(context.Background(), Event{Type: TypeVideoFailed, VideoID: "v2", Error: "boom"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	recorded := publisher.Events()
	if len(recorded) != 2 {
		t.Fatalf("expected 2 events, got %d", len(recorded))
	}
	if recorded[0].Type != TypeVideoCompleted || recorded[0].VideoID != "v1" {
		t.Fatalf("first event = %+v", recorded[0])
	}
	if recorded[1].Error != "boom" {
		t.Fatalf("second event = %+v", recorded[1])
	}
}

func TestMemoryPublisherSnapshotIsolation(t *testing.T) {
	publisher := NewMemoryPublisher()
	if err := publisher.Publish(context.Background(), Event{Type: TypeVideoCompleted, VideoID: "v1"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	snapshot := publisher.Events()
	snapshot[0].VideoID = "mutated"
	if publisher.Events()[0].VideoID != "v1" {
		t.Fatal("snapshot mutation leaked into publisher state")
	}
}

func TestMemoryPublisherConcurrentPublish(t *testing.T) {
	publisher := NewMemoryPublisher()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = publisher.Publish(context.Background(), Event{Type: TypeVideoCompleted})
		}()
	}
	wg.Wait()
	if got := len(publisher.Events()); got != 16 {
		t.Fatalf("expected 16 events, got %d", got)
	}
}

func TestNoopPublisher(t *testing.T) {
	var publisher Publisher = NoopPublisher{}
	if err := publisher.Publish(context.Background(), Event{Type: TypeStreamArchived}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := publisher.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
