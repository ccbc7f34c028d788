package broker

import (
	"testing"
	"time"

	"github.com/velmie/eventrelay/events"
)

func TestMessageHeadersRoundTrip(t *testing.T) {
	created := time.Date(2025, 3, 1, 10, 0, 0, 123, time.UTC)
	msg := NewMessage(42, events.ThreadUpvoted{ContestManagers: []events.ContestManager{{ContestAddress: "0x1"}}}, []byte(`{"id":1}`), created)

	got, err := MessageFromHeaders(msg.Headers(), msg.Payload)
	if err != nil {
		t.Fatalf("from headers: %v", err)
	}
	if got.ID != 42 || got.Name != events.NameThreadUpvoted || got.RoutingKey != "ThreadUpvoted.Contest" || got.Topic != TopicMessageRelayer {
		t.Fatalf("unexpected message: %+v", got)
	}
	if !got.CreatedAt.Equal(created) {
		t.Fatalf("expected created_at %v, got %v", created, got.CreatedAt)
	}
}

func TestMessageFromHeadersFallbacks(t *testing.T) {
	got, err := MessageFromHeaders(map[string]string{
		HeaderEventID:    "7",
		HeaderRoutingKey: "DiscordMessageCreated",
	}, nil)
	if err != nil {
		t.Fatalf("from headers: %v", err)
	}
	if got.Name != events.NameDiscordMessageCreated || got.Topic != TopicDiscordListener {
		t.Fatalf("expected name and topic derived from routing key, got %+v", got)
	}

	if _, err := MessageFromHeaders(map[string]string{}, nil); err == nil {
		t.Fatalf("expected error for missing event id")
	}
	if _, err := MessageFromHeaders(map[string]string{HeaderEventID: "1", HeaderCreatedAt: "yesterday"}, nil); err == nil {
		t.Fatalf("expected error for invalid created_at")
	}
}
