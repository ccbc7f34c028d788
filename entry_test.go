package eventrelay

import (
	"errors"
	"testing"

	"github.com/goccy/go-json"

	"github.com/velmie/eventrelay/events"
)

func TestNewEntry(t *testing.T) {
	registry := testRegistry(t)
	typed := events.CommunityCreated{
		CommunityID: "ethereum",
		UserID:      1,
		Name:        "Ethereum",
		Base:        "ethereum",
		CreatedAt:   testNow,
	}
	raw := mustJSON(t, typed)

	cases := []struct {
		name    string
		event   events.Name
		payload any
		err     error
	}{
		{name: "typed", event: events.NameCommunityCreated, payload: typed},
		{name: "typed pointer", event: events.NameCommunityCreated, payload: &typed},
		{name: "raw message", event: events.NameCommunityCreated, payload: raw},
		{name: "bytes", event: events.NameCommunityCreated, payload: []byte(raw)},
		{name: "string", event: events.NameCommunityCreated, payload: string(raw)},
		{name: "map", event: events.NameCommunityCreated, payload: map[string]any{
			"community_id": "ethereum",
			"user_id":      1,
			"name":         "Ethereum",
			"base":         "ethereum",
			"created_at":   testNow,
		}},
		{name: "unknown event", event: "Bogus", payload: raw, err: events.ErrUnknownEvent},
		{name: "name mismatch", event: events.NameGroupCreated, payload: typed, err: events.ErrInvalidPayload},
		{name: "missing payload", event: events.NameCommunityCreated, payload: nil, err: events.ErrInvalidPayload},
		{name: "invalid json", event: events.NameCommunityCreated, payload: `{`, err: events.ErrInvalidPayload},
		{name: "invalid field", event: events.NameCommunityCreated, payload: `{"community_id":"x","user_id":1,"name":"x","base":"bitcoin","created_at":"2025-03-01T10:00:00Z"}`, err: events.ErrInvalidPayload},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			entry, err := NewEntry(registry, tc.event, tc.payload)
			if tc.err != nil {
				if !errors.Is(err, tc.err) {
					t.Fatalf("expected %v, got %v", tc.err, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if entry.Name != tc.event {
				t.Fatalf("expected name %s, got %s", tc.event, entry.Name)
			}
			if _, ok := entry.Event.(events.CommunityCreated); !ok {
				t.Fatalf("expected typed CommunityCreated, got %T", entry.Event)
			}
		})
	}
}

func TestNewEntryCanonicalPayload(t *testing.T) {
	registry := testRegistry(t)
	raw := []byte(`{"base":"near","name":"Near","user_id":5,"community_id":"near","created_at":"2025-03-01T10:00:00Z","extra":"dropped"}`)

	entry, err := NewEntry(registry, events.NameCommunityCreated, raw)
	if err != nil {
		t.Fatalf("new entry: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(entry.Payload, &decoded); err != nil {
		t.Fatalf("decode canonical payload: %v", err)
	}
	if _, ok := decoded["extra"]; ok {
		t.Fatalf("expected unknown fields to be dropped, got %s", entry.Payload)
	}
	if decoded["community_id"] != "near" {
		t.Fatalf("unexpected canonical payload: %s", entry.Payload)
	}
}

func TestNewEntryReportsEveryField(t *testing.T) {
	_, err := NewEntry(testRegistry(t), events.NameThreadCreated, `{"kind":"poll"}`)

	var verr *events.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	for _, field := range []string{"id", "community_id", "address_id", "title", "created_at"} {
		if !verr.Has(field, "required") {
			t.Fatalf("expected %s to be reported as required: %v", field, err)
		}
	}
	if !verr.Has("kind", "oneof") {
		t.Fatalf("expected kind to be reported as oneof: %v", err)
	}
}

func TestNewEntryNilRegistry(t *testing.T) {
	if _, err := NewEntry(nil, events.NameThreadCreated, "{}"); err == nil {
		t.Fatalf("expected error for nil registry")
	}
}

func TestRecordStatus(t *testing.T) {
	if got := (Record{}).Status(); got != StatusPending {
		t.Fatalf("expected pending, got %s", got)
	}
	if got := (Record{Relayed: true}).Status(); got != StatusRelayed {
		t.Fatalf("expected relayed, got %s", got)
	}
}
