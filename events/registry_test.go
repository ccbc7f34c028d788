package events

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
)

var now = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func catalogRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewCatalogRegistry()
	if err != nil {
		t.Fatalf("catalog registry: %v", err)
	}
	return r
}

func TestNewRegistryRejectsDuplicates(t *testing.T) {
	_, err := NewRegistry(Define[ThreadCreated](), Define[ThreadCreated]())
	if !errors.Is(err, ErrDuplicateEvent) {
		t.Fatalf("expected ErrDuplicateEvent, got %v", err)
	}
}

func TestMustNewRegistryPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	MustNewRegistry(Define[GroupCreated](), Define[GroupCreated]())
}

func TestRegistryNames(t *testing.T) {
	r := catalogRegistry(t)
	names := r.Names()
	if len(names) != len(Catalog()) {
		t.Fatalf("expected %d names, got %d", len(Catalog()), len(names))
	}
	for i := 1; i < len(names); i++ {
		if names[i-1] >= names[i] {
			t.Fatalf("expected sorted names, got %v", names)
		}
	}
	names[0] = "Mutated"
	if r.Names()[0] == "Mutated" {
		t.Fatalf("expected Names to return a copy")
	}
	if !r.Has(NameDiscordMessageCreated) || r.Has("Bogus") {
		t.Fatalf("unexpected Has result")
	}
}

func TestRegistryValidateUnknown(t *testing.T) {
	_, err := catalogRegistry(t).Validate("Bogus", []byte(`{}`))
	if !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("expected ErrUnknownEvent, got %v", err)
	}
}

func TestRegistryValidateReportsAllFields(t *testing.T) {
	_, err := catalogRegistry(t).Validate(NameCommentCreated, []byte(`{"thread_id":-1,"body":"hi"}`))
	if !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	expected := []struct{ field, rule string }{
		{"id", "required"},
		{"thread_id", "gt"},
		{"address_id", "required"},
		{"community_id", "required"},
		{"created_at", "required"},
	}
	for _, e := range expected {
		if !verr.Has(e.field, e.rule) {
			t.Fatalf("expected %s/%s in %v", e.field, e.rule, err)
		}
	}
	if verr.Has("body", "required") {
		t.Fatalf("body was provided: %v", err)
	}
	if !strings.Contains(err.Error(), "CommentCreated") {
		t.Fatalf("expected event name in message: %v", err)
	}
}

func TestRegistryValidateDecodeErrors(t *testing.T) {
	r := catalogRegistry(t)

	cases := []struct {
		name string
		raw  string
		rule string
	}{
		{name: "empty", raw: "", rule: "required"},
		{name: "syntax", raw: `{"id":`, rule: "json"},
		{name: "type", raw: `{"id":"one"}`, rule: "type"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := r.Validate(NameCommentUpvoted, []byte(tc.raw))
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if verr.Fields[0].Rule != tc.rule {
				t.Fatalf("expected rule %s, got %v", tc.rule, verr.Fields)
			}
		})
	}
}

func TestRegistryValidateToleratesUnknownFields(t *testing.T) {
	raw := []byte(`{"id":1,"comment_id":2,"address_id":3,"community_id":"c","reaction":"like","created_at":"2025-03-01T10:00:00Z","future_field":{"a":1}}`)
	event, err := catalogRegistry(t).Validate(NameCommentUpvoted, raw)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	upvote, ok := event.(CommentUpvoted)
	if !ok || upvote.CommentID != 2 {
		t.Fatalf("unexpected decoded event: %#v", event)
	}
}

func TestRegistryValidateEvent(t *testing.T) {
	r := catalogRegistry(t)

	if err := r.ValidateEvent(nil); !errors.Is(err, ErrNilEvent) {
		t.Fatalf("expected ErrNilEvent, got %v", err)
	}
	var nilPtr *GroupCreated
	if err := r.ValidateEvent(nilPtr); !errors.Is(err, ErrNilEvent) {
		t.Fatalf("expected ErrNilEvent for nil pointer, got %v", err)
	}
	if err := r.ValidateEvent(GroupCreated{GroupID: 1, CommunityID: "c", CreatorUserID: 1}); err != nil {
		t.Fatalf("validate event: %v", err)
	}
	if err := r.ValidateEvent(&GroupCreated{}); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}

	small := MustNewRegistry(Define[GroupCreated]())
	if err := small.ValidateEvent(ThreadUpvoted{}); !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("expected ErrUnknownEvent, got %v", err)
	}
}

func TestUserMentionedRequiresTarget(t *testing.T) {
	r := catalogRegistry(t)
	base := UserMentioned{
		AuthorAddressID: 1,
		AuthorUserID:    2,
		AuthorAddress:   "0xabc",
		MentionedUserID: 3,
		CommunityID:     "c",
	}
	if err := r.ValidateEvent(base); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected missing thread or comment to fail, got %v", err)
	}

	threadID := int64(5)
	base.ThreadID = &threadID
	if err := r.ValidateEvent(base); err != nil {
		t.Fatalf("expected thread mention valid, got %v", err)
	}
}

func TestCatalogSamplesAreValid(t *testing.T) {
	r := catalogRegistry(t)
	addr := "0x3333333333333333333333333333333333333333"
	hash := "0x" + strings.Repeat("ab", 32)
	parent := int64(1)
	enabled := true

	samples := []Event{
		ThreadCreated{ID: 1, CommunityID: "c", AddressID: 1, Title: "t", Kind: "link", URL: "https://example.com", CreatedAt: now},
		ThreadUpvoted{ID: 1, ThreadID: 1, AddressID: 1, CommunityID: "c", Reaction: "like", CalculatedVotingWeight: "100", CreatedAt: now},
		CommentCreated{ID: 2, ThreadID: 1, AddressID: 1, ParentID: &parent, CommunityID: "c", Body: "b", UsersMentioned: []int64{4}, CreatedAt: now},
		CommentUpvoted{ID: 1, CommentID: 2, AddressID: 1, CommunityID: "c", Reaction: "like", CreatedAt: now},
		UserMentioned{AuthorAddressID: 1, AuthorUserID: 1, AuthorAddress: addr, MentionedUserID: 2, CommunityID: "c", CommentID: &parent},
		CommunityCreated{CommunityID: "c", UserID: 1, Name: "C", Base: "cosmos", CreatedAt: now},
		GroupCreated{GroupID: 1, CommunityID: "c", CreatorUserID: 1},
		SnapshotProposalCreated{ID: "p", Space: "s", Event: "proposal/created", Start: 10, Expire: 20},
		DiscordMessageCreated{User: DiscordUser{ID: "1", Username: "u"}, Content: "x", MessageID: "m", ChannelID: "c", GuildID: "g", Action: "update"},
		ChainEventCreated{EventSignature: hash, ContractAddress: addr, ChainNodeID: 1, BlockNumber: 10, TransactionHash: hash, ParsedArgs: json.RawMessage(`[1,2]`)},
		ContestStarted{ContestAddress: addr, StartTime: now, EndTime: now.Add(time.Hour), IsOneOff: true},
		ContestContentAdded{ContestAddress: addr, CreatorAddress: addr, ContentURL: "https://example.com/t/1"},
		ContestContentUpvoted{ContestAddress: addr, VoterAddress: addr, VotingPower: "42"},
		SubscriptionPreferencesUpdated{ID: 1, UserID: 1, EmailNotificationsEnabled: &enabled, UpdatedAt: now},
	}
	if len(samples) != len(Catalog()) {
		t.Fatalf("expected a sample for every catalog event")
	}

	for _, sample := range samples {
		t.Run(sample.EventName().String(), func(t *testing.T) {
			if err := r.ValidateEvent(sample); err != nil {
				t.Fatalf("validate event: %v", err)
			}
			raw, err := json.Marshal(sample)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			if _, err := r.Validate(sample.EventName(), raw); err != nil {
				t.Fatalf("validate raw: %v", err)
			}
		})
	}
}

func TestCatalogRejectsConstraintViolations(t *testing.T) {
	r := catalogRegistry(t)
	addr := "0x3333333333333333333333333333333333333333"

	cases := []struct {
		name  string
		event Event
		field string
		rule  string
	}{
		{name: "thread kind", event: ThreadCreated{ID: 1, CommunityID: "c", AddressID: 1, Title: "t", Kind: "poll", CreatedAt: now}, field: "kind", rule: "oneof"},
		{name: "community base", event: CommunityCreated{CommunityID: "c", UserID: 1, Name: "C", Base: "bitcoin", CreatedAt: now}, field: "base", rule: "oneof"},
		{name: "contest window", event: ContestStarted{ContestAddress: addr, StartTime: now, EndTime: now}, field: "end_time", rule: "gtfield"},
		{name: "contest address", event: ContestContentUpvoted{ContestAddress: "nope", VoterAddress: addr, VotingPower: "1"}, field: "contest_address", rule: "eth_addr"},
		{name: "voting power", event: ContestContentUpvoted{ContestAddress: addr, VoterAddress: addr, VotingPower: "lots"}, field: "voting_power", rule: "numeric"},
		{name: "discord user", event: DiscordMessageCreated{User: DiscordUser{ID: "1"}, Content: "x", MessageID: "m", ChannelID: "c", GuildID: "g", Action: "create"}, field: "user.username", rule: "required"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := r.ValidateEvent(tc.event)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if !verr.Has(tc.field, tc.rule) {
				t.Fatalf("expected %s/%s, got %v", tc.field, tc.rule, err)
			}
		})
	}
}
