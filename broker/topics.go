package broker

import (
	"sort"
	"strings"

	"github.com/velmie/eventrelay/events"
)

// Topic is a publication topic (exchange) the relay publishes to.
type Topic string

const (
	TopicMessageRelayer  Topic = "MessageRelayer"
	TopicDiscordListener Topic = "DiscordListener"
)

// Topics returns every publication topic.
func Topics() []Topic {
	return []Topic{TopicMessageRelayer, TopicDiscordListener}
}

// Subscription is a consumer queue bound to publication topics by routing key.
type Subscription string

const (
	SubscriptionChainEvent            Subscription = "ChainEvent"
	SubscriptionNotificationsProvider Subscription = "NotificationsProvider"
	SubscriptionNotificationsSettings Subscription = "NotificationsSettings"
	SubscriptionContestWorkerPolicy   Subscription = "ContestWorkerPolicy"
	SubscriptionContestProjection     Subscription = "ContestProjection"
	SubscriptionDiscordBotPolicy      Subscription = "DiscordBotPolicy"
	SubscriptionSnapshotListener      Subscription = "SnapshotListener"
)

// ContestTag is appended to routing keys of thread events linked to a contest.
const ContestTag = "Contest"

// TopicFor maps an event name to its publication topic.
func TopicFor(name events.Name) Topic {
	if name == events.NameDiscordMessageCreated {
		return TopicDiscordListener
	}

	return TopicMessageRelayer
}

// RoutingKey returns the routing key for a typed event: the event name, with a
// ".Contest" suffix for thread events that belong to a running contest.
func RoutingKey(event events.Event) string {
	name := string(event.EventName())

	switch e := event.(type) {
	case events.ThreadCreated:
		if hasActiveContest(e.ContestManagers) {
			return name + "." + ContestTag
		}
	case events.ThreadUpvoted:
		if hasActiveContest(e.ContestManagers) {
			return name + "." + ContestTag
		}
	}

	return name
}

// EventNameOf extracts the event name from a routing key.
func EventNameOf(routingKey string) events.Name {
	name, _, _ := strings.Cut(routingKey, ".")

	return events.Name(name)
}

// TopicForRoutingKey maps a routing key to its publication topic.
func TopicForRoutingKey(routingKey string) Topic {
	return TopicFor(EventNameOf(routingKey))
}

func hasActiveContest(managers []events.ContestManager) bool {
	for _, m := range managers {
		if !m.Ended {
			return true
		}
	}

	return false
}

// Bindings maps subscriptions to the routing keys they consume.
type Bindings map[Subscription][]string

// DefaultBindings returns the forum subscription topology.
func DefaultBindings() Bindings {
	contest := func(name events.Name) string { return string(name) + "." + ContestTag }

	return Bindings{
		SubscriptionChainEvent: {
			string(events.NameChainEventCreated),
		},
		SubscriptionNotificationsProvider: {
			string(events.NameChainEventCreated),
			string(events.NameSnapshotProposalCreated),
			string(events.NameUserMentioned),
			string(events.NameCommentCreated),
			string(events.NameThreadUpvoted),
			contest(events.NameThreadUpvoted),
			string(events.NameCommentUpvoted),
			string(events.NameCommunityCreated),
		},
		SubscriptionNotificationsSettings: {
			string(events.NameSubscriptionPreferencesUpdated),
		},
		SubscriptionContestWorkerPolicy: {
			contest(events.NameThreadCreated),
			contest(events.NameThreadUpvoted),
		},
		SubscriptionContestProjection: {
			string(events.NameContestStarted),
			string(events.NameContestContentAdded),
			string(events.NameContestContentUpvoted),
		},
		SubscriptionDiscordBotPolicy: {
			string(events.NameDiscordMessageCreated),
		},
		SubscriptionSnapshotListener: {
			string(events.NameSnapshotProposalCreated),
		},
	}
}

// Keys returns the routing keys bound to sub.
func (b Bindings) Keys(sub Subscription) []string {
	return b[sub]
}

// Matches reports whether sub is bound to routingKey.
func (b Bindings) Matches(sub Subscription, routingKey string) bool {
	for _, key := range b[sub] {
		if key == routingKey {
			return true
		}
	}

	return false
}

// SubscribersOf returns the subscriptions bound to routingKey, sorted.
func (b Bindings) SubscribersOf(routingKey string) []Subscription {
	var out []Subscription
	for sub := range b {
		if b.Matches(sub, routingKey) {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })

	return out
}
