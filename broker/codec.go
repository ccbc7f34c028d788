package broker

import (
	"fmt"
	"strconv"
	"time"

	"github.com/velmie/eventrelay/events"
)

// Header keys carried next to the payload by the adapters.
const (
	HeaderEventID    = "event_id"
	HeaderEventName  = "event_name"
	HeaderRoutingKey = "routing_key"
	HeaderTopic      = "topic"
	HeaderCreatedAt  = "created_at"
)

// Headers renders the message metadata as string headers.
func (m Message) Headers() map[string]string {
	h := map[string]string{
		HeaderEventID:    strconv.FormatInt(m.ID, 10),
		HeaderEventName:  string(m.Name),
		HeaderRoutingKey: m.RoutingKey,
		HeaderTopic:      string(m.Topic),
	}
	if !m.CreatedAt.IsZero() {
		h[HeaderCreatedAt] = m.CreatedAt.UTC().Format(time.RFC3339Nano)
	}

	return h
}

// MessageFromHeaders rebuilds a message from headers and a payload body.
func MessageFromHeaders(headers map[string]string, payload []byte) (Message, error) {
	id, err := strconv.ParseInt(headers[HeaderEventID], 10, 64)
	if err != nil {
		return Message{}, fmt.Errorf("broker: invalid %s header: %w", HeaderEventID, err)
	}
	key := headers[HeaderRoutingKey]
	name := events.Name(headers[HeaderEventName])
	if name == "" {
		name = EventNameOf(key)
	}
	if key == "" {
		key = string(name)
	}
	topic := Topic(headers[HeaderTopic])
	if topic == "" {
		topic = TopicFor(name)
	}

	msg := Message{
		ID:         id,
		Topic:      topic,
		Name:       name,
		RoutingKey: key,
		Payload:    payload,
	}
	if raw := headers[HeaderCreatedAt]; raw != "" {
		createdAt, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return Message{}, fmt.Errorf("broker: invalid %s header: %w", HeaderCreatedAt, err)
		}
		msg.CreatedAt = createdAt
	}

	return msg, nil
}
