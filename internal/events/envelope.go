package events

import (
	"fmt"
	"maps"
	"strings"
	"time"
)

// Topic identifies the origin stream of an event.
type Topic string

const (
	TopicAppointment Topic = "appointment"
	TopicUser        Topic = "user"
	TopicPayment     Topic = "payment"
)

// Event type constants for the streams this service understands.
const (
	TypeAppointmentCreated       = "appointment_created"
	TypeAppointmentStatusUpdated = "appointment_status_updated"
	TypeUserRegistered           = "user_registered"
	TypePaymentCompleted         = "payment_completed"
)

// DefaultLogTopics maps the producers' log topic names to envelope topics.
var DefaultLogTopics = map[string]Topic{
	"appointment-events": TopicAppointment,
	"user-events":        TopicUser,
	"payment-events":     TopicPayment,
}

// ParseTopic accepts either a bare topic ("user") or a log topic name
// ("user-events").
func ParseTopic(s string) (Topic, bool) {
	s = strings.TrimSpace(strings.ToLower(s))
	switch Topic(s) {
	case TopicAppointment, TopicUser, TopicPayment:
		return Topic(s), true
	}
	if t, ok := DefaultLogTopics[s]; ok {
		return t, true
	}
	return "", false
}

// Position is the location of a message in the event log. It is stable across
// redelivery and serves as the envelope identity.
type Position struct {
	Topic     string
	Partition int
	Offset    int64
}

func (p Position) String() string {
	return fmt.Sprintf("%s/%d/%d", p.Topic, p.Partition, p.Offset)
}

// Envelope is one decoded inbound event. It is immutable once constructed.
type Envelope struct {
	topic        Topic
	eventType    string
	payload      map[string]string
	partitionKey string
	receivedAt   time.Time
	source       Position
}

// NewEnvelope builds an Envelope. The payload map is copied.
func NewEnvelope(topic Topic, eventType string, payload map[string]string, partitionKey string, receivedAt time.Time, source Position) Envelope {
	cp := make(map[string]string, len(payload))
	maps.Copy(cp, payload)
	return Envelope{
		topic:        topic,
		eventType:    eventType,
		payload:      cp,
		partitionKey: partitionKey,
		receivedAt:   receivedAt,
		source:       source,
	}
}

func (e Envelope) Topic() Topic          { return e.topic }
func (e Envelope) EventType() string     { return e.eventType }
func (e Envelope) PartitionKey() string  { return e.partitionKey }
func (e Envelope) ReceivedAt() time.Time { return e.receivedAt }
func (e Envelope) Source() Position      { return e.source }

// Payload returns a copy of the payload fields.
func (e Envelope) Payload() map[string]string {
	cp := make(map[string]string, len(e.payload))
	maps.Copy(cp, e.payload)
	return cp
}

// Field returns a single payload value.
func (e Envelope) Field(key string) (string, bool) {
	v, ok := e.payload[key]
	return v, ok
}

// Identity is the stable key correlation ids are derived from.
func (e Envelope) Identity() string {
	return e.source.String()
}
