package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// ErrMalformed marks a message that cannot become a valid Envelope. Such
// messages are skipped; their offset still advances.
var ErrMalformed = errors.New("malformed event")

// Raw is an undecoded message as read from the event log.
type Raw struct {
	Position
	Key   []byte
	Value []byte
}

type schemaKey struct {
	topic     Topic
	eventType string
}

// schemas holds the required payload fields per (topic, event_type), in
// validator rule syntax. Pairs not listed here decode without validation and
// are left to the router as unmatched.
var schemas = map[schemaKey]map[string]any{
	{TopicAppointment, TypeAppointmentCreated}: {
		"patient_id":           "required",
		"doctor_id":            "required",
		"appointment_datetime": "required",
	},
	{TopicAppointment, TypeAppointmentStatusUpdated}: {
		"appointment_id": "required",
		"status":         "required",
	},
	{TopicUser, TypeUserRegistered}: {
		"email": "required,email",
	},
	{TopicPayment, TypePaymentCompleted}: {
		"user_id": "required",
		"amount":  "required,numeric",
	},
}

var validate = validator.New()

// Decode turns a raw log message into an Envelope. receivedAt is assigned by
// the caller; upstream timestamps are not trusted.
func Decode(raw Raw, receivedAt time.Time) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(raw.Value))
	dec.UseNumber()

	var body map[string]any
	if err := dec.Decode(&body); err != nil {
		return Envelope{}, fmt.Errorf("%w: %s: %v", ErrMalformed, raw.Position, err)
	}
	if body == nil {
		return Envelope{}, fmt.Errorf("%w: %s: body is not an object", ErrMalformed, raw.Position)
	}

	topicName := raw.Topic
	if v, ok := body["topic"].(string); ok && v != "" {
		topicName = v
	}
	topic, ok := ParseTopic(topicName)
	if !ok {
		return Envelope{}, fmt.Errorf("%w: %s: unknown topic %q", ErrMalformed, raw.Position, topicName)
	}

	eventType, _ := body["event_type"].(string)
	eventType = strings.TrimSpace(eventType)

	payload := make(map[string]string, len(body))
	for k, v := range body {
		if k == "topic" || k == "event_type" {
			continue
		}
		if s, ok := scalarString(v); ok {
			payload[k] = s
		}
	}

	if err := validatePayload(topic, eventType, payload); err != nil {
		return Envelope{}, fmt.Errorf("%w: %s: %v", ErrMalformed, raw.Position, err)
	}

	return NewEnvelope(topic, eventType, payload, string(raw.Key), receivedAt, raw.Position), nil
}

func validatePayload(topic Topic, eventType string, payload map[string]string) error {
	rules, ok := schemas[schemaKey{topic, eventType}]
	if !ok {
		return nil
	}
	data := make(map[string]any, len(rules))
	for field := range rules {
		data[field] = payload[field]
	}
	errs := validate.ValidateMap(data, rules)
	if len(errs) == 0 {
		return nil
	}
	fields := make([]string, 0, len(errs))
	for f := range errs {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fmt.Errorf("%s/%s: invalid fields %s", topic, eventType, strings.Join(fields, ","))
}

// scalarString normalizes JSON scalars to strings. Objects, arrays and null
// are dropped.
func scalarString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		return "", false
	}
}
