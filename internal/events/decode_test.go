package events

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func raw(topic string, offset int64, body string) Raw {
	return Raw{
		Position: Position{Topic: topic, Partition: 0, Offset: offset},
		Key:      []byte("k-1"),
		Value:    []byte(body),
	}
}

func TestDecode_AppointmentCreated(t *testing.T) {
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	env, err := Decode(raw("appointment-events", 12,
		`{"event_type":"appointment_created","patient_id":"42","doctor_id":7,"appointment_datetime":"2024-05-01T10:00:00Z","extra":{"x":1}}`), now)
	require.NoError(t, err)

	assert.Equal(t, TopicAppointment, env.Topic())
	assert.Equal(t, TypeAppointmentCreated, env.EventType())
	assert.Equal(t, "k-1", env.PartitionKey())
	assert.Equal(t, now, env.ReceivedAt())
	assert.Equal(t, "appointment-events/0/12", env.Identity())

	v, ok := env.Field("doctor_id")
	assert.True(t, ok)
	assert.Equal(t, "7", v)

	_, ok = env.Field("extra")
	assert.False(t, ok, "nested values are dropped")
	_, ok = env.Field("event_type")
	assert.False(t, ok)
}

func TestDecode_BodyTopicOverridesLogTopic(t *testing.T) {
	env, err := Decode(raw("mixed", 1, `{"topic":"user","event_type":"user_login","user_id":3}`), time.Now())
	require.NoError(t, err)
	assert.Equal(t, TopicUser, env.Topic())
}

func TestDecode_MissingEventTypeIsNotAnError(t *testing.T) {
	env, err := Decode(raw("user-events", 1, `{"user_id":3}`), time.Now())
	require.NoError(t, err)
	assert.Equal(t, "", env.EventType())
}

func TestDecode_Malformed(t *testing.T) {
	cases := []struct {
		name  string
		topic string
		body  string
	}{
		{"not json", "user-events", `{oops`},
		{"array body", "user-events", `[1,2]`},
		{"null body", "user-events", `null`},
		{"unknown topic", "billing-events", `{"event_type":"x"}`},
		{"missing required", "appointment-events", `{"event_type":"appointment_created","patient_id":"42"}`},
		{"invalid email", "user-events", `{"event_type":"user_registered","email":"nope"}`},
		{"non numeric amount", "payment-events", `{"event_type":"payment_completed","user_id":"1","amount":"ten"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(raw(tc.topic, 1, tc.body), time.Now())
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformed), "got %v", err)
		})
	}
}

func TestEnvelope_PayloadIsCopied(t *testing.T) {
	src := map[string]string{"a": "1"}
	env := NewEnvelope(TopicUser, "x", src, "", time.Now(), Position{})
	src["a"] = "2"

	p := env.Payload()
	assert.Equal(t, "1", p["a"])
	p["a"] = "3"
	v, _ := env.Field("a")
	assert.Equal(t, "1", v)
}

func TestParseTopic(t *testing.T) {
	for in, want := range map[string]Topic{
		"appointment":        TopicAppointment,
		"payment-events":     TopicPayment,
		" USER ":             TopicUser,
		"appointment-events": TopicAppointment,
	} {
		got, ok := ParseTopic(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := ParseTopic("nope")
	assert.False(t, ok)
}
