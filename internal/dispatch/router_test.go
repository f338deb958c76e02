package dispatch

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darkden-lab/dispatchd/internal/events"
)

// countingMetrics records router and executor calls.
type countingMetrics struct {
	mu       sync.Mutex
	routed   map[string]int
	attempts map[Channel]map[Status]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{
		routed:   make(map[string]int),
		attempts: make(map[Channel]map[Status]int),
	}
}

func (m *countingMetrics) EnvelopeRouted(_ events.Topic, result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routed[result]++
}

func (m *countingMetrics) NotificationAttempted(ch Channel, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attempts[ch] == nil {
		m.attempts[ch] = make(map[Status]int)
	}
	m.attempts[ch][status]++
}

func (m *countingMetrics) routedCount(result string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.routed[result]
}

func (m *countingMetrics) attemptCount(ch Channel, status Status) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts[ch][status]
}

func newTestRouter(t *testing.T, m RouterMetrics) *Router {
	t.Helper()
	r, err := NewRouter(DefaultRules, RouterConfig{}, m, zerolog.Nop())
	require.NoError(t, err)
	return r
}

func envelope(topic events.Topic, eventType string, offset int64, payload map[string]string) events.Envelope {
	return events.NewEnvelope(topic, eventType, payload, "", time.Now(),
		events.Position{Topic: string(topic) + "-events", Partition: 0, Offset: offset})
}

func TestRouter_AppointmentCreated(t *testing.T) {
	m := newCountingMetrics()
	r := newTestRouter(t, m)

	env := envelope(events.TopicAppointment, events.TypeAppointmentCreated, 5, map[string]string{
		"patient_id":           "42",
		"doctor_id":            "7",
		"appointment_datetime": "2024-05-01T10:00:00Z",
	})

	intents := r.Route(env)
	require.Len(t, intents, 2)

	assert.Equal(t, ChannelEmail, intents[0].Channel)
	assert.Equal(t, "patient-42@healthcare.com", intents[0].Recipient)
	assert.Equal(t, "Your appointment has been scheduled for 2024-05-01T10:00:00Z", intents[0].Message)

	assert.Equal(t, "doctor-7@healthcare.com", intents[1].Recipient)
	assert.Equal(t, "New appointment scheduled with patient 42 at 2024-05-01T10:00:00Z", intents[1].Message)

	assert.NotEqual(t, intents[0].CorrelationID, intents[1].CorrelationID)
	assert.Equal(t, 1, m.routedCount(RouteRouted))
}

func TestRouter_RedeliveryYieldsSameIDs(t *testing.T) {
	r := newTestRouter(t, nil)
	payload := map[string]string{"patient_id": "1", "doctor_id": "2", "appointment_datetime": "x"}

	first := r.Route(envelope(events.TopicAppointment, events.TypeAppointmentCreated, 9, payload))
	again := r.Route(envelope(events.TopicAppointment, events.TypeAppointmentCreated, 9, payload))
	other := r.Route(envelope(events.TopicAppointment, events.TypeAppointmentCreated, 10, payload))

	require.Len(t, first, 2)
	require.Len(t, again, 2)
	for i := range first {
		assert.Equal(t, first[i].CorrelationID, again[i].CorrelationID)
		assert.NotEqual(t, first[i].CorrelationID, other[i].CorrelationID)
	}
}

func TestRouter_OtherRules(t *testing.T) {
	r := newTestRouter(t, nil)

	got := r.Route(envelope(events.TopicAppointment, events.TypeAppointmentStatusUpdated, 1,
		map[string]string{"appointment_id": "a-9", "status": "cancelled"}))
	require.Len(t, got, 1)
	assert.Equal(t, "admin@healthcare.com", got[0].Recipient)
	assert.Equal(t, "Appointment a-9 status updated to: cancelled", got[0].Message)

	got = r.Route(envelope(events.TopicUser, events.TypeUserRegistered, 1,
		map[string]string{"email": "jane@example.org"}))
	require.Len(t, got, 1)
	assert.Equal(t, "jane@example.org", got[0].Recipient)

	got = r.Route(envelope(events.TopicPayment, events.TypePaymentCompleted, 1,
		map[string]string{"user_id": "3", "amount": "25.50"}))
	require.Len(t, got, 1)
	assert.Equal(t, "user-3@healthcare.com", got[0].Recipient)
	assert.Equal(t, "Payment of $25.50 has been processed successfully", got[0].Message)
}

func TestRouter_UnmatchedYieldsEmpty(t *testing.T) {
	m := newCountingMetrics()
	r := newTestRouter(t, m)

	for _, env := range []events.Envelope{
		envelope(events.TopicUser, "unknown_type", 1, nil),
		envelope(events.TopicUser, "", 2, nil),
		envelope(events.TopicPayment, events.TypeUserRegistered, 3, map[string]string{"email": "a@b.co"}),
	} {
		var intents []Intent
		require.NotPanics(t, func() { intents = r.Route(env) })
		assert.NotNil(t, intents)
		assert.Empty(t, intents)
	}
	assert.Equal(t, 3, m.routedCount(RouteUnmatched))
}

func TestRouter_MissingFieldYieldsEmpty(t *testing.T) {
	m := newCountingMetrics()
	r := newTestRouter(t, m)

	intents := r.Route(envelope(events.TopicAppointment, events.TypeAppointmentCreated, 1,
		map[string]string{"patient_id": "42"}))
	assert.Empty(t, intents)
	assert.Equal(t, 1, m.routedCount(RouteMalformed))

	intents = r.Route(envelope(events.TopicUser, events.TypeUserRegistered, 2,
		map[string]string{"email": "not-an-address"}))
	assert.Empty(t, intents)
	assert.Equal(t, 2, m.routedCount(RouteMalformed))
}

func TestRouter_Config(t *testing.T) {
	r, err := NewRouter(DefaultRules, RouterConfig{Domain: "clinic.test", AdminRecipient: "ops@clinic.test"}, nil, zerolog.Nop())
	require.NoError(t, err)

	got := r.Route(envelope(events.TopicPayment, events.TypePaymentCompleted, 1,
		map[string]string{"user_id": "3", "amount": "1"}))
	require.Len(t, got, 1)
	assert.Equal(t, "user-3@clinic.test", got[0].Recipient)

	got = r.Route(envelope(events.TopicAppointment, events.TypeAppointmentStatusUpdated, 1,
		map[string]string{"appointment_id": "1", "status": "done"}))
	require.Len(t, got, 1)
	assert.Equal(t, "ops@clinic.test", got[0].Recipient)
}

func TestNewRouter_RejectsDuplicatesAndBadTemplates(t *testing.T) {
	_, err := NewRouter([]Rule{
		{Topic: events.TopicUser, EventType: "a"},
		{Topic: events.TopicUser, EventType: "a"},
	}, RouterConfig{}, nil, zerolog.Nop())
	assert.Error(t, err)

	_, err = NewRouter([]Rule{
		{Topic: events.TopicUser, EventType: "a", Intents: []IntentTemplate{{Channel: ChannelEmail, Recipient: "{{.Event"}}},
	}, RouterConfig{}, nil, zerolog.Nop())
	assert.Error(t, err)
}

func TestRouter_AddingRuleIsData(t *testing.T) {
	rules := append([]Rule{}, DefaultRules...)
	rules = append(rules, Rule{
		Topic:     events.TopicUser,
		EventType: "user_login",
		Intents: []IntentTemplate{{
			Channel:   ChannelSMS,
			Recipient: "{{.Event.phone}}",
			Message:   "New login",
		}},
	})
	r, err := NewRouter(rules, RouterConfig{}, nil, zerolog.Nop())
	require.NoError(t, err)

	got := r.Route(envelope(events.TopicUser, "user_login", 1, map[string]string{"phone": "+15551234567"}))
	require.Len(t, got, 1)
	assert.Equal(t, ChannelSMS, got[0].Channel)

	got = r.Route(envelope(events.TopicUser, "user_login", 2, map[string]string{"phone": "555"}))
	assert.Empty(t, got)
}
