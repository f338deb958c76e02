package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darkden-lab/dispatchd/internal/dispatch"
	"github.com/darkden-lab/dispatchd/internal/events"
)

func TestRegistry_ConcurrentIncrements(t *testing.T) {
	r := New()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				r.NotificationAttempted(dispatch.ChannelEmail, dispatch.StatusSent)
			}
		}()
	}
	wg.Wait()

	got := testutil.ToFloat64(r.notifications.WithLabelValues("email", "sent"))
	assert.Equal(t, float64(1000), got)
}

func TestRegistry_EnvelopeCounters(t *testing.T) {
	r := New()
	r.EnvelopeRouted(events.TopicUser, dispatch.RouteUnmatched)
	r.EnvelopeMalformed("user-events")
	r.EnvelopeMalformed("billing-events")

	assert.Equal(t, float64(1), testutil.ToFloat64(r.envelopes.WithLabelValues("user", "unmatched")))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.envelopes.WithLabelValues("user", "malformed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.envelopes.WithLabelValues("unknown", "malformed")))
	assert.Equal(t, float64(0), testutil.ToFloat64(r.envelopes.WithLabelValues("user-events", "malformed")))
}

func TestRegistry_Handler(t *testing.T) {
	r := New()
	r.NotificationAttempted(dispatch.ChannelSMS, dispatch.StatusFailed)
	r.SetOverflowPending(3)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, _ := io.ReadAll(rec.Body)
	text := string(body)
	assert.True(t, strings.Contains(text, `notifications_sent_total{status="failed",type="sms"} 1`), text)
	assert.True(t, strings.Contains(text, "dispatch_overflow_pending 3"), text)
}
