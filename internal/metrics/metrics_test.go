package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wargotik/wargot-ha-addons/internal/events"
)

func TestPublish_DrivesCounters(t *testing.T) {
	m := New()
	at := time.Unix(1700000000, 0)

	m.Publish(events.Event{Kind: events.KindPoll, At: at})
	m.Publish(events.Event{Kind: events.KindPollFailed})
	m.Publish(events.Event{Kind: events.KindTriggered})
	m.Publish(events.Event{Kind: events.KindTriggered})
	m.Publish(events.Event{Kind: events.KindAlert, Delivered: true})
	m.Publish(events.Event{Kind: events.KindAlert})
	m.Publish(events.Event{Kind: events.KindModeChanged, Mode: "night"})
	m.RegistryRetry("upsert")
	m.NotifyFailed("mobile_app_phone")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Polls))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PollFailures))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Triggers))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Alerts.WithLabelValues("delivered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Alerts.WithLabelValues("failed")))
	assert.Equal(t, float64(at.Unix()), testutil.ToFloat64(m.LastPoll))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Mode.WithLabelValues("night")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Mode.WithLabelValues("off")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RegistryRetries.WithLabelValues("upsert")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NotifyFailures.WithLabelValues("mobile_app_phone")))
}

func TestHandler_ServesExposition(t *testing.T) {
	m := New()
	m.Publish(events.Event{Kind: events.KindPoll, At: time.Now()})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "alarmme_polls_total 1")
	assert.Contains(t, string(body), `alarmme_mode{mode="off"} 1`)
}
