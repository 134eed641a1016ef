package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/h1v3-io/hitl/pkg/protocol"
)

func resolvedAfter(typ protocol.WidgetType, d time.Duration) *protocol.Request {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	resolved := created.Add(d)
	return &protocol.Request{ID: "r", Type: typ, CreatedAt: created, ResolvedAt: &resolved}
}

func TestNotifyCountsLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.Notify(protocol.Event{Type: protocol.EventNewRequest, Request: &protocol.Request{Type: protocol.WidgetConfirm}})
	m.Notify(protocol.Event{Type: protocol.EventNewRequest, Request: &protocol.Request{Type: protocol.WidgetConfirm}})
	m.Notify(protocol.Event{Type: protocol.EventNewRequest, Request: &protocol.Request{Type: protocol.WidgetForm}})
	m.Notify(protocol.Event{Type: protocol.EventRequestCompleted, Request: resolvedAfter(protocol.WidgetConfirm, 3*time.Second)})
	m.Notify(protocol.Event{Type: protocol.EventRequestExpired, Request: resolvedAfter(protocol.WidgetForm, 300*time.Second)})
	m.Notify(protocol.Event{Type: protocol.EventNewRequest})

	assert.Equal(t, 2.0, promtest.ToFloat64(m.created.WithLabelValues("confirm")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.created.WithLabelValues("form")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.resolved.WithLabelValues("confirm", OutcomeAnswered)))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.resolved.WithLabelValues("form", OutcomeExpired)))
	assert.Equal(t, 2, promtest.CollectAndCount(m.resolveSeconds))
}

func TestNewRejectsDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	assert.Error(t, err)

	_, err = New(nil)
	assert.NoError(t, err)
}

func TestRegisterGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	n := 3.0
	require.NoError(t, RegisterGauge(reg, "waiters", "Long-poll waiters.", func() float64 { return n }))

	expected := `
# HELP hitl_waiters Long-poll waiters.
# TYPE hitl_waiters gauge
hitl_waiters 3
`
	assert.NoError(t, promtest.GatherAndCompare(reg, strings.NewReader(expected), "hitl_waiters"))
}
