package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.SessionStarted("twilio")
		c.SessionEnded()
		c.InboundFrame()
		c.MalformedEvent()
		c.Turn(OutcomeOK)
		c.Stage("reply", time.Second, errors.New("boom"))
		c.FrameSent()
		c.Truncated()
	})
}

func TestCollectorCounts(t *testing.T) {
	c := NewCollector("test", prometheus.NewRegistry())

	c.SessionStarted("twilio")
	c.SessionStarted("twilio")
	c.SessionEnded()
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sessionsActive))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.sessionsTotal.WithLabelValues("twilio")))

	c.Turn(OutcomeOK)
	c.Turn(OutcomeFailed)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.turnsTotal.WithLabelValues(OutcomeFailed)))

	c.Stage("transcribe", 100*time.Millisecond, nil)
	c.Stage("transcribe", 100*time.Millisecond, errors.New("boom"))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.stageFailures.WithLabelValues("transcribe")))

	for i := 0; i < 3; i++ {
		c.FrameSent()
	}
	assert.Equal(t, 3.0, testutil.ToFloat64(c.outboundFrames))
}
