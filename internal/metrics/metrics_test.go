package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func getCounterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	c.Write(m)
	return m.GetCounter().GetValue()
}

func getHistogramSampleCount(h prometheus.Histogram) uint64 {
	m := &dto.Metric{}
	h.Write(m)
	return m.GetHistogram().GetSampleCount()
}

func TestConnectPhaseRecordsAttemptAndDuration(t *testing.T) {
	c := New()

	c.ConnectPhase("connect", "ok", 5*time.Millisecond)
	c.ConnectPhase("connect", "error", 10*time.Millisecond)

	if v := getCounterValue(c.connectAttempts.WithLabelValues("connect", "ok")); v != 1 {
		t.Errorf("connect/ok attempts = %v, want 1", v)
	}
	if v := getCounterValue(c.connectAttempts.WithLabelValues("connect", "error")); v != 1 {
		t.Errorf("connect/error attempts = %v, want 1", v)
	}
	if n := getHistogramSampleCount(c.connectDuration.WithLabelValues("connect")); n != 2 {
		t.Errorf("connect duration sample count = %d, want 2", n)
	}
}

func TestAuthOutcomeByMechanism(t *testing.T) {
	c := New()

	c.AuthOutcome("scram-sha-256", "ok")
	c.AuthOutcome("md5", "error")

	if v := getCounterValue(c.authOutcomes.WithLabelValues("scram-sha-256", "ok")); v != 1 {
		t.Errorf("scram-sha-256/ok = %v, want 1", v)
	}
	if v := getCounterValue(c.authOutcomes.WithLabelValues("md5", "error")); v != 1 {
		t.Errorf("md5/error = %v, want 1", v)
	}
}

func TestBytesReadAndWrittenAccumulate(t *testing.T) {
	c := New()

	c.BytesRead(100)
	c.BytesRead(50)
	c.BytesWritten(10)

	if v := getCounterValue(c.bytesRead); v != 150 {
		t.Errorf("bytesRead = %v, want 150", v)
	}
	if v := getCounterValue(c.bytesWritten); v != 10 {
		t.Errorf("bytesWritten = %v, want 10", v)
	}
}

func TestReadyForQueryByVisibility(t *testing.T) {
	c := New()

	c.ReadyForQuery("user")
	c.ReadyForQuery("user")
	c.ReadyForQuery("prepended")

	if v := getCounterValue(c.readyForQueryTotal.WithLabelValues("user")); v != 2 {
		t.Errorf("user RFQ count = %v, want 2", v)
	}
	if v := getCounterValue(c.readyForQueryTotal.WithLabelValues("prepended")); v != 1 {
		t.Errorf("prepended RFQ count = %v, want 1", v)
	}
}

func TestNotificationDispatchedCounts(t *testing.T) {
	c := New()

	c.NotificationDispatched()
	c.NotificationDispatched()
	c.NotificationDispatched()

	if v := getCounterValue(c.notificationsDispatched); v != 3 {
		t.Errorf("notificationsDispatched = %v, want 3", v)
	}
}

func TestStateTransitionByFromTo(t *testing.T) {
	c := New()

	c.StateTransition("closed", "connecting")
	c.StateTransition("connecting", "ready")
	c.StateTransition("connecting", "ready")

	if v := getCounterValue(c.stateTransitions.WithLabelValues("closed", "connecting")); v != 1 {
		t.Errorf("closed->connecting = %v, want 1", v)
	}
	if v := getCounterValue(c.stateTransitions.WithLabelValues("connecting", "ready")); v != 2 {
		t.Errorf("connecting->ready = %v, want 2", v)
	}
}

func TestNilCollectorIsSafeNoOp(t *testing.T) {
	var c *Collector

	c.ConnectPhase("connect", "ok", time.Millisecond)
	c.AuthOutcome("md5", "ok")
	c.BytesRead(10)
	c.BytesWritten(10)
	c.ReadyForQuery("user")
	c.NotificationDispatched()
	c.StateTransition("ready", "executing")
}

func TestNewProducesIndependentRegistries(t *testing.T) {
	a := New()
	b := New()

	a.BytesRead(5)
	if v := getCounterValue(b.bytesRead); v != 0 {
		t.Errorf("second collector's bytesRead = %v, want 0 (independent registry)", v)
	}
}
