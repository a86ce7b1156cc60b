package metrics

import (
	"testing"
	"time"
)

// TestSnapshot tests the local counters behind the collectors
func TestSnapshot(t *testing.T) {
	cm := NewCallMetrics()

	cm.RecordPoll()
	cm.RecordPoll()
	cm.RecordPollError()
	cm.RecordSurfaced()
	cm.RecordSuppressed("own_call")
	cm.RecordTransition("idle", "calling")
	cm.RecordSignalingDuration("start", 15*time.Millisecond)

	snap := cm.GetSnapshot()
	if snap["polls"] != 2 {
		t.Errorf("polls = %d, want 2", snap["polls"])
	}
	if snap["poll_errors"] != 1 {
		t.Errorf("poll_errors = %d, want 1", snap["poll_errors"])
	}
	if snap["surfaced"] != 1 {
		t.Errorf("surfaced = %d, want 1", snap["surfaced"])
	}
	if snap["suppressed"] != 1 {
		t.Errorf("suppressed = %d, want 1", snap["suppressed"])
	}
	if snap["transitions"] != 1 {
		t.Errorf("transitions = %d, want 1", snap["transitions"])
	}
	if snap["signaling_ops"] != 1 {
		t.Errorf("signaling_ops = %d, want 1", snap["signaling_ops"])
	}

	cm.Reset()
	if snap := cm.GetSnapshot(); snap["polls"] != 0 {
		t.Errorf("polls after Reset = %d, want 0", snap["polls"])
	}
}
