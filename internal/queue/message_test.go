package queue_test

import (
	"testing"
	"time"

	"github.com/snehjoshi/epochbus/internal/queue"
	"github.com/snehjoshi/epochbus/internal/types"
)

func TestStatus_String(t *testing.T) {
	tests := []struct {
		status queue.Status
		want   string
	}{
		{queue.StatusReady, "ready"},
		{queue.StatusLocked, "locked"},
		{queue.StatusDeferred, "deferred"},
		{queue.StatusScheduled, "scheduled"},
		{queue.StatusRemoved, "removed"},
		{queue.Status(99), "unknown"},
	}

	for _, tc := range tests {
		if got := tc.status.String(); got != tc.want {
			t.Errorf("Status(%d).String() = %q, want %q", tc.status, got, tc.want)
		}
	}
}

func TestValidTransition(t *testing.T) {
	all := []queue.Status{
		queue.StatusReady, queue.StatusLocked, queue.StatusDeferred,
		queue.StatusScheduled, queue.StatusRemoved,
	}
	allowed := map[[2]queue.Status]bool{
		{queue.StatusScheduled, queue.StatusReady}:   true,
		{queue.StatusScheduled, queue.StatusRemoved}: true,
		{queue.StatusReady, queue.StatusLocked}:      true,
		{queue.StatusReady, queue.StatusRemoved}:     true,
		{queue.StatusLocked, queue.StatusRemoved}:    true,
		{queue.StatusLocked, queue.StatusReady}:      true,
		{queue.StatusLocked, queue.StatusDeferred}:   true,
		{queue.StatusDeferred, queue.StatusLocked}:   true,
	}

	for _, from := range all {
		for _, to := range all {
			want := allowed[[2]queue.Status{from, to}]
			if got := queue.ValidTransition(from, to); got != want {
				t.Errorf("ValidTransition(%s → %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestReceivedMessage_Deferred(t *testing.T) {
	m := queue.ReceivedMessage{State: queue.StatusDeferred}
	if !m.Deferred() {
		t.Error("deferred state not reported by Deferred()")
	}
	m.State = queue.StatusLocked
	if m.Deferred() {
		t.Error("locked message reported as deferred")
	}
}

func TestTTL(t *testing.T) {
	ttl := types.TTL(time.Minute)
	if ttl == nil || *ttl != time.Minute {
		t.Fatalf("TTL(1m) = %v", ttl)
	}
	var m queue.Message
	if m.TimeToLive != nil {
		t.Fatal("zero Message must have no TTL")
	}
}
