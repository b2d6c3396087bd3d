package events

import (
	"testing"
	"time"
)

func TestMulti_FansOutAndStamps(t *testing.T) {
	var a, b []Event
	m := Multi{
		SinkFunc(func(e Event) { a = append(a, e) }),
		nil,
		SinkFunc(func(e Event) { b = append(b, e) }),
	}

	m.Publish(Event{Kind: KindPoll})
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m.Publish(Event{Kind: KindAlert, At: fixed})

	if len(a) != 2 || len(b) != 2 {
		t.Fatalf("deliveries = %d/%d, want 2/2", len(a), len(b))
	}
	if a[0].At.IsZero() {
		t.Error("zero At was not stamped")
	}
	if !b[1].At.Equal(fixed) {
		t.Errorf("At = %v, want %v", b[1].At, fixed)
	}
}

func TestDiscard(t *testing.T) {
	Discard.Publish(Event{Kind: KindPoll})
}
