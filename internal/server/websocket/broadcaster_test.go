package websocket_test

import (
	"encoding/json"
	"log/slog"
	"os"
	"testing"

	"github.com/wargotik/wargot-ha-addons/internal/events"
	ws "github.com/wargotik/wargot-ha-addons/internal/server/websocket"
)

func newTestBroadcaster(buf int) *ws.Broadcaster {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return ws.NewBroadcaster(logger, buf)
}

func TestBroadcasterRegisterUnregister(t *testing.T) {
	t.Parallel()

	bc := newTestBroadcaster(16)
	c1 := bc.Register("c1")
	bc.Register("c2")

	if got := bc.ClientCount(); got != 2 {
		t.Fatalf("expected 2 clients, got %d", got)
	}
	if c1.ID() != "c1" {
		t.Errorf("client ID mismatch: got %q", c1.ID())
	}

	bc.Unregister("c1")
	bc.Unregister("unknown")
	if got := bc.ClientCount(); got != 1 {
		t.Fatalf("expected 1 client after unregister, got %d", got)
	}
	select {
	case _, ok := <-c1.Send():
		if ok {
			t.Error("expected send channel to be closed after Unregister")
		}
	default:
		t.Error("expected send channel to be closed, not blocked")
	}
}

func TestBroadcasterPublish(t *testing.T) {
	t.Parallel()

	bc := newTestBroadcaster(16)
	c1 := bc.Register("c1")
	c2 := bc.Register("c2")

	bc.Publish(events.Event{
		Kind:     events.KindAlert,
		SensorID: "binary_sensor.hall_motion",
		Area:     "Hallway",
		Mode:     "away",
	})

	for _, c := range []*ws.Client{c1, c2} {
		select {
		case raw := <-c.Send():
			var msg ws.Message
			if err := json.Unmarshal(raw, &msg); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if msg.Type != "alert" || msg.Data.SensorID != "binary_sensor.hall_motion" || msg.Data.Area != "Hallway" {
				t.Errorf("client %s got %+v", c.ID(), msg)
			}
		default:
			t.Errorf("client %s received nothing", c.ID())
		}
	}
}

func TestBroadcasterDropsWhenBufferFull(t *testing.T) {
	t.Parallel()

	bc := newTestBroadcaster(1)
	c := bc.Register("slow")

	bc.Publish(events.Event{Kind: events.KindPoll})
	bc.Publish(events.Event{Kind: events.KindPoll})
	bc.Publish(events.Event{Kind: events.KindPoll})

	if got := c.Dropped.Load(); got != 2 {
		t.Errorf("Dropped = %d, want 2", got)
	}
}

func TestBroadcasterClose(t *testing.T) {
	t.Parallel()

	bc := newTestBroadcaster(4)
	c := bc.Register("c1")
	bc.Close()
	bc.Close()

	if _, ok := <-c.Send(); ok {
		t.Error("expected closed channel after Close")
	}
	if got := bc.ClientCount(); got != 0 {
		t.Errorf("ClientCount = %d after Close", got)
	}

	// Publish after Close must not panic.
	bc.Publish(events.Event{Kind: events.KindPoll})

	late := bc.Register("late")
	if _, ok := <-late.Send(); ok {
		t.Error("Register after Close should return a closed client")
	}
}
