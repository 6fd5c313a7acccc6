package realtime

import (
	"context"
	"testing"
	"time"

	"dealroom/pkg/domain"
	"dealroom/pkg/store"
)

func collect(t *testing.T, ch <-chan domain.Event) []domain.Event {
	t.Helper()
	var out []domain.Event
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, evt)
		case <-deadline:
			t.Fatalf("event stream did not terminate")
		}
	}
}

func TestHubSourceReplaysBufferThenEndsWithCursor(t *testing.T) {
	h := newTestHub(t, nil)
	writer := h.RegisterConnection("buyer-1", "room-1", "")

	var last int64
	for _, body := range []string{"one", "two"} {
		saved, err := h.SendMessage("room-1", writer.ID, domain.RoomMessage{Kind: domain.KindText, Body: body})
		if err != nil {
			t.Fatalf("SendMessage(%q) error = %v", body, err)
		}
		last = saved.Seq
	}

	src := &HubSource{Hub: h}
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := src.Subscribe(ctx, "room-1", "seller-1", 0)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	cancel()

	got := collect(t, ch)
	if len(got) < 3 {
		t.Fatalf("events = %d, want replay of 2 plus stream-end", len(got))
	}
	if got[0].Message == nil || got[0].Message.Body != "one" || got[1].Message == nil || got[1].Message.Body != "two" {
		t.Fatalf("replay order wrong: %+v", got[:2])
	}
	end := got[len(got)-1]
	if end.Name != domain.EventStreamEnd {
		t.Fatalf("final event = %q, want %q", end.Name, domain.EventStreamEnd)
	}
	if end.Cursor != last {
		t.Fatalf("stream-end cursor = %d, want %d", end.Cursor, last)
	}
}

func TestHubSourceReplaysMessagesSentWhileRoomWasEmpty(t *testing.T) {
	st := store.NewMemoryStore()
	h, err := NewHub(HubConfig{Store: st})
	if err != nil {
		t.Fatalf("NewHub() error = %v", err)
	}

	// Persisted with no live connections, so the in-memory buffer never
	// saw these.
	var last int64
	for _, body := range []string{"one", "two"} {
		saved, err := h.SendMessage("room-1", "", domain.RoomMessage{Kind: domain.KindText, Body: body})
		if err != nil {
			t.Fatalf("SendMessage(%q) error = %v", body, err)
		}
		last = saved.Seq
	}
	if h.RoomConnections("room-1") != 0 {
		t.Fatalf("room connections = %d, want 0 before subscribing", h.RoomConnections("room-1"))
	}

	src := &HubSource{Hub: h}
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := src.Subscribe(ctx, "room-1", "buyer-1", 0)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	cancel()

	got := collect(t, ch)
	if len(got) < 3 {
		t.Fatalf("events = %d, want replay of 2 plus stream-end", len(got))
	}
	if got[0].Message == nil || got[0].Message.Body != "one" || got[1].Message == nil || got[1].Message.Body != "two" {
		t.Fatalf("replay = %+v, want one then two", got[:2])
	}
	end := got[len(got)-1]
	if end.Name != domain.EventStreamEnd || end.Cursor != last {
		t.Fatalf("stream-end = %+v, want cursor %d", end, last)
	}
}

func TestHubSourceAbandonedConsumerUnregisters(t *testing.T) {
	h := newTestHub(t, nil)
	src := &HubSource{Hub: h}

	ctx, cancel := context.WithCancel(context.Background())
	if _, err := src.Subscribe(ctx, "room-1", "buyer-1", 0); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	writer := h.RegisterConnection("seller-1", "room-1", "")

	// The subscriber never drains; overflow both its channel and the hub
	// queue, then cancel.
	for i := 0; i < 2*connSendBuffer+16; i++ {
		if _, err := h.SendMessage("room-1", writer.ID, domain.RoomMessage{Kind: domain.KindText, Body: "spam"}); err != nil {
			t.Fatalf("SendMessage() error = %v", err)
		}
	}
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.RoomConnections("room-1") == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("room connections = %d, want 1 after subscriber cancel", h.RoomConnections("room-1"))
}

func TestPollSourceDeliversStoreDeltas(t *testing.T) {
	st := store.NewMemoryStore()
	for _, body := range []string{"one", "two", "three"} {
		if _, err := st.AppendRoomMessage(domain.RoomMessage{RoomID: "room-1", Kind: domain.KindText, Body: body}); err != nil {
			t.Fatalf("AppendRoomMessage(%q) error = %v", body, err)
		}
	}

	src := &PollSource{Store: st, Interval: 10 * time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := src.Subscribe(ctx, "room-1", "buyer-1", 1)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	var got []domain.Event
	deadline := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case evt := <-ch:
			got = append(got, evt)
		case <-deadline:
			t.Fatalf("poll delivered %d events, want 2", len(got))
		}
	}
	cancel()

	if got[0].Message.Body != "two" || got[1].Message.Body != "three" {
		t.Fatalf("poll deltas = %+v, want two then three", got)
	}
	rest := collect(t, ch)
	if len(rest) == 0 || rest[len(rest)-1].Name != domain.EventStreamEnd {
		t.Fatalf("poll stream missing stream-end sentinel: %+v", rest)
	}
}
