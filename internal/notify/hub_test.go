package notify

import (
	"testing"

	"github.com/kingrea/stagegate/internal/tier"
)

func drain(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestHubDeliversWithIncreasingSequence(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe()
	defer sub.Close()
	h.Publish(Event{Kind: KindRegistered, CallID: "overview"})
	h.Publish(Event{Kind: KindEnabled, CallID: "overview"})
	got := drain(sub.Events)
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].Seq >= got[1].Seq {
		t.Fatalf("expected increasing seq, got %d then %d", got[0].Seq, got[1].Seq)
	}
	if got[0].At.IsZero() {
		t.Fatalf("expected hub to stamp event time")
	}
}

func TestHubReplaysBacklogToLateSubscribers(t *testing.T) {
	h := NewHub(WithBacklogLimit(2))
	h.Publish(Event{Kind: KindStage, Stage: tier.StageCritical})
	h.Publish(Event{Kind: KindStage, Stage: tier.StageImportant})
	h.Publish(Event{Kind: KindStage, Stage: tier.StageSecondary})
	sub := h.Subscribe()
	defer sub.Close()
	got := drain(sub.Events)
	if len(got) != 2 {
		t.Fatalf("expected 2 replayed events, got %d", len(got))
	}
	if got[0].Stage != tier.StageImportant || got[1].Stage != tier.StageSecondary {
		t.Fatalf("unexpected replay: %+v", got)
	}
}

func TestHubDropsOldestWhenSubscriberFull(t *testing.T) {
	h := NewHub(WithSubscriberCapacity(2), WithBacklogLimit(0))
	sub := h.Subscribe()
	defer sub.Close()
	for _, id := range []string{"a", "b", "c"} {
		h.Publish(Event{Kind: KindEnabled, CallID: id})
	}
	got := drain(sub.Events)
	if len(got) != 2 || got[0].CallID != "b" || got[1].CallID != "c" {
		t.Fatalf("expected newest two events, got %+v", got)
	}
}

func TestHubCloseEmitsTerminalEventAndClosesChannels(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe()
	h.Close()
	h.Close()
	var kinds []Kind
	for ev := range sub.Events {
		kinds = append(kinds, ev.Kind)
	}
	if len(kinds) != 1 || kinds[0] != KindClosed {
		t.Fatalf("expected a single closed event, got %v", kinds)
	}
	h.Publish(Event{Kind: KindEnabled, CallID: "late"})
	late := h.Subscribe()
	if _, ok := <-late.Events; ok {
		t.Fatalf("expected closed channel for subscription after close")
	}
	if h.Subscribers() != 0 {
		t.Fatalf("expected no live subscribers, got %d", h.Subscribers())
	}
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe()
	sub.Close()
	sub.Close()
	if _, ok := <-sub.Events; ok {
		t.Fatalf("expected closed channel")
	}
	h.Publish(Event{Kind: KindEnabled})
}
