package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/JakeFAU/fineweb-news/internal/extract"
)

func extractEvent(subset string) extract.PublishEvent {
	return extract.PublishEvent{RunID: "run", Subset: subset}
}

func TestNotifierStoresEvents(t *testing.T) {
	t.Parallel()

	n := New()
	if err := n.Notify(context.Background(), extractEvent("a")); err != nil {
		t.Fatalf("unexpected notify error: %v", err)
	}
	if err := n.Notify(context.Background(), extractEvent("b")); err != nil {
		t.Fatalf("unexpected notify error: %v", err)
	}

	events := n.Events()
	if len(events) != 2 || events[0].Subset != "a" || events[1].Subset != "b" {
		t.Fatalf("events not recorded in order: %+v", events)
	}
	events[0].Subset = "modified"
	if n.Events()[0].Subset == "modified" {
		t.Fatal("expected Events() to return a copy")
	}
}

func TestNotifierFailure(t *testing.T) {
	t.Parallel()

	n := New()
	boom := errors.New("topic gone")
	n.FailWith(boom)
	if err := n.Notify(context.Background(), extractEvent("a")); !errors.Is(err, boom) {
		t.Fatalf("expected %v, got %v", boom, err)
	}
	if len(n.Events()) != 0 {
		t.Fatal("failed notifications must not be recorded")
	}
}
