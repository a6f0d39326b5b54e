package activeagents

import (
	"testing"
	"time"
)

func TestRegisterAndList(t *testing.T) {
	r := New(time.Minute)
	id := r.Register("story-1", "writer")

	entries := r.List("")
	if len(entries) != 1 || entries[0].ID != id {
		t.Fatalf("unexpected entries: %+v", entries)
	}
	if entries[0].StoryID != "story-1" || entries[0].AgentName != "writer" {
		t.Fatalf("unexpected entry fields: %+v", entries[0])
	}
}

func TestListFiltersByStory(t *testing.T) {
	r := New(time.Minute)
	r.Register("story-1", "writer")
	r.Register("story-2", "analyze")

	entries := r.List("story-2")
	if len(entries) != 1 || entries[0].AgentName != "analyze" {
		t.Fatalf("filter failed: %+v", entries)
	}
}

func TestUnregisterRemovesEntry(t *testing.T) {
	r := New(time.Minute)
	id := r.Register("story-1", "writer")
	r.Unregister(id)

	if entries := r.List(""); len(entries) != 0 {
		t.Fatalf("expected no entries after unregister, got %+v", entries)
	}
	// Idempotent.
	r.Unregister(id)
}

func TestSafetyTimerRemovesStaleEntry(t *testing.T) {
	r := New(20 * time.Millisecond)
	r.Register("story-1", "writer")

	time.Sleep(60 * time.Millisecond)
	if entries := r.List(""); len(entries) != 0 {
		t.Fatalf("expected TTL to remove entry, got %+v", entries)
	}
}

func TestSubscribeReceivesRegisterAndUnregisterEvents(t *testing.T) {
	r := New(time.Minute)
	var events []string
	unsubscribe := r.Subscribe(func(event string, entry Entry) {
		events = append(events, event+":"+entry.AgentName)
	})
	defer unsubscribe()

	id := r.Register("story-1", "writer")
	r.Unregister(id)

	if len(events) != 2 || events[0] != "register:writer" || events[1] != "unregister:writer" {
		t.Fatalf("unexpected events: %v", events)
	}
}
