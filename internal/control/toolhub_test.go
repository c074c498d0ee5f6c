package control

import (
	"encoding/json"
	"testing"
)

func TestToolHub_RegisterResolve(t *testing.T) {
	hub := NewToolHub()

	ch := hub.Register("tc-1")
	if hub.PendingCount() != 1 {
		t.Fatalf("pending = %d, want 1", hub.PendingCount())
	}

	if !hub.Resolve("tc-1", json.RawMessage(`{"ok":true}`)) {
		t.Fatal("resolve returned false for registered id")
	}

	result, ok := <-ch
	if !ok {
		t.Fatal("channel closed without result")
	}
	if string(result) != `{"ok":true}` {
		t.Errorf("result = %s", result)
	}
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after delivery")
	}
	if hub.PendingCount() != 0 {
		t.Errorf("pending = %d after resolve", hub.PendingCount())
	}
}

func TestToolHub_ResolveUnknown(t *testing.T) {
	hub := NewToolHub()
	if hub.Resolve("nope", nil) {
		t.Fatal("resolve of unknown id must return false")
	}
}

func TestToolHub_ResolveTwice(t *testing.T) {
	hub := NewToolHub()
	hub.Register("tc-1")
	if !hub.Resolve("tc-1", json.RawMessage(`1`)) {
		t.Fatal("first resolve failed")
	}
	if hub.Resolve("tc-1", json.RawMessage(`2`)) {
		t.Fatal("second resolve must report unknown id")
	}
}

func TestToolHub_Cancel(t *testing.T) {
	hub := NewToolHub()
	ch := hub.Register("tc-1")
	hub.Cancel("tc-1")

	if _, ok := <-ch; ok {
		t.Error("cancelled waiter must see a closed channel")
	}
	if hub.Resolve("tc-1", nil) {
		t.Error("resolve after cancel must report unknown id")
	}
}

func TestToolHub_RegisterIsIdempotent(t *testing.T) {
	hub := NewToolHub()
	a := hub.Register("tc-1")
	b := hub.Register("tc-1")
	if a != b {
		t.Fatal("re-registration must return the existing channel")
	}
}
