package serverstate

import (
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
)

func TestRedisStore(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	rs, err := NewRedisStore(mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}

	prev := active
	UseStore(rs)
	defer UseStore(prev)

	if got := GetState(); got != "not_ready" {
		t.Fatalf("initial state = %q; want %q", got, "not_ready")
	}

	SetState("ready")
	if got := GetState(); got != "ready" {
		t.Fatalf("state after SetState = %q; want %q", got, "ready")
	}

	StartDrain()
	if got := GetState(); got != "draining" {
		t.Fatalf("state after StartDrain = %q; want %q", got, "draining")
	}
	if !IsDraining() {
		t.Fatalf("IsDraining = false; want true")
	}

	// Ensure a new store sees the persisted state.
	rs2, err := NewRedisStore(mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	if st := rs2.Load(); st.Status != "draining" || !st.Draining {
		t.Fatalf("persisted state = %#v; want {Status: 'draining', Draining: true}", st)
	}
}
