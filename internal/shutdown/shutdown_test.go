package shutdown

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestShutdownRunsAllCallbacksWithinGracePeriod(t *testing.T) {
	c := New(zerolog.Nop())

	var a, b bool
	c.HookShutdownCallback("a", func() { time.Sleep(10 * time.Millisecond); a = true })
	c.HookShutdownCallback("b", func() { time.Sleep(10 * time.Millisecond); b = true })

	c.Shutdown()

	if !a || !b {
		t.Errorf("expected both callbacks to complete, got a=%v b=%v", a, b)
	}
	select {
	case <-c.Context().Done():
	default:
		t.Errorf("expected root context to be cancelled after Shutdown")
	}
}

func TestShutdownCancelsContextEvenIfCallbackHangs(t *testing.T) {
	c := New(zerolog.Nop())
	started := make(chan struct{})
	c.HookShutdownCallback("hangs", func() {
		close(started)
		time.Sleep(time.Hour)
	})

	go c.Shutdown()
	<-started

	select {
	case <-c.Context().Done():
	case <-time.After(time.Second):
		t.Fatalf("expected context to be cancelled immediately, independent of slow callback")
	}
}
