package worker

import (
	"testing"
	"time"
)

func TestPairStrictlyAlternates(t *testing.T) {
	p := NewPair()

	var trace []string
	done := make(chan struct{})

	usbStep := func(y Yielder) {
		trace = append(trace, "usb")
		if len(trace) >= 6 {
			close(done)
			select {} // parked; the test goroutine observes trace directly
		}
	}
	floppyStep := func(y Yielder) {
		trace = append(trace, "floppy")
	}

	p.Start(usbStep, floppyStep)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("workers did not alternate to completion, trace so far: %v", trace)
	}

	want := []string{"usb", "floppy", "usb", "floppy", "usb", "floppy"}
	if len(trace) < len(want) {
		t.Fatalf("expected at least %d steps, got %v", len(want), trace)
	}
	for i := range want {
		if trace[i] != want[i] {
			t.Fatalf("step %d: expected %s, got %s (trace: %v)", i, want[i], trace[i], trace)
		}
	}
}

func TestYieldFromNestedBusyWaitStillHandsOff(t *testing.T) {
	p := NewPair()

	floppyTurns := 0
	stop := make(chan struct{})

	usbStep := func(y Yielder) {
		// simulate a busy-wait nested inside one step: yield repeatedly
		// until the floppy side has made enough progress.
		for floppyTurns < 3 {
			y.Yield()
		}
		close(stop)
		select {}
	}
	floppyStep := func(y Yielder) {
		floppyTurns++
	}

	p.Start(usbStep, floppyStep)

	select {
	case <-stop:
	case <-time.After(time.Second):
		t.Fatalf("nested yield never observed floppy progress, floppyTurns=%d", floppyTurns)
	}

	if floppyTurns < 3 {
		t.Fatalf("expected floppyTurns >= 3, got %d", floppyTurns)
	}
}
