package opdelay

import (
	"testing"
	"time"

	"github.com/usbarmory/fluxbridge/floppy"
)

type fakeClock struct {
	now floppy.Ticks
}

func (c *fakeClock) Now() floppy.Ticks { return c.now }

type fakeYielder struct {
	advance func()
	calls   int
}

func (y *fakeYielder) Yield() {
	y.calls++
	if y.advance != nil {
		y.advance()
	}
}

func TestAsyncThenWaitBlocksUntilDeadline(t *testing.T) {
	clock := &fakeClock{now: 0}
	s := New(clock)

	s.Async(floppy.DelaySeek, 10*time.Microsecond, &fakeYielder{})

	y := &fakeYielder{advance: func() { clock.now += 100 }}
	s.Wait(floppy.DelaySeek, y)

	if y.calls == 0 {
		t.Fatalf("expected Wait to yield at least once before the deadline passed")
	}
	if s.Pending()&floppy.DelaySeek != 0 {
		t.Fatalf("expected DelaySeek to have cleared once the deadline passed")
	}
}

func TestAsyncMergesToEarlierDeadline(t *testing.T) {
	clock := &fakeClock{now: 0}
	s := New(clock)

	s.Async(floppy.DelayWrite, 1000*time.Microsecond, &fakeYielder{})
	s.Async(floppy.DelaySeek, 100*time.Microsecond, &fakeYielder{})

	clock.now += floppy.Ticks(150 * floppy.SampleMHz) // past the 100us deadline, short of 1000us

	if s.Pending() != 0 {
		t.Fatalf("expected merged deadline to be the earlier one and already expired, got pending=%v", s.Pending())
	}
}

func TestAsyncUnionsMaskAndBothClearWithTheEarlierDeadline(t *testing.T) {
	clock := &fakeClock{now: 0}
	s := New(clock)

	s.Async(floppy.DelaySeek, 50*time.Microsecond, &fakeYielder{})
	s.Async(floppy.DelayWrite, 500*time.Microsecond, &fakeYielder{})

	before := floppy.Ticks(40 * floppy.SampleMHz) // short of the merged (earlier, 50us) deadline
	clock.now += before
	pending := s.Pending()
	if pending&floppy.DelaySeek == 0 || pending&floppy.DelayWrite == 0 {
		t.Fatalf("expected both ops still pending before the merged deadline, got %v", pending)
	}

	clock.now += floppy.Ticks(20 * floppy.SampleMHz) // now past the merged 50us deadline
	pending = s.Pending()
	if pending != 0 {
		t.Fatalf("expected the single shared deadline to clear both masks at once, got %v", pending)
	}
}

func TestLongDelayDegeneratesToSynchronousWait(t *testing.T) {
	clock := &fakeClock{now: 0}
	s := New(clock)

	y := &fakeYielder{advance: func() { clock.now += floppy.Ticks(2 * time.Second.Nanoseconds() * floppy.SampleMHz / 1000) }}
	s.Async(floppy.DelayRead, 2*time.Second, y)

	if y.calls == 0 {
		t.Fatalf("expected Async to busy-wait synchronously for delays over the long-delay threshold")
	}
	if s.armed {
		t.Fatalf("a synchronous long delay must not arm the deadline timer")
	}
}

func TestWaitReturnsImmediatelyWhenNothingPending(t *testing.T) {
	clock := &fakeClock{now: 0}
	s := New(clock)
	y := &fakeYielder{}
	s.Wait(floppy.DelayRead|floppy.DelayWrite|floppy.DelaySeek|floppy.DelayHead, y)
	if y.calls != 0 {
		t.Fatalf("expected no yields when nothing is pending, got %d", y.calls)
	}
}
