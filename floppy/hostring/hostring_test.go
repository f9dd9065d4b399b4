package hostring

import "testing"

func TestAppendDrainRoundTrip(t *testing.T) {
	r := New(16)

	if err := r.Append([]byte("hello")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if got := r.Len(); got != 5 {
		t.Fatalf("expected len=5, got %d", got)
	}

	b, err := r.Peek(5)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if string(b) != "hello" {
		t.Fatalf("expected hello, got %q", b)
	}

	if err := r.Drain(5); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if got := r.Len(); got != 0 {
		t.Fatalf("expected len=0 after drain, got %d", got)
	}
}

func TestOverflowRejected(t *testing.T) {
	r := New(4)
	if err := r.Append([]byte{1, 2, 3, 4, 5}); err != ErrOverflow {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
	if r.Len() != 0 {
		t.Fatalf("ring must be unmodified after a rejected append, got len=%d", r.Len())
	}
}

func TestUnderflowRejected(t *testing.T) {
	r := New(4)
	r.Append([]byte{1, 2})
	if err := r.Drain(3); err != ErrUnderflow {
		t.Fatalf("expected ErrUnderflow, got %v", err)
	}
}

func TestWrapAroundIndices(t *testing.T) {
	r := New(4)

	for i := 0; i < 100; i++ {
		if err := r.Append([]byte{byte(i)}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		b, _ := r.Peek(1)
		if b[0] != byte(i) {
			t.Fatalf("iteration %d: expected %d, got %d", i, i, b[0])
		}
		r.Drain(1)
	}
}

func TestLastAppendedIsZeroSentinel(t *testing.T) {
	r := New(8)
	r.Append([]byte{1, 2, 3})
	if r.LastAppendedIsZero() {
		t.Fatalf("expected false before a terminating zero byte")
	}
	r.AppendByte(0)
	if !r.LastAppendedIsZero() {
		t.Fatalf("expected true immediately after appending a terminating zero byte")
	}
}

func TestNewPanicsOnNonPowerOfTwo(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic for non-power-of-two size")
		}
	}()
	New(100)
}

func TestResetClearsBufferedContent(t *testing.T) {
	r := New(8)
	r.Append([]byte{1, 2, 3})
	r.Reset()

	if got := r.Len(); got != 0 {
		t.Fatalf("expected len=0 after reset, got %d", got)
	}
	if err := r.Append([]byte{9, 9, 9, 9, 9, 9, 9, 9}); err != nil {
		t.Fatalf("expected full capacity available after reset, got %v", err)
	}
}
