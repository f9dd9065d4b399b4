package dmaring

import "testing"

type fakeDescriptor struct {
	pos int
}

func (f *fakeDescriptor) Position() int { return f.pos }

func TestReaderAvailAndPop(t *testing.T) {
	desc := &fakeDescriptor{}
	r := NewReader(desc)

	if r.Avail() != 0 {
		t.Fatalf("expected empty ring, got avail=%d", r.Avail())
	}

	r.Set(0, 100)
	r.Set(1, 200)
	desc.pos = 2

	if got := r.Avail(); got != 2 {
		t.Fatalf("expected avail=2, got %d", got)
	}

	if v := r.Pop(); v != 100 {
		t.Fatalf("expected 100, got %d", v)
	}

	if got := r.Avail(); got != 1 {
		t.Fatalf("expected avail=1 after pop, got %d", got)
	}
}

func TestReaderWrapsAroundBuffer(t *testing.T) {
	desc := &fakeDescriptor{}
	r := NewReader(desc)

	// advance the consumer almost all the way around, then make the
	// producer wrap past zero.
	for i := 0; i < BufLen-1; i++ {
		r.Set(i, uint32(i))
	}
	desc.pos = BufLen - 1
	for i := 0; i < BufLen-1; i++ {
		r.Pop()
	}

	r.Set(BufLen-1, 999)
	r.Set(0, 111)
	desc.pos = 1

	if got := r.Avail(); got != 2 {
		t.Fatalf("expected avail=2 across wrap, got %d", got)
	}
	if v := r.Pop(); v != 999 {
		t.Fatalf("expected 999, got %d", v)
	}
	if v := r.Pop(); v != 111 {
		t.Fatalf("expected 111, got %d", v)
	}
}

func TestWriterFreeAndPush(t *testing.T) {
	desc := &fakeDescriptor{}
	r := NewWriter(desc)
	r.Prime(42)

	// hardware has not consumed anything yet: one slot is reserved so
	// the ring never reports itself as entirely full.
	if got := r.Free(); got != BufLen-2 {
		t.Fatalf("expected free=%d right after priming, got %d", BufLen-2, got)
	}

	for i := 0; i < 10; i++ {
		r.Push(uint32(i))
	}

	desc.pos = 5
	if got := r.Free(); got != BufLen-1-(11-5) {
		t.Fatalf("unexpected free=%d", got)
	}
}
