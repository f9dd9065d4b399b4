package fluxio

import (
	"encoding/binary"
	"testing"

	"github.com/usbarmory/fluxbridge/floppy"
	"github.com/usbarmory/fluxbridge/floppy/dmaring"
	"github.com/usbarmory/fluxbridge/floppy/hostring"
	"github.com/usbarmory/fluxbridge/floppy/index"
	"github.com/usbarmory/fluxbridge/floppy/worker"
)

type fakeClock struct {
	now floppy.Ticks
}

func (c *fakeClock) Now() floppy.Ticks { return c.now }

type fakePins struct {
	levels map[string]bool
}

func newFakePins() *fakePins {
	return &fakePins{levels: map[string]bool{}}
}

func (p *fakePins) Set(name string, level bool) { p.levels[name] = level }
func (p *fakePins) Get(name string) bool         { return p.levels[name] }

type fakeDescriptor struct {
	pos int
}

func (d *fakeDescriptor) Position() int { return d.pos }

type fakeEndpoint struct {
	rx      [][]byte
	tx      [][]byte
	txBlock bool
}

func (e *fakeEndpoint) RxReady() bool { return len(e.rx) > 0 }

func (e *fakeEndpoint) Read() []byte {
	f := e.rx[0]
	e.rx = e.rx[1:]
	return f
}

func (e *fakeEndpoint) TxReady() bool { return !e.txBlock }

func (e *fakeEndpoint) Write(buf []byte) {
	e.tx = append(e.tx, append([]byte{}, buf...))
}

type noopYielder struct{}

func (noopYielder) Yield() {}

func le32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func newController(clock *fakeClock, pins *fakePins, readDesc, writeDesc dmaring.Descriptor) *Controller {
	idx := index.New(10)
	return New(clock, pins, idx, readDesc, writeDesc, hostring.SizeFullSpeed, 64)
}

func TestPrepReadThenServiceReadEncodesIntervals(t *testing.T) {
	clock := &fakeClock{}
	pins := newFakePins()
	readDesc := &fakeDescriptor{}
	c := newController(clock, pins, readDesc, &fakeDescriptor{})

	// deadline=1000 ticks, no index/linger budget.
	if status := c.PrepRead(le32(1000)); status != floppy.AckOkay {
		t.Fatalf("expected AckOkay, got %v", status)
	}

	readDesc.pos = 1
	c.readRing.Set(0, 100) // baseline, no interval emitted
	ep := &fakeEndpoint{}
	c.ServiceRead(ep, noopYielder{})

	readDesc.pos = 2
	c.readRing.Set(1, 150) // delta=50
	c.ServiceRead(ep, noopYielder{})

	if len(ep.tx) == 0 || len(ep.tx[0]) == 0 {
		t.Fatalf("expected encoded interval bytes on the wire, got %v", ep.tx)
	}
	if ep.tx[0][0] != 50 {
		t.Fatalf("expected literal interval byte 50, got %d", ep.tx[0][0])
	}
}

func TestServiceReadDeadlineEndsStreamWithOkayStatus(t *testing.T) {
	clock := &fakeClock{}
	pins := newFakePins()
	readDesc := &fakeDescriptor{}
	c := newController(clock, pins, readDesc, &fakeDescriptor{})

	c.PrepRead(le32(100))
	ep := &fakeEndpoint{}

	readDesc.pos = 1
	c.readRing.Set(0, 10)
	next := c.ServiceRead(ep, noopYielder{})
	if next != floppy.StateReadFlux {
		t.Fatalf("expected to stay in read_flux before the deadline, got %v", next)
	}

	clock.now = 200
	for i := 0; i < 8 && next != floppy.StateCommandWait; i++ {
		next = c.ServiceRead(ep, noopYielder{})
	}

	if next != floppy.StateCommandWait {
		t.Fatalf("expected the stream to drain back to command_wait, got %v", next)
	}
	if c.Status() != floppy.AckOkay {
		t.Fatalf("expected AckOkay after a clean deadline termination, got %v", c.Status())
	}
}

func TestServiceReadOverflowSetsFluxOverflowStatus(t *testing.T) {
	clock := &fakeClock{}
	pins := newFakePins()
	readDesc := &fakeDescriptor{}
	c := newController(clock, pins, readDesc, &fakeDescriptor{})
	c.host = hostring.New(4) // tiny ring: easy to overflow

	c.PrepRead(le32(1_000_000))
	c.host.Reset()

	ep := &fakeEndpoint{txBlock: true} // nothing drains, forcing overflow
	readDesc.pos = 1
	c.readRing.Set(0, 1) // baseline

	var next floppy.State
	for i := 2; i <= 30; i++ {
		readDesc.pos = i
		c.readRing.Set(i-1, uint32(i*300))
		next = c.ServiceRead(ep, noopYielder{})
		if c.Status() == floppy.AckFluxOverflow {
			break
		}
	}

	if c.Status() != floppy.AckFluxOverflow {
		t.Fatalf("expected AckFluxOverflow once the host ring could not keep up, got %v", c.Status())
	}
	if next != floppy.StateReadFluxDrain && next != floppy.StateCommandWait {
		t.Fatalf("expected a drain state after overflow, got %v", next)
	}
}

func TestPrepWriteRejectsWhenWriteProtected(t *testing.T) {
	clock := &fakeClock{}
	pins := newFakePins()
	pins.Set("wrprot", true)
	c := newController(clock, pins, &fakeDescriptor{}, &fakeDescriptor{})

	if status := c.PrepWrite([]byte{0}); status != floppy.AckWrProt {
		t.Fatalf("expected AckWrProt, got %v", status)
	}
}

func TestServiceWriteAssertsWGateOnceActive(t *testing.T) {
	clock := &fakeClock{}
	pins := newFakePins()
	writeDesc := &fakeDescriptor{}
	c := newController(clock, pins, &fakeDescriptor{}, writeDesc)

	c.PrepWrite([]byte{0}) // cue_at_index=false, terminate_at_index=false

	ep := &fakeEndpoint{rx: [][]byte{{10, 0}}} // one 10-tick interval, then EOS
	var next floppy.State
	for i := 0; i < 8; i++ {
		next = c.ServiceWrite(ep, noopYielder{})
		if pins.Get("wgate") {
			break
		}
	}

	if !pins.Get("wgate") {
		t.Fatalf("expected wgate asserted once the write phase became active")
	}
	_ = next
}

func TestServiceWriteUnderflowWhenHostOutpacedByConsumer(t *testing.T) {
	clock := &fakeClock{}
	pins := newFakePins()
	writeDesc := &fakeDescriptor{}
	c := newController(clock, pins, &fakeDescriptor{}, writeDesc)

	c.PrepWrite([]byte{0}) // cue_at_index=false, terminate_at_index=false

	// A single frame of 130 literal-interval bytes (each >= the minimum
	// pulse width, each decoding to exactly one sample) crosses the
	// pre-fill threshold in one pullWriteData call and moves the phase
	// past wait_data with no end-of-stream byte sent.
	frame := make([]byte, 130)
	for i := range frame {
		frame[i] = 100
	}
	ep := &fakeEndpoint{rx: [][]byte{frame}}

	var next floppy.State
	for i := 0; i < 4 && next != floppy.StateWriteFlux; i++ {
		next = c.ServiceWrite(ep, noopYielder{})
	}
	if next != floppy.StateWriteFlux || !pins.Get("wgate") {
		t.Fatalf("expected the stream to reach write_flux with wgate asserted, got state=%v wgate=%v", next, pins.Get("wgate"))
	}

	// Hardware instantly catches up to every one of the 130 samples
	// pushed by the single decoded frame: the ring reports itself as
	// fully free, the signature of a consumer that has run out of data
	// to play back.
	writeDesc.pos = 130

	for i := 0; i < 4 && next != floppy.StateWriteFluxDrain; i++ {
		next = c.ServiceWrite(ep, noopYielder{})
	}

	if next != floppy.StateWriteFluxDrain {
		t.Fatalf("expected write_flux_drain once the ring ran dry with no end-of-stream byte, got %v", next)
	}
	if c.Status() != floppy.AckFluxUnderflow {
		t.Fatalf("expected AckFluxUnderflow, got %v", c.Status())
	}
}

func TestServiceEraseAssertsThenDeassertsWGate(t *testing.T) {
	clock := &fakeClock{}
	pins := newFakePins()
	c := newController(clock, pins, &fakeDescriptor{}, &fakeDescriptor{})

	c.PrepErase(le32(100))
	if !pins.Get("wgate") {
		t.Fatalf("expected wgate asserted immediately on PrepErase")
	}

	if next := c.ServiceErase(); next != floppy.StateEraseFlux {
		t.Fatalf("expected to remain in erase_flux before the deadline, got %v", next)
	}

	clock.now = 200
	if next := c.ServiceErase(); next != floppy.StateCommandWait {
		t.Fatalf("expected command_wait once the erase deadline elapsed, got %v", next)
	}
	if pins.Get("wgate") {
		t.Fatalf("expected wgate deasserted after erase completes")
	}
}

func TestServiceSourceBytesStreamsRequestedCount(t *testing.T) {
	clock := &fakeClock{}
	pins := newFakePins()
	c := newController(clock, pins, &fakeDescriptor{}, &fakeDescriptor{})

	c.PrepSourceBytes(le32(10))
	ep := &fakeEndpoint{}

	var total int
	for i := 0; i < 5; i++ {
		next := c.ServiceSourceBytes(ep)
		if next == floppy.StateCommandWait {
			break
		}
	}
	for _, b := range ep.tx {
		total += len(b)
	}
	if total != 10 {
		t.Fatalf("expected exactly 10 bytes streamed, got %d", total)
	}
}

func TestServiceSinkBytesConsumesRequestedCount(t *testing.T) {
	clock := &fakeClock{}
	pins := newFakePins()
	c := newController(clock, pins, &fakeDescriptor{}, &fakeDescriptor{})

	c.PrepSinkBytes(le32(4))
	ep := &fakeEndpoint{rx: [][]byte{{1, 2, 3, 4}}}

	next := c.ServiceSinkBytes(ep)
	if next != floppy.StateCommandWait {
		t.Fatalf("expected command_wait once the requested bytes were sunk, got %v", next)
	}
}

func TestNullDescriptorAlwaysReportsZero(t *testing.T) {
	var d NullDescriptor
	if d.Position() != 0 {
		t.Fatalf("expected NullDescriptor.Position() == 0, got %d", d.Position())
	}
}

var _ worker.Yielder = noopYielder{}
