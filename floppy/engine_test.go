package floppy

import (
	"bytes"
	"testing"

	"github.com/usbarmory/fluxbridge/floppy/worker"
)

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

type fakeDispatcher struct {
	resp []byte
	next State
}

func (d *fakeDispatcher) Dispatch(frame []byte, y worker.Yielder) ([]byte, State) {
	return d.resp, d.next
}

// fakeStream is a Stream test double whose Service* methods return
// whatever next state the test configured, and count how many times
// each was invoked.
type fakeStream struct {
	readNext, writeNext, eraseNext, sourceNext, sinkNext State
	calls                                                map[string]int
}

func newFakeStream() *fakeStream {
	return &fakeStream{calls: map[string]int{}}
}

func (s *fakeStream) ServiceRead(ep Endpoint, y worker.Yielder) State {
	s.calls["read"]++
	return s.readNext
}

func (s *fakeStream) ServiceWrite(ep Endpoint, y worker.Yielder) State {
	s.calls["write"]++
	return s.writeNext
}

func (s *fakeStream) ServiceErase() State {
	s.calls["erase"]++
	return s.eraseNext
}

func (s *fakeStream) ServiceSourceBytes(ep Endpoint) State {
	s.calls["source"]++
	return s.sourceNext
}

func (s *fakeStream) ServiceSinkBytes(ep Endpoint) State {
	s.calls["sink"]++
	return s.sinkNext
}

type noopYielder struct{}

func (noopYielder) Yield() {}

func TestStepIgnoresCommandsBeforeConfigure(t *testing.T) {
	ep := &fakeEndpoint{rx: [][]byte{{1, 2}}}
	disp := &fakeDispatcher{resp: []byte{1, 0}, next: StateCommandWait}
	e := NewEngine(ep, disp, newFakeStream(), 64)

	e.Step(noopYielder{})
	if len(ep.tx) != 0 {
		t.Fatalf("expected no response before Configure, got %v", ep.tx)
	}
}

func TestDispatchesOneFrameAndWritesResponse(t *testing.T) {
	ep := &fakeEndpoint{rx: [][]byte{{1, 2}}}
	disp := &fakeDispatcher{resp: []byte{1, 0}, next: StateCommandWait}
	e := NewEngine(ep, disp, newFakeStream(), 64)
	e.Configure()

	e.Step(noopYielder{})

	if len(ep.tx) != 1 || !bytes.Equal(ep.tx[0], []byte{1, 0}) {
		t.Fatalf("expected one response packet [1 0], got %v", ep.tx)
	}
	if e.State() != StateCommandWait {
		t.Fatalf("expected command_wait, got %v", e.State())
	}
}

func TestResponseExactlyOneMPSIsFollowedByZLP(t *testing.T) {
	ep := &fakeEndpoint{rx: [][]byte{{1, 2}}}
	resp := make([]byte, 4)
	disp := &fakeDispatcher{resp: resp, next: StateCommandWait}
	e := NewEngine(ep, disp, newFakeStream(), 4)
	e.Configure()

	e.Step(noopYielder{})
	if e.State() != StateZLP {
		t.Fatalf("expected ZLP state after an exact-MPS response, got %v", e.State())
	}

	e.Step(noopYielder{})
	if len(ep.tx) != 2 || len(ep.tx[1]) != 0 {
		t.Fatalf("expected a trailing zero-length packet, got %v", ep.tx)
	}
	if e.State() != StateCommandWait {
		t.Fatalf("expected command_wait after ZLP, got %v", e.State())
	}
}

func TestResponseLargerThanMPSSpansMultiplePackets(t *testing.T) {
	ep := &fakeEndpoint{rx: [][]byte{{1, 2}}}
	resp := []byte{0xA, 0, 1, 2, 3, 4, 5} // 7 bytes, mps=4: 4 + 3, not a boundary
	disp := &fakeDispatcher{resp: resp, next: StateCommandWait}
	e := NewEngine(ep, disp, newFakeStream(), 4)
	e.Configure()

	e.Step(noopYielder{})
	if len(ep.tx) != 1 || len(ep.tx[0]) != 4 {
		t.Fatalf("expected first 4-byte packet, got %v", ep.tx)
	}

	e.Step(noopYielder{})
	if len(ep.tx) != 2 || !bytes.Equal(ep.tx[1], resp[4:]) {
		t.Fatalf("expected remaining 3 bytes, got %v", ep.tx)
	}
	if e.State() != StateCommandWait {
		t.Fatalf("expected command_wait (no ZLP needed), got %v", e.State())
	}
}

func TestTxNotReadyDeferTransmission(t *testing.T) {
	ep := &fakeEndpoint{rx: [][]byte{{1, 2}}, txBlock: true}
	disp := &fakeDispatcher{resp: []byte{1, 0}, next: StateCommandWait}
	e := NewEngine(ep, disp, newFakeStream(), 64)
	e.Configure()

	e.Step(noopYielder{})
	if len(ep.tx) != 0 {
		t.Fatalf("expected no transmission while TX blocked, got %v", ep.tx)
	}

	ep.txBlock = false
	e.Step(noopYielder{})
	if len(ep.tx) != 1 {
		t.Fatalf("expected transmission once TX became ready, got %v", ep.tx)
	}
}

func TestReadFluxStateDelegatesToStream(t *testing.T) {
	ep := &fakeEndpoint{}
	disp := &fakeDispatcher{}
	stream := newFakeStream()
	stream.readNext = StateReadFluxDrain
	e := NewEngine(ep, disp, stream, 64)
	e.Configure()
	e.state = StateReadFlux

	e.Step(noopYielder{})

	if stream.calls["read"] != 1 {
		t.Fatalf("expected ServiceRead to be called once, got %d", stream.calls["read"])
	}
	if e.State() != StateReadFluxDrain {
		t.Fatalf("expected state to follow ServiceRead's return, got %v", e.State())
	}
}

func TestWriteFluxStatesAllDelegateToServiceWrite(t *testing.T) {
	for _, start := range []State{StateWriteFluxWaitData, StateWriteFluxWaitIndex, StateWriteFlux, StateWriteFluxDrain} {
		ep := &fakeEndpoint{}
		disp := &fakeDispatcher{}
		stream := newFakeStream()
		stream.writeNext = StateCommandWait
		e := NewEngine(ep, disp, stream, 64)
		e.Configure()
		e.state = start

		e.Step(noopYielder{})

		if stream.calls["write"] != 1 {
			t.Fatalf("state %v: expected ServiceWrite to be called once, got %d", start, stream.calls["write"])
		}
		if e.State() != StateCommandWait {
			t.Fatalf("state %v: expected command_wait, got %v", start, e.State())
		}
	}
}

func TestEraseFluxStateDelegatesToServiceErase(t *testing.T) {
	ep := &fakeEndpoint{}
	disp := &fakeDispatcher{}
	stream := newFakeStream()
	stream.eraseNext = StateEraseFlux
	e := NewEngine(ep, disp, stream, 64)
	e.Configure()
	e.state = StateEraseFlux

	e.Step(noopYielder{})

	if stream.calls["erase"] != 1 {
		t.Fatalf("expected ServiceErase to be called once, got %d", stream.calls["erase"])
	}
	if e.State() != StateEraseFlux {
		t.Fatalf("expected to remain in erase_flux, got %v", e.State())
	}
}

func TestSourceAndSinkBytesStatesDelegateToStream(t *testing.T) {
	ep := &fakeEndpoint{}
	disp := &fakeDispatcher{}
	stream := newFakeStream()
	stream.sourceNext = StateCommandWait
	stream.sinkNext = StateCommandWait

	e := NewEngine(ep, disp, stream, 64)
	e.Configure()

	e.state = StateSourceBytes
	e.Step(noopYielder{})
	if stream.calls["source"] != 1 || e.State() != StateCommandWait {
		t.Fatalf("expected ServiceSourceBytes delegation, calls=%d state=%v", stream.calls["source"], e.State())
	}

	e.state = StateSinkBytes
	e.Step(noopYielder{})
	if stream.calls["sink"] != 1 || e.State() != StateCommandWait {
		t.Fatalf("expected ServiceSinkBytes delegation, calls=%d state=%v", stream.calls["sink"], e.State())
	}
}

func TestBootloaderAndTestmodeStatesAreNoopsNotStreamed(t *testing.T) {
	ep := &fakeEndpoint{}
	disp := &fakeDispatcher{}
	stream := newFakeStream()
	e := NewEngine(ep, disp, stream, 64)
	e.Configure()

	for _, start := range []State{StateUpdateBootloader, StateTestmode} {
		e.state = start
		e.Step(noopYielder{})
		if e.State() != StateCommandWait {
			t.Fatalf("state %v: expected command_wait, got %v", start, e.State())
		}
	}
	if len(stream.calls) != 0 {
		t.Fatalf("expected no Stream calls for bootloader/testmode states, got %v", stream.calls)
	}
}

func TestNilStreamDrainsFluxStatesToCommandWait(t *testing.T) {
	ep := &fakeEndpoint{}
	disp := &fakeDispatcher{}
	e := NewEngine(ep, disp, nil, 64)
	e.Configure()

	for _, start := range []State{StateReadFlux, StateWriteFlux, StateEraseFlux, StateSourceBytes, StateSinkBytes} {
		e.state = start
		e.Step(noopYielder{})
		if e.State() != StateCommandWait {
			t.Fatalf("state %v: expected nil-stream fallback to command_wait, got %v", start, e.State())
		}
	}
}
