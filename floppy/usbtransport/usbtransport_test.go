package usbtransport

import (
	"bytes"
	"testing"
)

func TestBridgeDeliversOutPacketToRead(t *testing.T) {
	b := NewBridge()

	if b.RxReady() {
		t.Fatalf("expected no packet ready yet")
	}

	b.Function([]byte{1, 2, 3}, nil)

	if !b.RxReady() {
		t.Fatalf("expected packet ready after Function received one")
	}
	got := b.Read()
	if !bytes.Equal(got, []byte{1, 2, 3}) {
		t.Fatalf("got %v", got)
	}
	if b.RxReady() {
		t.Fatalf("expected Read to consume the packet")
	}
}

func TestBridgeQueuesWriteForNextFunctionCall(t *testing.T) {
	b := NewBridge()

	if !b.TxReady() {
		t.Fatalf("expected tx ready initially")
	}
	b.Write([]byte{9, 9})
	if b.TxReady() {
		t.Fatalf("expected tx busy until the callback drains it")
	}

	out, err := b.Function(nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(out, []byte{9, 9}) {
		t.Fatalf("got %v", out)
	}
	if !b.TxReady() {
		t.Fatalf("expected tx ready again after drain")
	}
}

func TestBridgeDropsOutPacketWhenRxAlreadyFull(t *testing.T) {
	b := NewBridge()
	b.Function([]byte{1}, nil)
	b.Function([]byte{2}, nil) // dropped: previous packet not yet read

	if !b.RxReady() {
		t.Fatalf("expected the first packet to be ready")
	}
	got := b.Read()
	if !bytes.Equal(got, []byte{1}) {
		t.Fatalf("expected the first packet to survive, got %v", got)
	}
}
