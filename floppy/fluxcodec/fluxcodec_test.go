package fluxcodec

import "testing"

func TestEncodeDecodeRoundTripLiterals(t *testing.T) {
	enc := NewEncoder(72)
	dec := NewDecoder(32)

	intervals := []uint32{60, 100, 249, 250, 800, 1524}

	var wire []byte
	for _, v := range intervals {
		wire = enc.EncodeInterval(wire, v)
	}
	wire = append(wire, 0) // terminator

	var out []uint32
	consumed, out := dec.Decode(wire, out, 1<<20)

	if consumed != len(wire) {
		t.Fatalf("expected to consume all %d bytes, consumed %d", len(wire), consumed)
	}
	if !dec.IsFinished {
		t.Fatalf("expected decoder to observe terminator")
	}
	if len(out) != len(intervals) {
		t.Fatalf("expected %d samples, got %d", len(intervals), len(out))
	}
	for i, v := range intervals {
		want := v - 1
		if out[i] != want {
			t.Fatalf("sample %d: want %d got %d", i, want, out[i])
		}
	}
}

func Test28BitFramingByteSafety(t *testing.T) {
	for _, x := range []uint32{0, 1, 0x7f, 0xffff, 0xfffffe, 1<<28 - 1} {
		b := write28(nil, x)
		if len(b) != 4 {
			t.Fatalf("expected 4 bytes, got %d", len(b))
		}
		for _, c := range b {
			if c == 0x00 || c == 0xff {
				t.Fatalf("encoding of %#x produced forbidden byte %#x: %v", x, c, b)
			}
		}
		if got := read28(b); got != x {
			t.Fatalf("round trip of %#x: got %#x", x, got)
		}
	}
}

func TestScenarioS6SpaceSynthesis(t *testing.T) {
	enc := NewEncoder(72)

	wire := enc.EncodeInterval(nil, 10000)

	if wire[0] != 0xff || wire[1] != OpSpace {
		t.Fatalf("expected SPACE escape prefix, got % x", wire[:2])
	}
	if got := read28(wire[2:6]); got != 10000-249 {
		t.Fatalf("expected 28-bit value %d, got %d", 10000-249, got)
	}
	if wire[6] != 249 {
		t.Fatalf("expected trailing literal 249, got %d", wire[6])
	}

	dec := NewDecoder(32)
	wire = append(wire, 0)
	_, out := dec.Decode(wire, nil, 16)
	if len(out) != 1 || out[0] != 10000-1 {
		t.Fatalf("expected single sample of %d, got %v", 10000-1, out)
	}
}

func TestEncodeIndexOpcode(t *testing.T) {
	enc := NewEncoder(72)
	wire := enc.EncodeIndex(nil, 123456)
	if wire[0] != 0xff || wire[1] != OpIndex {
		t.Fatalf("expected INDEX escape prefix, got % x", wire[:2])
	}
	if got := read28(wire[2:6]); got != 123456 {
		t.Fatalf("expected index delta 123456, got %d", got)
	}
}

func TestDecodeInvalidOpcode(t *testing.T) {
	dec := NewDecoder(32)
	wire := []byte{0xff, 0x7f, 1, 1, 1, 1}
	dec.Decode(wire, nil, 16)
	if dec.Err != ErrBadOpcode {
		t.Fatalf("expected ErrBadOpcode, got %v", dec.Err)
	}
}

func TestDecodeSubMinimumPulseFolded(t *testing.T) {
	dec := NewDecoder(32)
	// two tiny intervals below the 800ns floor (≈58 ticks at 72MHz) fold
	// into the following sample rather than producing their own
	// transition.
	wire := []byte{10, 10, 200, 0}
	_, out := dec.Decode(wire, nil, 16)
	if len(out) != 1 {
		t.Fatalf("expected the three short intervals to fold into one sample, got %v", out)
	}
	if want := uint32(10 + 10 + 200 - 1); out[0] != want {
		t.Fatalf("expected folded sample %d, got %d", want, out[0])
	}
}

func TestEncodeLargeIntervalChunks28BitOverflow(t *testing.T) {
	enc := NewEncoder(72)
	const huge = uint32(1<<28) + 500 // exceeds a single 28-bit SPACE value
	wire := enc.EncodeInterval(nil, huge)
	wire = append(wire, 0)

	dec := NewDecoder(32)
	_, out := dec.Decode(wire, nil, 16)
	if len(out) != 1 || out[0] != huge-1 {
		t.Fatalf("expected single sample %d after chunked SPACE opcodes, got %v", huge-1, out)
	}
}
