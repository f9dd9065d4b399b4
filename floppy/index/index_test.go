package index

import (
	"testing"

	"github.com/usbarmory/fluxbridge/floppy"
)

func TestSoftSectorCountsEveryEdgePastGlitchMask(t *testing.T) {
	s := New(10)

	s.OnEdge(0, 1)
	if s.Count != 1 {
		t.Fatalf("expected first edge to count, got Count=%d", s.Count)
	}

	// within the glitch mask: ignored.
	s.OnEdge(5, 2)
	if s.Count != 1 {
		t.Fatalf("expected edge within glitch mask to be ignored, got Count=%d", s.Count)
	}

	// one full revolution later: counts.
	s.OnEdge(1000, 3)
	if s.Count != 2 {
		t.Fatalf("expected second revolution to count, got Count=%d", s.Count)
	}
	if s.RdataCnt != 3 {
		t.Fatalf("expected RdataCnt=3, got %d", s.RdataCnt)
	}
}

func TestHardSectorAlternatingShortLongCountsOnlySecondOfPair(t *testing.T) {
	s := New(10)
	s.SetHardSectorThreshold(1000)

	// first edge ever: establishes the baseline only, no pair to judge yet.
	s.OnEdge(0, 0)
	if s.Count != 0 {
		t.Fatalf("expected no count on the very first edge, got %d", s.Count)
	}

	// short pulse (index hole -> first sector hole): primes, not counted.
	s.OnEdge(100, 1)
	if s.Count != 0 {
		t.Fatalf("expected priming pulse not to count, got %d", s.Count)
	}

	// long pulse to the next revolution's index hole: unprimes, not counted.
	s.OnEdge(2000, 2)
	if s.Count != 0 {
		t.Fatalf("expected long pulse not to count, got %d", s.Count)
	}

	// short pulse again: primes.
	s.OnEdge(2100, 3)
	if s.Count != 0 {
		t.Fatalf("expected second priming pulse not to count, got %d", s.Count)
	}

	// long pulse: a single isolated short pulse never fires alone.
	s.OnEdge(4000, 4)
	if s.Count != 0 {
		t.Fatalf("expected count to remain 0 through repeated short/long cycling, got %d", s.Count)
	}
}

func TestHardSectorShortShortPairCountsOnSecondPulse(t *testing.T) {
	s := New(10)
	s.SetHardSectorThreshold(1000)

	s.OnEdge(0, 0)     // baseline
	s.OnEdge(100, 1)   // short: primes
	if s.Count != 0 {
		t.Fatalf("expected priming pulse not to count, got %d", s.Count)
	}
	s.OnEdge(200, 2) // short again: this is the sector hole, counts
	if s.Count != 1 {
		t.Fatalf("expected second short pulse of the pair to count, got %d", s.Count)
	}
	if s.RdataCnt != 2 {
		t.Fatalf("expected RdataCnt=2, got %d", s.RdataCnt)
	}
}

func TestHardSectorAllShortPulsesCountEveryOther(t *testing.T) {
	s := New(10)
	s.SetHardSectorThreshold(1000)

	var now floppy.Ticks
	var counts []uint32
	for i := 0; i < 8; i++ {
		now += 100
		s.OnEdge(now, uint32(i))
		counts = append(counts, s.Count)
	}

	// edges: 0(baseline),1(prime),2(count),3(prime),4(count),5(prime),6(count),7(prime)
	want := []uint32{0, 0, 1, 1, 2, 2, 3, 3}
	for i := range want {
		if counts[i] != want[i] {
			t.Fatalf("edge %d: expected Count=%d, got %d (all: %v)", i, want[i], counts[i], counts)
		}
	}
}

func TestHardSectorLongPulseUnprimesImmediately(t *testing.T) {
	s := New(10)
	s.SetHardSectorThreshold(1000)

	s.OnEdge(0, 0)
	s.OnEdge(100, 1) // primes
	s.OnEdge(5000, 2) // long: unprimes without counting
	s.OnEdge(5100, 3) // short: primes again, does not count
	if s.Count != 0 {
		t.Fatalf("expected Count=0, got %d", s.Count)
	}
	s.OnEdge(5200, 4) // short: completes the pair, counts
	if s.Count != 1 {
		t.Fatalf("expected Count=1, got %d", s.Count)
	}
}

func TestRefreshTriggerTimeNoopBeforeFirstEdge(t *testing.T) {
	s := New(10)
	s.RefreshTriggerTime(12345)
	if s.everTriggered {
		t.Fatalf("refresh must not mark the detector as triggered before any edge")
	}
}
