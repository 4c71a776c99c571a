package buffer

import (
	"testing"

	"github.com/arenx/tickstore/internal/storage/types"
)

func tick(id uint64, name string, ms int64) types.Tick {
	return types.Tick{
		InstrumentID: id,
		Instrument:   name,
		EventTimeMs:  ms,
		BidPrice:     1.0850,
		AskPrice:     1.0852,
		BidSize:      1_000_000,
		AskSize:      1_000_000,
	}
}

func TestInsertAndDuplicate(t *testing.T) {
	b := New(16)

	inserted, dup := b.Insert(tick(1, "EURUSD", 1000))
	if !inserted || dup {
		t.Fatalf("first insert: inserted=%v dup=%v", inserted, dup)
	}

	inserted, dup = b.Insert(tick(1, "EURUSD", 1000))
	if inserted || !dup {
		t.Fatalf("duplicate insert: inserted=%v dup=%v", inserted, dup)
	}

	if b.Len() != 1 {
		t.Errorf("Len = %d, want 1", b.Len())
	}

	stats := b.Stats()
	if stats.DuplicateCount != 1 {
		t.Errorf("DuplicateCount = %d, want 1", stats.DuplicateCount)
	}
}

func TestSameTimeDifferentInstrumentNotDuplicate(t *testing.T) {
	b := New(16)

	b.Insert(tick(1, "EURUSD", 1000))
	inserted, dup := b.Insert(tick(2, "GBPUSD", 1000))
	if !inserted || dup {
		t.Fatalf("distinct instrument at same time: inserted=%v dup=%v", inserted, dup)
	}
	if b.Len() != 2 {
		t.Errorf("Len = %d, want 2", b.Len())
	}
}

func TestCapacityRejects(t *testing.T) {
	b := New(2)

	b.Insert(tick(1, "EURUSD", 1000))
	b.Insert(tick(1, "EURUSD", 2000))

	inserted, dup := b.Insert(tick(1, "EURUSD", 3000))
	if inserted || dup {
		t.Fatalf("over-capacity insert: inserted=%v dup=%v", inserted, dup)
	}

	// Duplicates still detected at capacity and don't count as rejects.
	_, dup = b.Insert(tick(1, "EURUSD", 1000))
	if !dup {
		t.Fatal("expected duplicate detection at capacity")
	}

	stats := b.Stats()
	if stats.RejectCount != 1 {
		t.Errorf("RejectCount = %d, want 1", stats.RejectCount)
	}
}

func TestMaxEventTime(t *testing.T) {
	b := New(16)

	if b.MaxEventTime() != 0 {
		t.Errorf("empty MaxEventTime = %d, want 0", b.MaxEventTime())
	}

	b.Insert(tick(1, "EURUSD", 5000))
	b.Insert(tick(1, "EURUSD", 3000)) // older tick must not lower the max

	if b.MaxEventTime() != 5000 {
		t.Errorf("MaxEventTime = %d, want 5000", b.MaxEventTime())
	}

	b.Reset()
	if b.MaxEventTime() != 0 {
		t.Errorf("MaxEventTime after reset = %d, want 0", b.MaxEventTime())
	}
}

func TestQueryRangeAndOrder(t *testing.T) {
	b := New(16)

	// Inserted out of order across two instruments.
	b.Insert(tick(2, "GBPUSD", 3000))
	b.Insert(tick(1, "EURUSD", 1000))
	b.Insert(tick(1, "EURUSD", 4000))
	b.Insert(tick(1, "EURUSD", 2000))

	got := b.Query(1, 1000, 4000)
	if len(got) != 2 {
		t.Fatalf("got %d ticks, want 2 (end is exclusive)", len(got))
	}
	if got[0].EventTimeMs != 1000 || got[1].EventTimeMs != 2000 {
		t.Errorf("results not sorted by event time: %d, %d", got[0].EventTimeMs, got[1].EventTimeMs)
	}

	all := b.Query(0, 0, 10_000)
	if len(all) != 4 {
		t.Fatalf("instrumentID 0 should match all, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if !all[i-1].Key().Less(all[i].Key()) {
			t.Errorf("results out of key order at %d", i)
		}
	}
}

func TestSnapshotSortedCopy(t *testing.T) {
	b := New(16)
	b.Insert(tick(1, "EURUSD", 3000))
	b.Insert(tick(1, "EURUSD", 1000))

	snap := b.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot len = %d, want 2", len(snap))
	}
	if snap[0].EventTimeMs != 1000 {
		t.Errorf("snapshot not sorted, first = %d", snap[0].EventTimeMs)
	}

	// Mutating the snapshot must not affect the buffer.
	snap[0].BidPrice = 0
	got := b.Query(1, 1000, 1001)
	if got[0].BidPrice != 1.0850 {
		t.Error("snapshot shares storage with buffer")
	}
}

func TestResetAllowsReinsert(t *testing.T) {
	b := New(4)
	b.Insert(tick(1, "EURUSD", 1000))
	b.Reset()

	if b.Len() != 0 {
		t.Fatalf("Len after reset = %d, want 0", b.Len())
	}

	inserted, dup := b.Insert(tick(1, "EURUSD", 1000))
	if !inserted || dup {
		t.Fatalf("reinsert after reset: inserted=%v dup=%v", inserted, dup)
	}
}

func TestUsageRatio(t *testing.T) {
	b := New(4)
	b.Insert(tick(1, "EURUSD", 1000))
	b.Insert(tick(1, "EURUSD", 2000))

	if got := b.UsageRatio(); got != 0.5 {
		t.Errorf("UsageRatio = %v, want 0.5", got)
	}
}
