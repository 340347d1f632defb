package timemachine

import (
	"chronotable/internal/common"
	"errors"
	"fmt"
	"io"
	"testing"
)

func newTestMachine(t testing.TB, opts Options) *TimeMachine {
	t.Helper()
	return New(opts)
}

// relaxedOptions keep every knob off so individual tests opt in.
func relaxedOptions() Options {
	return Options{DedupeUnchangedSamples: false, StrictMonotonicTime: false}
}

// TestWriteAndValueAt covers the immediate round-trip property: a write
// is visible at its own timestamp the moment it returns.
func TestWriteAndValueAt(t *testing.T) {
	tm := newTestMachine(t, relaxedOptions())

	if err := tm.Write("a", common.Record("v1"), 100); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	got, err := tm.ValueAt("a", 100)
	if err != nil {
		t.Fatalf("ValueAt at the write's own timestamp failed: %v", err)
	}
	if string(got) != "v1" {
		t.Errorf("ValueAt = %q, want \"v1\"", got)
	}

	if _, err := tm.ValueAt("a", 99); !errors.Is(err, common.ErrNoData) {
		t.Errorf("ValueAt before first write: err = %v, want ErrNoData", err)
	}
	if _, err := tm.ValueAt("never-written", 100); !errors.Is(err, common.ErrUnknownKey) {
		t.Errorf("ValueAt for unknown key: err = %v, want ErrUnknownKey", err)
	}
}

// TestLastWriteResolution verifies that for in-order writes, a snapshot
// resolves to the latest write at or before its time.
func TestLastWriteResolution(t *testing.T) {
	tm := newTestMachine(t, relaxedOptions())

	for i, ts := range []common.Timestamp{10, 20, 30} {
		value := common.Record(fmt.Sprintf("v%d", i+1))
		if err := tm.Write("k", value, ts); err != nil {
			t.Fatalf("Write at %d failed: %v", ts, err)
		}
	}

	cases := []struct {
		ts   common.Timestamp
		want string
	}{
		{10, "v1"}, {19, "v1"}, {20, "v2"}, {25, "v2"}, {30, "v3"}, {999, "v3"},
	}
	for _, c := range cases {
		got, ok := tm.Snapshot(c.ts).Get("k")
		if !ok || string(got) != c.want {
			t.Errorf("snapshot(%d).Get(k) = %q, %v, want %q", c.ts, got, ok, c.want)
		}
	}
}

// TestStability verifies that with no write to a key in (t1, t2], the key
// reads identically at t1 and t2.
func TestStability(t *testing.T) {
	tm := newTestMachine(t, relaxedOptions())

	if err := tm.Write("a", common.Record("x"), 10); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := tm.Write("b", common.Record("y"), 40); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	// No write to "a" between 10 and 40.
	for ts := common.Timestamp(10); ts <= 40; ts++ {
		got, ok := tm.Snapshot(ts).Get("a")
		if !ok || string(got) != "x" {
			t.Fatalf("snapshot(%d).Get(a) = %q, %v; value drifted without a write", ts, got, ok)
		}
	}
}

// TestIdempotentWrite verifies that repeating an identical write leaves
// all query results unchanged, whichever dedupe policy is in force.
func TestIdempotentWrite(t *testing.T) {
	for _, dedupe := range []bool{true, false} {
		t.Run(fmt.Sprintf("dedupe=%v", dedupe), func(t *testing.T) {
			tm := newTestMachine(t, Options{DedupeUnchangedSamples: dedupe, StrictMonotonicTime: true})

			for range 3 {
				if err := tm.Write("k", common.Record("v"), 50); err != nil {
					t.Fatalf("repeated Write failed: %v", err)
				}
			}

			if got, ok := tm.Snapshot(50).Get("k"); !ok || string(got) != "v" {
				t.Errorf("snapshot(50).Get(k) = %q, %v, want \"v\", true", got, ok)
			}
			if _, ok := tm.Snapshot(49).Get("k"); ok {
				t.Error("snapshot(49) sees a value written at 50")
			}
			if wm, ok := tm.Watermark(); !ok || wm != 50 {
				t.Errorf("Watermark = %d, %v, want 50, true", wm, ok)
			}
		})
	}
}

// TestStrictOrdering verifies the global watermark policy: any write
// behind the watermark is rejected, across keys.
func TestStrictOrdering(t *testing.T) {
	tm := newTestMachine(t, Options{StrictMonotonicTime: true})

	if err := tm.Write("a", common.Record("x"), 100); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	err := tm.Write("b", common.Record("y"), 99)
	if !errors.Is(err, common.ErrTimeTravelViolation) {
		t.Fatalf("cross-key write behind watermark: err = %v, want ErrTimeTravelViolation", err)
	}

	// The rejected write must leave no trace.
	if _, err := tm.ValueAt("b", 200); !errors.Is(err, common.ErrUnknownKey) {
		t.Errorf("rejected write created key: err = %v, want ErrUnknownKey", err)
	}

	// Equal to the watermark is allowed.
	if err := tm.Write("b", common.Record("y"), 100); err != nil {
		t.Errorf("write at the watermark rejected: %v", err)
	}
}

// TestRelaxedOrdering verifies the per-key policy: an older timestamp is
// fine on a different key but not on the same key.
func TestRelaxedOrdering(t *testing.T) {
	tm := newTestMachine(t, relaxedOptions())

	if err := tm.Write("a", common.Record("x"), 100); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := tm.Write("b", common.Record("y"), 50); err != nil {
		t.Fatalf("cross-key write behind another key's time rejected in relaxed mode: %v", err)
	}

	err := tm.Write("a", common.Record("z"), 99)
	if !errors.Is(err, common.ErrOutOfOrderWrite) {
		t.Errorf("same-key out-of-order write: err = %v, want ErrOutOfOrderWrite", err)
	}

	// KeysAsOf must stay correct even though events arrived out of
	// global order.
	keys := tm.KeysAsOf(60)
	if _, ok := keys["b"]; !ok {
		t.Error("KeysAsOf(60) is missing b written at 50")
	}
	if _, ok := keys["a"]; ok {
		t.Error("KeysAsOf(60) contains a, first written at 100")
	}
}

// TestKeysAsOf walks a small history of writes and deletions and checks
// the live-key set at each boundary.
func TestKeysAsOf(t *testing.T) {
	tm := newTestMachine(t, Options{StrictMonotonicTime: true})

	if got := tm.KeysAsOf(0); len(got) != 0 {
		t.Fatalf("KeysAsOf(0) on empty machine = %v, want empty", got)
	}

	steps := []struct {
		key     common.Key
		deleted bool
		ts      common.Timestamp
	}{
		{"a", false, 10},
		{"b", false, 20},
		{"a", true, 30},
		{"c", false, 30},
		{"b", true, 40},
	}
	for _, s := range steps {
		var err error
		if s.deleted {
			err = tm.Delete(s.key, s.ts)
		} else {
			err = tm.Write(s.key, common.Record("v"), s.ts)
		}
		if err != nil {
			t.Fatalf("step %+v failed: %v", s, err)
		}
	}

	want := map[common.Timestamp][]common.Key{
		5:  {},
		10: {"a"},
		20: {"a", "b"},
		29: {"a", "b"},
		30: {"b", "c"},
		40: {"c"},
		99: {"c"},
	}
	for ts, keys := range want {
		got := tm.KeysAsOf(ts)
		if len(got) != len(keys) {
			t.Errorf("KeysAsOf(%d) = %v, want %v", ts, got, keys)
			continue
		}
		for _, k := range keys {
			if _, ok := got[k]; !ok {
				t.Errorf("KeysAsOf(%d) missing %q", ts, k)
			}
		}
	}
}

// TestDeleteUnknownKey: deleting a never-written key is a tombstone-only
// history, visible to nothing.
func TestDeleteUnknownKey(t *testing.T) {
	tm := newTestMachine(t, Options{StrictMonotonicTime: true})

	if err := tm.Delete("ghost", 10); err != nil {
		t.Fatalf("Delete of unknown key failed: %v", err)
	}
	if _, err := tm.ValueAt("ghost", 10); !errors.Is(err, common.ErrNoData) {
		t.Errorf("ValueAt on tombstone-only key: err = %v, want ErrNoData", err)
	}
	if got := tm.KeysAsOf(10); len(got) != 0 {
		t.Errorf("KeysAsOf(10) = %v, want empty", got)
	}
}

// TestApplySample verifies whole-poll ingestion: polled keys are written,
// keys missing from the poll are tombstoned.
func TestApplySample(t *testing.T) {
	tm := newTestMachine(t, Options{DedupeUnchangedSamples: true, StrictMonotonicTime: true})

	first := map[common.Key]common.Record{
		"a": common.Record("1"),
		"b": common.Record("2"),
		"c": common.Record("3"),
	}
	if err := tm.ApplySample(first, 10); err != nil {
		t.Fatalf("ApplySample(10) failed: %v", err)
	}

	// b disappears, c changes, a is unchanged.
	second := map[common.Key]common.Record{
		"a": common.Record("1"),
		"c": common.Record("30"),
	}
	if err := tm.ApplySample(second, 20); err != nil {
		t.Fatalf("ApplySample(20) failed: %v", err)
	}

	sv := tm.Snapshot(20)
	if got, ok := sv.Get("a"); !ok || string(got) != "1" {
		t.Errorf("Get(a) at 20 = %q, %v, want \"1\", true", got, ok)
	}
	if _, ok := sv.Get("b"); ok {
		t.Error("b still live at 20 although absent from the poll")
	}
	if got, ok := sv.Get("c"); !ok || string(got) != "30" {
		t.Errorf("Get(c) at 20 = %q, %v, want \"30\", true", got, ok)
	}

	// At 10 the first poll is intact.
	if got, ok := tm.Snapshot(10).Get("b"); !ok || string(got) != "2" {
		t.Errorf("Get(b) at 10 = %q, %v, want \"2\", true", got, ok)
	}

	// Unchanged a was deduped: one stored entry.
	entries, err := tm.History("a")
	if err != nil {
		t.Fatalf("History(a) failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("History(a) has %d entries, want 1 (unchanged sample deduped)", len(entries))
	}
}

// sliceFeed replays a canned change list through the ChangeFeed seam.
type sliceFeed struct {
	changes []feedChange
	pos     int
}

type feedChange struct {
	key     common.Key
	value   common.Record
	deleted bool
	ts      common.Timestamp
}

func (f *sliceFeed) Next() (common.Key, common.Record, bool, common.Timestamp, error) {
	if f.pos >= len(f.changes) {
		return "", nil, false, 0, io.EOF
	}
	c := f.changes[f.pos]
	f.pos++
	return c.key, c.value, c.deleted, c.ts, nil
}

// TestReplay verifies startup replay from an opaque append-only feed.
func TestReplay(t *testing.T) {
	tm := newTestMachine(t, Options{StrictMonotonicTime: true})

	feed := &sliceFeed{changes: []feedChange{
		{"a", common.Record("1"), false, 10},
		{"b", common.Record("2"), false, 20},
		{"a", nil, true, 30},
	}}
	if err := tm.Replay(feed); err != nil {
		t.Fatalf("Replay failed: %v", err)
	}

	if _, ok := tm.Snapshot(30).Get("a"); ok {
		t.Error("a live at 30 after replayed deletion")
	}
	if got, ok := tm.Snapshot(30).Get("b"); !ok || string(got) != "2" {
		t.Errorf("Get(b) at 30 = %q, %v, want \"2\", true", got, ok)
	}
	if wm, ok := tm.Watermark(); !ok || wm != 30 {
		t.Errorf("Watermark after replay = %d, %v, want 30, true", wm, ok)
	}

	// A feed violating the ordering policy stops the replay with the
	// write's error.
	bad := &sliceFeed{changes: []feedChange{
		{"c", common.Record("3"), false, 5},
	}}
	if err := tm.Replay(bad); !errors.Is(err, common.ErrTimeTravelViolation) {
		t.Errorf("replay behind watermark: err = %v, want ErrTimeTravelViolation", err)
	}
}

// TestWatermarkAndSampleTimes covers the bookkeeping supplements:
// watermark, min time, distinct sample times, stats.
func TestWatermarkAndSampleTimes(t *testing.T) {
	tm := newTestMachine(t, Options{StrictMonotonicTime: true})

	if _, ok := tm.Watermark(); ok {
		t.Error("Watermark reported before any write")
	}
	if _, ok := tm.MinTime(); ok {
		t.Error("MinTime reported before any write")
	}

	for _, ts := range []common.Timestamp{10, 10, 20, 30} {
		if err := tm.Write("k", common.Record(fmt.Sprintf("v@%d", ts)), ts); err != nil {
			t.Fatalf("Write at %d failed: %v", ts, err)
		}
	}
	if err := tm.Write("j", common.Record("w"), 30); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	if wm, _ := tm.Watermark(); wm != 30 {
		t.Errorf("Watermark = %d, want 30", wm)
	}
	if min, _ := tm.MinTime(); min != 10 {
		t.Errorf("MinTime = %d, want 10", min)
	}

	times := tm.SampleTimes()
	want := []common.Timestamp{10, 20, 30}
	if len(times) != len(want) {
		t.Fatalf("SampleTimes = %v, want %v", times, want)
	}
	for i := range want {
		if times[i] != want[i] {
			t.Fatalf("SampleTimes = %v, want %v", times, want)
		}
	}

	stats := tm.Stats()
	if stats.Keys != 2 {
		t.Errorf("Stats.Keys = %d, want 2", stats.Keys)
	}
	// k's re-sample at 10 replaced in place: 3 entries for k, 1 for j.
	if stats.Entries != 4 {
		t.Errorf("Stats.Entries = %d, want 4", stats.Entries)
	}
	if stats.Samples != 5 {
		t.Errorf("Stats.Samples = %d, want 5", stats.Samples)
	}
}

// rejectingIndex refuses every transition, standing in for an index that
// detects an inconsistency during staging.
type rejectingIndex struct{}

func (rejectingIndex) Name() string { return "rejecting" }
func (rejectingIndex) Validate(common.Key, common.Record, common.Record, bool, bool, common.Timestamp) error {
	return common.ErrIndexInconsistency
}
func (rejectingIndex) Apply(common.Key, common.Record, common.Record, bool, bool, common.Timestamp) {
}

// TestWriteRejectedByIndexLeavesNoTrace verifies atomic rejection: when a
// subscriber fails validation the primary table must not change either.
func TestWriteRejectedByIndexLeavesNoTrace(t *testing.T) {
	tm := newTestMachine(t, Options{StrictMonotonicTime: true})
	if err := tm.RegisterIndex(rejectingIndex{}); err != nil {
		t.Fatalf("RegisterIndex failed: %v", err)
	}

	err := tm.Write("a", common.Record("v"), 10)
	if !errors.Is(err, common.ErrIndexInconsistency) {
		t.Fatalf("Write err = %v, want ErrIndexInconsistency", err)
	}

	if _, err := tm.ValueAt("a", 10); !errors.Is(err, common.ErrUnknownKey) {
		t.Errorf("rejected write reached the table: err = %v, want ErrUnknownKey", err)
	}
	if got := tm.KeysAsOf(10); len(got) != 0 {
		t.Errorf("rejected write reached the event log: KeysAsOf = %v", got)
	}
	if _, ok := tm.Watermark(); ok {
		t.Error("rejected write advanced the watermark")
	}
}

// TestRegisterIndexOnNonEmptyMachine verifies that plain registration
// never backfills and is refused once history exists.
func TestRegisterIndexOnNonEmptyMachine(t *testing.T) {
	tm := newTestMachine(t, Options{StrictMonotonicTime: true})

	if err := tm.Write("a", common.Record("v"), 10); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	err := tm.RegisterIndex(rejectingIndex{})
	if !errors.Is(err, common.ErrIndexNotBuilt) {
		t.Errorf("RegisterIndex on non-empty machine: err = %v, want ErrIndexNotBuilt", err)
	}
}
