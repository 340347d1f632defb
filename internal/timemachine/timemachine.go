package timemachine

import (
	"chronotable/internal/changelog"
	"chronotable/internal/common"
	"chronotable/internal/logger"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Subscriber receives every accepted value transition, synchronously
// inside the write critical section so that index state for a timestamp
// is visible the instant the write is. Validate stages the update and may
// reject the write; Apply commits what Validate staged. The machine
// validates every subscriber before mutating anything, so a rejection
// leaves the table and all indices untouched.
type Subscriber interface {
	Name() string
	Validate(key common.Key, old, new common.Record, oldLive, newLive bool, ts common.Timestamp) error
	Apply(key common.Key, old, new common.Record, oldLive, newLive bool, ts common.Timestamp)
}

// keyEvent is one liveness transition in the machine-wide event log,
// kept sorted by time so KeysAsOf can binary-search to a cutoff instead
// of scanning every key's history.
type keyEvent struct {
	time   common.Timestamp
	key    common.Key
	exists bool
}

// TimeMachine owns every key's ChangeLog and answers "what was the
// collection's state as of t" for any t. Single-writer, multi-reader:
// one mutex guards writes; history is never mutated after publication
// (aside from the tie re-sample replacing the newest entry under the
// same lock), so any number of snapshot readers run concurrently.
type TimeMachine struct {
	mu     sync.RWMutex
	opts   Options
	logger *slog.Logger

	logs    map[common.Key]*changelog.ChangeLog
	events  []keyEvent
	indices []Subscriber

	watermark    common.Timestamp
	hasWatermark bool
	sampleTimes  []common.Timestamp
	samples      int
}

func New(opts Options) *TimeMachine {
	log := opts.Logger
	if log == nil {
		log = logger.New()
	}
	return &TimeMachine{
		opts:   opts,
		logger: log,
		logs:   make(map[common.Key]*changelog.ChangeLog),
	}
}

// Write records value for key as of ts. In strict mode ts must be at or
// beyond the global watermark (ErrTimeTravelViolation otherwise); in
// relaxed mode only the key's own last timestamp bounds it
// (ErrOutOfOrderWrite). A tie with the key's last timestamp re-samples:
// the newest entry is replaced rather than duplicated.
//
// The ChangeLog append, the event-log update, and every registered
// index's update commit inside one critical section, so no reader can
// observe the table without its indices at any timestamp.
func (tm *TimeMachine) Write(key common.Key, value common.Record, ts common.Timestamp) error {
	return tm.apply(key, value, false, ts)
}

// Delete records a tombstone for key as of ts. Equivalent to writing a
// tombstone value; snapshots at or beyond ts no longer see the key.
func (tm *TimeMachine) Delete(key common.Key, ts common.Timestamp) error {
	return tm.apply(key, nil, true, ts)
}

func (tm *TimeMachine) apply(key common.Key, value common.Record, deleted bool, ts common.Timestamp) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.opts.StrictMonotonicTime && tm.hasWatermark && ts < tm.watermark {
		return fmt.Errorf("write %q at %d behind watermark %d: %w",
			key, ts, tm.watermark, common.ErrTimeTravelViolation)
	}

	cl, known := tm.logs[key]
	if !known {
		cl = changelog.New(tm.opts.DedupeUnchangedSamples)
	}

	store, err := cl.Check(ts, value, deleted)
	if err != nil {
		return fmt.Errorf("write %q at %d: %w", key, ts, err)
	}
	if !store {
		// Unchanged re-sample under dedupe. The sample is accepted, it
		// just needs no new entry.
		tm.acceptLocked(ts)
		return nil
	}

	prev, hadPrev := cl.Last()
	oldLive := hadPrev && prev.Live()
	newLive := !deleted
	var oldVal common.Record
	if oldLive {
		oldVal = prev.Value
	}

	for _, idx := range tm.indices {
		if err := idx.Validate(key, oldVal, value, oldLive, newLive, ts); err != nil {
			tm.logger.Warn("write rejected by index",
				"index", idx.Name(), "key", key, "time", ts, "error", err)
			return err
		}
	}

	if _, err := cl.Put(ts, value, deleted); err != nil {
		// Check already vetted the ordering.
		return fmt.Errorf("write %q at %d: %w", key, ts, err)
	}
	if !known {
		tm.logs[key] = cl
	}

	tm.insertKeyEvent(keyEvent{time: ts, key: key, exists: newLive})

	for _, idx := range tm.indices {
		idx.Apply(key, oldVal, value, oldLive, newLive, ts)
	}

	tm.acceptLocked(ts)
	return nil
}

func (tm *TimeMachine) acceptLocked(ts common.Timestamp) {
	if !tm.hasWatermark || ts > tm.watermark {
		tm.watermark = ts
	}
	tm.hasWatermark = true
	tm.samples++

	if n := len(tm.sampleTimes); n == 0 || ts > tm.sampleTimes[n-1] {
		tm.sampleTimes = append(tm.sampleTimes, ts)
		return
	}
	i := sort.Search(len(tm.sampleTimes), func(i int) bool {
		return tm.sampleTimes[i] >= ts
	})
	if tm.sampleTimes[i] == ts {
		return
	}
	tm.sampleTimes = append(tm.sampleTimes, 0)
	copy(tm.sampleTimes[i+1:], tm.sampleTimes[i:])
	tm.sampleTimes[i] = ts
}

// insertKeyEvent keeps the machine-wide event log sorted by time. Strict
// mode only ever appends; relaxed per-key mode can land behind the tail.
func (tm *TimeMachine) insertKeyEvent(ev keyEvent) {
	if n := len(tm.events); n == 0 || tm.events[n-1].time <= ev.time {
		tm.events = append(tm.events, ev)
		return
	}
	i := sort.Search(len(tm.events), func(i int) bool {
		return tm.events[i].time > ev.time
	})
	tm.events = append(tm.events, keyEvent{})
	copy(tm.events[i+1:], tm.events[i:])
	tm.events[i] = ev
}

// ValueAt resolves key's value as of ts. ErrUnknownKey if the key has
// never been written; ErrNoData if it has, but holds no live value at ts.
func (tm *TimeMachine) ValueAt(key common.Key, ts common.Timestamp) (common.Record, error) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	cl, ok := tm.logs[key]
	if !ok {
		return nil, fmt.Errorf("%q: %w", key, common.ErrUnknownKey)
	}
	v, ok := cl.Get(ts)
	if !ok {
		return nil, fmt.Errorf("%q at %d: %w", key, ts, common.ErrNoData)
	}
	return v, nil
}

// History returns a copy of key's stored changes in timestamp order, or
// ErrUnknownKey.
func (tm *TimeMachine) History(key common.Key) ([]changelog.Entry, error) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	cl, ok := tm.logs[key]
	if !ok {
		return nil, fmt.Errorf("%q: %w", key, common.ErrUnknownKey)
	}
	entries := make([]changelog.Entry, cl.Len())
	for i := range entries {
		entries[i] = cl.At(i)
	}
	return entries, nil
}

// Snapshot returns a read-only view bound to ts. O(1): the view is a
// timestamp plus a reference, never a copy, and resolves every read
// lazily against the immutable history.
func (tm *TimeMachine) Snapshot(ts common.Timestamp) SnapshotView {
	return SnapshotView{tm: tm, at: ts}
}

// KeysAsOf returns the set of keys holding a live value at ts: binary
// search to the event-log cutoff, then one linear reconciliation pass.
func (tm *TimeMachine) KeysAsOf(ts common.Timestamp) map[common.Key]struct{} {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	cutoff := sort.Search(len(tm.events), func(i int) bool {
		return tm.events[i].time > ts
	})

	live := make(map[common.Key]struct{})
	for _, ev := range tm.events[:cutoff] {
		if ev.exists {
			live[ev.key] = struct{}{}
		} else {
			delete(live, ev.key)
		}
	}
	return live
}

// RegisterIndex subscribes an index to future writes. It never backfills:
// on a machine that already holds history the index must be built by
// replay instead (BuildIndex), so registration here fails with
// ErrIndexNotBuilt.
func (tm *TimeMachine) RegisterIndex(sub Subscriber) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if len(tm.events) > 0 {
		return fmt.Errorf("index %q: %w", sub.Name(), common.ErrIndexNotBuilt)
	}
	tm.indices = append(tm.indices, sub)
	return nil
}

// BuildIndex replays the machine's full history into sub and registers
// it, all under the write lock, so no write can slip between replay and
// registration.
func (tm *TimeMachine) BuildIndex(sub Subscriber) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	type histEntry struct {
		key   common.Key
		entry changelog.Entry
	}
	all := make([]histEntry, 0, len(tm.events))
	for key, cl := range tm.logs {
		for i := 0; i < cl.Len(); i++ {
			all = append(all, histEntry{key: key, entry: cl.At(i)})
		}
	}
	// Per-key histories are strictly ascending, so a stable sort yields
	// a global replay order that preserves each key's transition order.
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].entry.Time < all[j].entry.Time
	})

	prev := make(map[common.Key]changelog.Entry, len(tm.logs))
	for _, h := range all {
		p, had := prev[h.key]
		oldLive := had && p.Live()
		var oldVal common.Record
		if oldLive {
			oldVal = p.Value
		}
		newLive := h.entry.Live()

		if err := sub.Validate(h.key, oldVal, h.entry.Value, oldLive, newLive, h.entry.Time); err != nil {
			return fmt.Errorf("building index %q: %w", sub.Name(), err)
		}
		sub.Apply(h.key, oldVal, h.entry.Value, oldLive, newLive, h.entry.Time)
		prev[h.key] = h.entry
	}

	tm.indices = append(tm.indices, sub)
	tm.logger.Debug("index built from history", "index", sub.Name(), "transitions", len(all))
	return nil
}

// ApplySample ingests one whole poll: every polled record is written at
// ts, and every key that was live but is absent from the poll is
// tombstoned at ts, mirroring a collection where disappearance from a
// sample means deletion.
func (tm *TimeMachine) ApplySample(records map[common.Key]common.Record, ts common.Timestamp) error {
	existing := tm.liveKeys()

	for key, rec := range records {
		if err := tm.Write(key, rec, ts); err != nil {
			return err
		}
	}
	for _, key := range existing {
		if _, polled := records[key]; polled {
			continue
		}
		if err := tm.Delete(key, ts); err != nil {
			return err
		}
	}
	return nil
}

func (tm *TimeMachine) liveKeys() []common.Key {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	keys := make([]common.Key, 0, len(tm.logs))
	for key, cl := range tm.logs {
		if e, ok := cl.Last(); ok && e.Live() {
			keys = append(keys, key)
		}
	}
	return keys
}

// Options returns the machine's configuration, including the retention
// horizon hint for the external compaction process.
func (tm *TimeMachine) Options() Options {
	return tm.opts
}

// Watermark is the most recent accepted sample time. False before the
// first accepted write.
func (tm *TimeMachine) Watermark() (common.Timestamp, bool) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return tm.watermark, tm.hasWatermark
}

// MinTime is the earliest accepted sample time.
func (tm *TimeMachine) MinTime() (common.Timestamp, bool) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	if len(tm.sampleTimes) == 0 {
		return 0, false
	}
	return tm.sampleTimes[0], true
}

// SampleTimes returns the distinct accepted sample times in ascending
// order.
func (tm *TimeMachine) SampleTimes() []common.Timestamp {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	out := make([]common.Timestamp, len(tm.sampleTimes))
	copy(out, tm.sampleTimes)
	return out
}

// Len is the number of keys ever written, tombstoned ones included.
func (tm *TimeMachine) Len() int {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return len(tm.logs)
}

// Stats summarize the machine's stored history.
type Stats struct {
	Keys    int
	Entries int
	Samples int
	Indices int
}

func (tm *TimeMachine) Stats() Stats {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	entries := 0
	for _, cl := range tm.logs {
		entries += cl.Len()
	}
	return Stats{
		Keys:    len(tm.logs),
		Entries: entries,
		Samples: tm.samples,
		Indices: len(tm.indices),
	}
}
