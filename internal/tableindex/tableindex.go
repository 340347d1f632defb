package tableindex

import (
	"chronotable/internal/common"
	"fmt"
	"sort"
	"sync"
)

// Extract derives the index keys a record is filed under. It may return
// more than one key for multi-valued indices, and none to leave the
// record out of the index entirely.
type Extract func(common.Record) []common.IndexKey

// event is one membership change for an index key's set: primary key
// added to or removed from the set as of time.
type event struct {
	time common.Timestamp
	key  common.Key
	add  bool
}

type pendingEvent struct {
	ik common.IndexKey
	ev event
}

// TableIndex maintains, per distinct derived value, the temporal set of
// primary keys holding that value. It is written exclusively through the
// TimeMachine subscriber calls and stays point-in-time consistent with
// the primary table: Lookup(ik, t) matches the machine's snapshot at t
// for every t, including the timestamp of a just-applied write.
//
// Updates are two-phase. Validate computes and stages the membership
// events for a transition and rejects anything that would disagree with
// the current sets; Apply commits the staged events. The TimeMachine
// drives both inside its write critical section, staging every index
// before mutating anything, so a rejected write leaves no trace.
type TableIndex struct {
	name    string
	extract Extract

	// mu orders Apply against concurrent lookups. Validate runs only
	// inside the machine's write section and needs no lock of its own.
	mu sync.RWMutex

	// events holds each index key's membership history in ascending time
	// order; current mirrors the end state for O(1) validation.
	events  map[common.IndexKey][]event
	current map[common.IndexKey]map[common.Key]struct{}
	pending []pendingEvent
}

func New(name string, extract Extract) *TableIndex {
	return &TableIndex{
		name:    name,
		extract: extract,
		events:  make(map[common.IndexKey][]event),
		current: make(map[common.IndexKey]map[common.Key]struct{}),
	}
}

func (ti *TableIndex) Name() string {
	return ti.name
}

// Validate stages the membership events implied by a value transition.
// oldLive/newLive report whether the key held a live value before and
// after the write; for a re-sample at a tied timestamp, old is the value
// being replaced. Returns ErrIndexInconsistency when a staged event
// disagrees with the index's current state.
func (ti *TableIndex) Validate(key common.Key, old, new common.Record, oldLive, newLive bool, ts common.Timestamp) error {
	ti.pending = ti.pending[:0]

	oldIks := ti.extractSet(old, oldLive)
	newIks := ti.extractSet(new, newLive)

	for _, ik := range oldIks {
		if containsIk(newIks, ik) {
			continue
		}
		if _, ok := ti.current[ik][key]; !ok {
			return fmt.Errorf("index %q: removing %q from %q which does not hold it: %w",
				ti.name, key, ik, common.ErrIndexInconsistency)
		}
		ti.pending = append(ti.pending, pendingEvent{ik: ik, ev: event{time: ts, key: key, add: false}})
	}

	for _, ik := range newIks {
		if containsIk(oldIks, ik) {
			continue
		}
		if _, ok := ti.current[ik][key]; ok {
			return fmt.Errorf("index %q: adding %q to %q which already holds it: %w",
				ti.name, key, ik, common.ErrIndexInconsistency)
		}
		ti.pending = append(ti.pending, pendingEvent{ik: ik, ev: event{time: ts, key: key, add: true}})
	}

	return nil
}

// Apply commits the events staged by the preceding Validate call as one
// indivisible update.
func (ti *TableIndex) Apply(key common.Key, old, new common.Record, oldLive, newLive bool, ts common.Timestamp) {
	ti.mu.Lock()
	defer ti.mu.Unlock()

	for _, p := range ti.pending {
		ti.insertEvent(p.ik, p.ev)

		set, ok := ti.current[p.ik]
		if !ok {
			set = make(map[common.Key]struct{})
			ti.current[p.ik] = set
		}
		if p.ev.add {
			set[p.ev.key] = struct{}{}
		} else {
			delete(set, p.ev.key)
		}
	}
	ti.pending = ti.pending[:0]
}

// insertEvent keeps each index key's event list sorted by time. Writes
// normally arrive in order so this is an append; under relaxed per-key
// ordering an event can land behind the tail and is spliced in after any
// events sharing its timestamp.
func (ti *TableIndex) insertEvent(ik common.IndexKey, ev event) {
	evs := ti.events[ik]
	if n := len(evs); n == 0 || evs[n-1].time <= ev.time {
		ti.events[ik] = append(evs, ev)
		return
	}

	i := sort.Search(len(evs), func(i int) bool {
		return evs[i].time > ev.time
	})
	evs = append(evs, event{})
	copy(evs[i+1:], evs[i:])
	evs[i] = ev
	ti.events[ik] = evs
}

// Lookup reconstructs the set of primary keys filed under ik at ts:
// binary search to the cutoff, then replay the membership events up to
// it.
func (ti *TableIndex) Lookup(ik common.IndexKey, ts common.Timestamp) map[common.Key]struct{} {
	ti.mu.RLock()
	defer ti.mu.RUnlock()

	return ti.lookupLocked(ik, ts)
}

func (ti *TableIndex) lookupLocked(ik common.IndexKey, ts common.Timestamp) map[common.Key]struct{} {
	evs := ti.events[ik]
	cutoff := sort.Search(len(evs), func(i int) bool {
		return evs[i].time > ts
	})

	set := make(map[common.Key]struct{})
	for _, ev := range evs[:cutoff] {
		if ev.add {
			set[ev.key] = struct{}{}
		} else {
			delete(set, ev.key)
		}
	}
	return set
}

// Contains reports whether key was filed under ik at ts.
func (ti *TableIndex) Contains(ik common.IndexKey, key common.Key, ts common.Timestamp) bool {
	_, ok := ti.Lookup(ik, ts)[key]
	return ok
}

// Keys returns, in sorted order, every index key whose set was non-empty
// at ts.
func (ti *TableIndex) Keys(ts common.Timestamp) []common.IndexKey {
	ti.mu.RLock()
	defer ti.mu.RUnlock()

	iks := make([]common.IndexKey, 0, len(ti.events))
	for ik := range ti.events {
		if len(ti.lookupLocked(ik, ts)) > 0 {
			iks = append(iks, ik)
		}
	}
	sort.Strings(iks)
	return iks
}

func (ti *TableIndex) extractSet(rec common.Record, live bool) []common.IndexKey {
	if !live {
		return nil
	}
	iks := ti.extract(rec)
	if len(iks) < 2 {
		return iks
	}
	// Drop duplicates from multi-valued extractors, preserving order.
	seen := make(map[common.IndexKey]struct{}, len(iks))
	out := iks[:0]
	for _, ik := range iks {
		if _, ok := seen[ik]; ok {
			continue
		}
		seen[ik] = struct{}{}
		out = append(out, ik)
	}
	return out
}

func containsIk(iks []common.IndexKey, ik common.IndexKey) bool {
	for _, candidate := range iks {
		if candidate == ik {
			return true
		}
	}
	return false
}
