package changelog

import (
	"chronotable/internal/common"
	"sort"
)

// Entry is one recorded change: the value a key took at Time, or its
// deletion when Deleted is set.
type Entry struct {
	Time    common.Timestamp
	Value   common.Record
	Deleted bool
}

// Live reports whether the entry carries a value rather than a tombstone.
func (e Entry) Live() bool {
	return !e.Deleted
}

// ChangeLog stores one key's value history as a slice of entries in
// strictly ascending timestamp order. Entries are only ever appended
// (or, for a re-sample at the identical timestamp, the last entry is
// replaced), so completed history can be binary-searched without locks
// by anyone holding a consistent view.
type ChangeLog struct {
	entries []Entry
	dedupe  bool
}

// New returns an empty log. When dedupeUnchangedSamples is set, a Put
// whose value matches the immediately preceding stored value is dropped;
// queries still resolve correctly through the earlier entry.
func New(dedupeUnchangedSamples bool) *ChangeLog {
	return &ChangeLog{
		entries: make([]Entry, 0, 4),
		dedupe:  dedupeUnchangedSamples,
	}
}

// Check reports what Put would do with the same arguments without
// mutating anything: whether an entry would be stored, or the ordering
// error that would reject it. A false result with a nil error is a
// dedupe no-op.
func (c *ChangeLog) Check(ts common.Timestamp, value common.Record, deleted bool) (bool, error) {
	if len(c.entries) == 0 {
		return true, nil
	}

	last := c.entries[len(c.entries)-1]
	if ts < last.Time {
		return false, common.ErrOutOfOrderWrite
	}

	if c.dedupe && last.Deleted == deleted && (deleted || last.Value.Equal(value)) {
		return false, nil
	}

	return true, nil
}

// Put records value (or a tombstone) at ts. A timestamp equal to the last
// stored one replaces that entry in place, giving re-sampling semantics;
// anything earlier is rejected with ErrOutOfOrderWrite. Returns whether
// an entry was actually stored.
func (c *ChangeLog) Put(ts common.Timestamp, value common.Record, deleted bool) (bool, error) {
	store, err := c.Check(ts, value, deleted)
	if err != nil || !store {
		return false, err
	}

	entry := Entry{Time: ts, Value: value.Clone(), Deleted: deleted}

	if n := len(c.entries); n > 0 && c.entries[n-1].Time == ts {
		c.entries[n-1] = entry
		return true, nil
	}

	c.entries = append(c.entries, entry)
	return true, nil
}

// Get resolves the value visible at ts: the entry with the greatest
// stored timestamp <= ts. Returns false when no entry qualifies or the
// qualifying entry is a tombstone.
func (c *ChangeLog) Get(ts common.Timestamp) (common.Record, bool) {
	e, ok := c.Floor(ts)
	if !ok || e.Deleted {
		return nil, false
	}
	return e.Value, true
}

// Floor returns the entry with the greatest timestamp <= ts, tombstones
// included.
func (c *ChangeLog) Floor(ts common.Timestamp) (Entry, bool) {
	i := sort.Search(len(c.entries), func(i int) bool {
		return c.entries[i].Time > ts
	})
	if i == 0 {
		return Entry{}, false
	}
	return c.entries[i-1], true
}

// Last returns the most recent entry.
func (c *ChangeLog) Last() (Entry, bool) {
	if len(c.entries) == 0 {
		return Entry{}, false
	}
	return c.entries[len(c.entries)-1], true
}

// Len is the number of stored changes.
func (c *ChangeLog) Len() int {
	return len(c.entries)
}

// At returns the i-th stored change in timestamp order.
func (c *ChangeLog) At(i int) Entry {
	return c.entries[i]
}
