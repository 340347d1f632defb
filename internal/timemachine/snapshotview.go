package timemachine

import (
	"chronotable/internal/common"
	"iter"
	"slices"
)

// SnapshotView is a fixed point-in-time, read-only view over a
// TimeMachine. It holds only a timestamp and a reference — construction
// copies nothing and reads resolve lazily against the immutable history,
// so views at any mix of timestamps can be queried concurrently. A view
// does not keep its machine alive and carries no storage of its own.
type SnapshotView struct {
	tm *TimeMachine
	at common.Timestamp
}

// Time is the timestamp the view is bound to.
func (sv SnapshotView) Time() common.Timestamp {
	return sv.at
}

// Get returns key's value as of the view's time. False when the key was
// absent then, whether never written, not yet written, or tombstoned.
func (sv SnapshotView) Get(key common.Key) (common.Record, bool) {
	v, err := sv.tm.ValueAt(key, sv.at)
	if err != nil {
		return nil, false
	}
	return v, true
}

// Contains reports whether key held a live value as of the view's time.
func (sv SnapshotView) Contains(key common.Key) bool {
	_, ok := sv.Get(key)
	return ok
}

// Keys returns the keys live as of the view's time, in sorted order. The
// sequence is lazy and restartable; each restart re-reads the (immutable)
// history, so every pass yields the same keys.
func (sv SnapshotView) Keys() iter.Seq[common.Key] {
	return func(yield func(common.Key) bool) {
		live := sv.tm.KeysAsOf(sv.at)
		keys := make([]common.Key, 0, len(live))
		for key := range live {
			keys = append(keys, key)
		}
		slices.Sort(keys)
		for _, key := range keys {
			if !yield(key) {
				return
			}
		}
	}
}

// Len is the number of keys live as of the view's time.
func (sv SnapshotView) Len() int {
	return len(sv.tm.KeysAsOf(sv.at))
}
