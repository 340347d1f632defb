package tableindex

import "chronotable/internal/timemachine"

// Build constructs an index over a machine that may already hold history:
// the full history is replayed into the index and the index registered,
// atomically with respect to writes. This is the only way to attach an
// index once data exists; RegisterIndex alone never backfills.
func Build(tm *timemachine.TimeMachine, name string, extract Extract) (*TableIndex, error) {
	ti := New(name, extract)
	if err := tm.BuildIndex(ti); err != nil {
		return nil, err
	}
	return ti, nil
}
