package common

import "bytes"

// Timestamp is an epoch-millisecond sample time. Every ordering decision
// in the system compares these values.
type Timestamp = int64

// Key identifies one record in the primary table.
type Key = string

// IndexKey is a value derived from a Record by an index extraction
// function. Primary keys are grouped under it inside a TableIndex.
type IndexKey = string

// Record is the opaque value held by a key at a point in time. The engine
// never inspects its contents; index extraction functions do. Records
// returned by queries share storage with the history and must not be
// modified by callers.
type Record []byte

func (r Record) Equal(other Record) bool {
	return bytes.Equal(r, other)
}

func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	return Record(bytes.Clone(r))
}
