package common

import "errors"

var (
	// ErrUnknownKey is returned when a query addresses a key that has
	// never been written.
	ErrUnknownKey = errors.New("unknown key")

	// ErrNoData is returned when a key exists but holds no live value at
	// the requested time (before its first sample, or tombstoned).
	ErrNoData = errors.New("no data at requested time")

	// ErrOutOfOrderWrite is returned when a write's timestamp is behind
	// the key's own last stored timestamp.
	ErrOutOfOrderWrite = errors.New("write timestamp precedes key's last entry")

	// ErrTimeTravelViolation is returned in strict mode when a write's
	// timestamp is behind the global watermark.
	ErrTimeTravelViolation = errors.New("write timestamp precedes watermark")

	// ErrIndexInconsistency means an index update would disagree with the
	// primary table. The write that triggered it is rejected whole.
	ErrIndexInconsistency = errors.New("index inconsistent with table")

	// ErrIndexNotBuilt is returned when an index is registered on a
	// machine that already holds history without replaying it first.
	ErrIndexNotBuilt = errors.New("index must be built from existing history before registration")
)
