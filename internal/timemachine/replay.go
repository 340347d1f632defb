package timemachine

import (
	"chronotable/internal/common"
	"fmt"
	"io"
)

// ChangeFeed is the seam to the external persistence collaborator: an
// opaque append-only log of timestamped changes the machine can drain at
// startup. Next returns io.EOF when the feed is exhausted. Entries must
// arrive in an order the machine's ordering policy accepts; the machine
// never reorders them.
type ChangeFeed interface {
	Next() (key common.Key, value common.Record, deleted bool, ts common.Timestamp, err error)
}

// Replay drains feed through the normal write path. Indices registered
// before the replay see every change, so replay-then-register and
// register-then-replay both end consistent. Stops at the first rejected
// entry.
func (tm *TimeMachine) Replay(feed ChangeFeed) error {
	replayed := 0
	for {
		key, value, deleted, ts, err := feed.Next()
		if err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("change feed: %w", err)
		}

		if deleted {
			err = tm.Delete(key, ts)
		} else {
			err = tm.Write(key, value, ts)
		}
		if err != nil {
			return fmt.Errorf("replaying %q at %d: %w", key, ts, err)
		}
		replayed++
	}

	tm.logger.Debug("change feed replayed", "entries", replayed)
	return nil
}
