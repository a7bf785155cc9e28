package portcullis

import (
	"fmt"
	"time"
)

type stalenessMode int

const (
	strong stalenessMode = iota
	readTimestamp
	exactStaleness
	maxStaleness
)

// TimestampBound selects how stale the data read by queries in autocommit mode
// and by read-only transactions may be.  The zero value is a strong read.
//
// TimestampBound values are comparable; two bounds are equal if they select the
// same mode with the same timestamp or duration.
type TimestampBound struct {
	mode stalenessMode
	at   time.Time
	d    time.Duration
}

// StrongRead returns a bound that reads the most recent data.
func StrongRead() TimestampBound {
	return TimestampBound{mode: strong}
}

// ReadAt returns a bound that reads exactly at the given timestamp.
func ReadAt(at time.Time) TimestampBound {
	return TimestampBound{mode: readTimestamp, at: at}
}

// ExactStaleness returns a bound that reads exactly d behind the current time.
func ExactStaleness(d time.Duration) TimestampBound {
	return TimestampBound{mode: exactStaleness, d: d}
}

// MaxStaleness returns a bound that allows reads up to d behind the current
// time.  The backend is free to pick any timestamp within the window.
func MaxStaleness(d time.Duration) TimestampBound {
	return TimestampBound{mode: maxStaleness, d: d}
}

// Strong returns true if this bound requires the most recent data.
func (b TimestampBound) Strong() bool {
	return b.mode == strong
}

// Timestamp returns the read timestamp and true if this is a ReadAt bound.
func (b TimestampBound) Timestamp() (time.Time, bool) {
	return b.at, b.mode == readTimestamp
}

// Staleness returns the staleness window, and whether the window is exact.
// The second result is false for strong and read-timestamp bounds.
func (b TimestampBound) Staleness() (d time.Duration, exact bool) {
	return b.d, b.mode == exactStaleness
}

func (b TimestampBound) String() string {
	switch b.mode {
	case readTimestamp:
		return fmt.Sprintf("read_timestamp(%s)", b.at.Format(time.RFC3339Nano))
	case exactStaleness:
		return fmt.Sprintf("exact_staleness(%s)", b.d)
	case maxStaleness:
		return fmt.Sprintf("max_staleness(%s)", b.d)
	default:
		return "strong"
	}
}
