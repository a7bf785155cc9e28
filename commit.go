package portcullis

import "time"

// CommitStats reports statistics about a committed transaction.  Stats are
// only collected when [Session.SetReturnCommitStats] is enabled.
type CommitStats struct {
	// MutationCount is the number of mutations the commit applied.
	MutationCount int64
}

// CommitResponse is the outcome of a successful commit: the commit timestamp,
// plus statistics when they were requested.  It is only available between a
// commit and the start of the next transaction.
type CommitResponse struct {
	CommitTimestamp time.Time
	CommitStats     *CommitStats
}

// HasCommitStats returns true if the backend attached statistics to the
// commit.
func (r *CommitResponse) HasCommitStats() bool {
	return r != nil && r.CommitStats != nil
}
