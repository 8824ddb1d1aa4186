package ext4

// Journal is the transactional subsystem this layer coordinates with. The
// free-space accountant never owns transactions; it only needs the ability
// to force the running or committing transaction to complete, because a
// committed transaction releases finished reservations and flushes deferred
// frees, possibly making a failed claim succeed on retry.
type Journal interface {
	ForceCommitNested() error
}
