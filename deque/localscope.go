package deque

// LocalScope wraps a Deque to let a worker's collector temporarily
// claim a contiguous prefix of its own depths for local collection
// (spec.md §4.2). BOGUS_OBJPTR is represented here by TryPopBottom's
// ok==false.
type LocalScope struct {
	d *Deque
}

// NewLocalScope wraps an existing deque.
func NewLocalScope(d *Deque) *LocalScope { return &LocalScope{d: d} }

// TryClaimLocalScope pops one element off the deque's bottom. Its
// boolean result is truthy iff a real value (not the BOGUS sentinel)
// came back, mirroring spec.md §4.2 exactly.
func (l *LocalScope) TryClaimLocalScope() bool {
	_, ok := l.d.TryPopBottom()
	return ok
}

// ReleaseLocalScope restores bot to originalBot, relinquishing any
// depths claimed since the matching PollCurrentLocalScope.
func (l *LocalScope) ReleaseLocalScope(originalBot int64) {
	l.d.bot.Store(originalBot)
}

// PollCurrentLocalScope returns the deque's current bot, i.e. the
// shallowest depth this worker does not yet own.
func (l *LocalScope) PollCurrentLocalScope() int64 {
	return l.d.bot.Load()
}
