package relay

import (
	"time"
)

// PollBackoff computes poll intervals from the number of consecutive empty
// polls. No jitter is applied.
type PollBackoff struct {
	minInterval time.Duration
	maxInterval time.Duration
	capExp      int
	empty       int
}

// NewPollBackoff creates a backoff calculator.
func NewPollBackoff(minInterval, maxInterval time.Duration, capExp int) *PollBackoff {
	if capExp < 0 {
		capExp = 0
	}
	return &PollBackoff{minInterval: minInterval, maxInterval: maxInterval, capExp: capExp}
}

// Empty records an empty poll.
func (b *PollBackoff) Empty() {
	b.empty++
}

// Reset records a non-empty poll.
func (b *PollBackoff) Reset() {
	b.empty = 0
}

// Count returns the number of consecutive empty polls.
func (b *PollBackoff) Count() int {
	return b.empty
}

// Interval returns the delay before the next poll.
func (b *PollBackoff) Interval() time.Duration {
	return PollInterval(b.minInterval, b.maxInterval, b.capExp, b.empty)
}

// Min returns the minimum interval.
func (b *PollBackoff) Min() time.Duration {
	return b.minInterval
}

// PollInterval returns min(minInterval * 2^min(empty, capExp), maxInterval).
func PollInterval(minInterval, maxInterval time.Duration, capExp, empty int) time.Duration {
	exp := empty
	if exp > capExp {
		exp = capExp
	}
	d := minInterval
	for i := 0; i < exp && d < maxInterval; i++ {
		d *= 2
	}
	if d > maxInterval {
		d = maxInterval
	}
	return d
}

// PollSequence returns the intervals for 0..n consecutive empty polls.
func PollSequence(minInterval, maxInterval time.Duration, capExp, n int) []time.Duration {
	seq := make([]time.Duration, 0, n+1)
	for i := 0; i <= n; i++ {
		seq = append(seq, PollInterval(minInterval, maxInterval, capExp, i))
	}
	return seq
}
