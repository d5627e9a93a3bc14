package metrics

import (
	"sync/atomic"
	"time"
)

type Counter struct {
	value uint64
}

func (c *Counter) Inc() {
	atomic.AddUint64(&c.value, 1)
}

func (c *Counter) Add(n uint64) {
	atomic.AddUint64(&c.value, n)
}

func (c *Counter) Load() uint64 {
	return atomic.LoadUint64(&c.value)
}

type Timer struct {
	start time.Time
}

func StartTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Negotiation counts quote negotiation outcomes.
type Negotiation struct {
	Transitions     Counter
	Denied          Counter
	Invalid         Counter
	StorageFailures Counter
	PublishFailures Counter
	Reconciles      Counter
	ViewUpdates     Counter

	commitNanos Counter
	commits     Counter
}

// ObserveCommit records how long a store commit took.
func (n *Negotiation) ObserveCommit(d time.Duration) {
	n.commits.Inc()
	n.commitNanos.Add(uint64(d.Nanoseconds()))
}

type Snapshot struct {
	Transitions     uint64  `json:"transitions"`
	Denied          uint64  `json:"denied"`
	Invalid         uint64  `json:"invalid"`
	StorageFailures uint64  `json:"storage_failures"`
	PublishFailures uint64  `json:"publish_failures"`
	Reconciles      uint64  `json:"reconciles"`
	ViewUpdates     uint64  `json:"view_updates"`
	AvgCommitMillis float64 `json:"avg_commit_ms"`
}

func (n *Negotiation) Snapshot() Snapshot {
	s := Snapshot{
		Transitions:     n.Transitions.Load(),
		Denied:          n.Denied.Load(),
		Invalid:         n.Invalid.Load(),
		StorageFailures: n.StorageFailures.Load(),
		PublishFailures: n.PublishFailures.Load(),
		Reconciles:      n.Reconciles.Load(),
		ViewUpdates:     n.ViewUpdates.Load(),
	}
	if c := n.commits.Load(); c > 0 {
		s.AvgCommitMillis = float64(n.commitNanos.Load()) / float64(c) / float64(time.Millisecond)
	}
	return s
}
