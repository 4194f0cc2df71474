package relay

import "sync/atomic"

// Stats collects lightweight relay counters.
type Stats struct {
	published   uint64
	forwarded   uint64
	dropped     uint64
	subscribers int64
}

// StatsSnapshot is a point-in-time view of relay counters.
type StatsSnapshot struct {
	Published   uint64 `json:"published"`
	Forwarded   uint64 `json:"forwarded"`
	Dropped     uint64 `json:"dropped"`
	Subscribers int64  `json:"subscribers"`
}

// IncPublished records a message accepted on ingress.
func (s *Stats) IncPublished() {
	if s == nil {
		return
	}
	atomic.AddUint64(&s.published, 1)
}

// IncForwarded records a delivery to one subscriber queue.
func (s *Stats) IncForwarded() {
	if s == nil {
		return
	}
	atomic.AddUint64(&s.forwarded, 1)
}

// IncDropped records a delivery dropped on queue overflow.
func (s *Stats) IncDropped() {
	if s == nil {
		return
	}
	atomic.AddUint64(&s.dropped, 1)
}

// AddSubscribers adjusts the active subscriber connection gauge.
func (s *Stats) AddSubscribers(delta int64) {
	if s == nil {
		return
	}
	atomic.AddInt64(&s.subscribers, delta)
}

// Snapshot returns a copy of the current counters.
func (s *Stats) Snapshot() StatsSnapshot {
	if s == nil {
		return StatsSnapshot{}
	}
	return StatsSnapshot{
		Published:   atomic.LoadUint64(&s.published),
		Forwarded:   atomic.LoadUint64(&s.forwarded),
		Dropped:     atomic.LoadUint64(&s.dropped),
		Subscribers: atomic.LoadInt64(&s.subscribers),
	}
}
