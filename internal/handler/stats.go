package handler

import "sync/atomic"

// Stats holds the running totals reported by /proxy/status.
type Stats struct {
	clients atomic.Uint64
	bytes   atomic.Uint64
}

// NewStats creates an empty Stats.
func NewStats() *Stats {
	return &Stats{}
}

func (s *Stats) record(n int64) {
	s.clients.Add(1)
	if n > 0 {
		s.bytes.Add(uint64(n))
	}
}

// ClientsServed returns how many requests were answered with an origin response.
func (s *Stats) ClientsServed() uint64 { return s.clients.Load() }

// BytesServed returns the body bytes relayed so far.
func (s *Stats) BytesServed() uint64 { return s.bytes.Load() }
