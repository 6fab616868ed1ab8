package buffer

import "sync/atomic"

// Statistics tracks buffer activity. Always maintained; cheap atomics.
type Statistics struct {
	writes    atomic.Int64
	reads     atomic.Int64
	overflows atomic.Int64
	size      atomic.Int64
	maxSize   atomic.Int64
}

// StatsSnapshot is a point-in-time copy of buffer statistics.
type StatsSnapshot struct {
	Writes    int64 `json:"writes"`
	Reads     int64 `json:"reads"`
	Overflows int64 `json:"overflows"`
	Size      int64 `json:"size"`
	MaxSize   int64 `json:"max_size"`
}

func (s *Statistics) write(size int64) {
	s.writes.Add(1)
	s.setSize(size)
}

func (s *Statistics) read(size int64) {
	s.reads.Add(1)
	s.setSize(size)
}

func (s *Statistics) overflow() {
	s.overflows.Add(1)
}

func (s *Statistics) setSize(size int64) {
	s.size.Store(size)
	for {
		max := s.maxSize.Load()
		if size <= max || s.maxSize.CompareAndSwap(max, size) {
			return
		}
	}
}

func (s *Statistics) snapshot() StatsSnapshot {
	return StatsSnapshot{
		Writes:    s.writes.Load(),
		Reads:     s.reads.Load(),
		Overflows: s.overflows.Load(),
		Size:      s.size.Load(),
		MaxSize:   s.maxSize.Load(),
	}
}
