package queue

import (
	"sync"
	"time"
)

// speedSampler derives a rolling bytes-per-second figure from a short
// trailing window of progress samples, so the reported speed reflects
// current network conditions rather than the whole-queue lifetime average.
type speedSampler struct {
	mu      sync.Mutex
	window  time.Duration
	samples []speedSample
	total   int64
	now     func() time.Time
}

type speedSample struct {
	at    time.Time
	total int64
}

func newSpeedSampler(window time.Duration) *speedSampler {
	if window <= 0 {
		window = defaultSpeedWindow
	}
	return &speedSampler{window: window, now: time.Now}
}

// Record accumulates delta uploaded bytes across the whole queue.
func (s *speedSampler) Record(delta int64) {
	if delta <= 0 {
		return
	}
	s.mu.Lock()
	s.total += delta
	now := s.now()
	s.samples = append(s.samples, speedSample{at: now, total: s.total})
	s.prune(now)
	s.mu.Unlock()
}

// AverageSpeed returns bytes/second over the trailing window, 0 when there
// is not enough data.
func (s *speedSampler) AverageSpeed() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prune(s.now())
	if len(s.samples) < 2 {
		return 0
	}
	first := s.samples[0]
	last := s.samples[len(s.samples)-1]
	elapsed := last.at.Sub(first.at)
	if elapsed <= 0 {
		return 0
	}
	return (last.total - first.total) * int64(time.Second) / int64(elapsed)
}

func (s *speedSampler) prune(now time.Time) {
	cutoff := now.Add(-s.window)
	i := 0
	for i < len(s.samples) && s.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		s.samples = append(s.samples[:0], s.samples[i:]...)
	}
}

// computeStats projects per-status counts and byte totals from the current
// task list in one O(n) pass.
func computeStats(tasks []UploadTask, averageSpeed int64) QueueStats {
	st := QueueStats{AverageSpeed: averageSpeed}
	for _, t := range tasks {
		st.Total++
		st.TotalBytes += t.TotalBytes
		st.UploadedBytes += t.UploadedBytes
		switch t.Status {
		case StatusPending:
			st.Pending++
		case StatusUploading:
			st.Uploading++
		case StatusPaused:
			st.Paused++
		case StatusCompleted:
			st.Completed++
		case StatusFailed:
			st.Failed++
		case StatusCancelled:
			st.Cancelled++
		}
	}
	return st
}
