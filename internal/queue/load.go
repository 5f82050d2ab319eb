package queue

import (
	"fmt"
	"time"
)

// LoadFromDisk restores persisted tasks into the store at startup. A task
// interrupted mid-transfer by the previous shutdown is marked failed and
// retryable; its preserved byte offset lets a retry resume where it stopped.
func (m *Manager) LoadFromDisk() error {
	if m.persist == nil {
		return nil
	}
	loaded, err := m.persist.LoadTasks()
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}
	now := time.Now().UTC()
	var maxSeq uint64
	for _, t := range loaded {
		if t.Status == StatusUploading {
			t.Status = StatusFailed
			t.Error = "interrupted by restart"
			t.Retryable = true
			t.EndTime = now
		}
		if t.Seq > maxSeq {
			maxSeq = t.Seq
		}
		m.store.Add(t)
	}
	m.mu.Lock()
	if maxSeq > m.seq {
		m.seq = maxSeq
	}
	m.mu.Unlock()
	return nil
}
