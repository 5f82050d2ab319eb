package queue

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// Store holds the id -> task mapping and is the single source of truth for
// task state. Update is the only mutation path; every effective mutation is
// reported through the onMutate hook (after the store settles) so the owner
// can coalesce broadcasts. Persistence is best-effort and never blocks a
// mutation.
type Store struct {
	mu       sync.RWMutex
	tasks    map[string]*UploadTask
	persist  Persister
	onMutate func()
}

// NewStore creates an empty store. persist may be nil to keep tasks purely
// in memory; onMutate may be nil.
func NewStore(persist Persister, onMutate func()) *Store {
	return &Store{
		tasks:    make(map[string]*UploadTask),
		persist:  persist,
		onMutate: onMutate,
	}
}

// Add inserts a freshly created task. The caller owns id uniqueness (ids are
// uuids assigned at enqueue time).
func (s *Store) Add(t *UploadTask) {
	s.mu.Lock()
	s.tasks[t.ID] = t
	s.mu.Unlock()

	s.save(t)
	s.mutated()
}

// Get returns a copy of the task, so callers never observe a mutation in
// flight.
func (s *Store) Get(id string) (UploadTask, bool) {
	s.mu.RLock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.RUnlock()
		return UploadTask{}, false
	}
	cp := *t
	s.mu.RUnlock()
	return cp, true
}

// Update applies mutate to the task under the store lock. mutate reports
// whether it changed anything; no-op updates produce no persistence write and
// no broadcast, which keeps repeated cancels from emitting duplicate
// notifications. Returns false when the task does not exist or nothing
// changed.
func (s *Store) Update(id string, mutate func(*UploadTask) bool) bool {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	changed := mutate(t)
	var cp UploadTask
	if changed {
		cp = *t
	}
	s.mu.Unlock()

	if !changed {
		return false
	}
	s.save(&cp)
	s.mutated()
	return true
}

// Remove deletes the task. Missing ids are a no-op.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	_, ok := s.tasks[id]
	delete(s.tasks, id)
	s.mu.Unlock()

	if !ok {
		return
	}
	if s.persist != nil {
		if err := s.persist.RemoveTask(id); err != nil {
			log.Warn().Str("task_id", id).Err(err).Msg("remove persisted task failed")
		}
	}
	s.mutated()
}

// Clear removes every task matching keep == false and returns the removed
// count. A nil predicate removes everything.
func (s *Store) Clear(remove func(UploadTask) bool) int {
	s.mu.Lock()
	removed := make([]string, 0, len(s.tasks))
	for id, t := range s.tasks {
		if remove == nil || remove(*t) {
			removed = append(removed, id)
			delete(s.tasks, id)
		}
	}
	s.mu.Unlock()

	if len(removed) == 0 {
		return 0
	}
	if s.persist != nil {
		for _, id := range removed {
			if err := s.persist.RemoveTask(id); err != nil {
				log.Warn().Str("task_id", id).Err(err).Msg("remove persisted task failed")
			}
		}
	}
	s.mutated()
	return len(removed)
}

// All returns copies of every task in enqueue order.
func (s *Store) All() []UploadTask {
	s.mu.RLock()
	out := make([]UploadTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *t)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Len reports the current task count.
func (s *Store) Len() int {
	s.mu.RLock()
	n := len(s.tasks)
	s.mu.RUnlock()
	return n
}

func (s *Store) save(t *UploadTask) {
	if s.persist == nil {
		return
	}
	if err := s.persist.SaveTask(t); err != nil { // best-effort
		log.Warn().Str("task_id", t.ID).Err(err).Msg("persist task failed")
	}
}

func (s *Store) mutated() {
	if s.onMutate != nil {
		s.onMutate()
	}
}
