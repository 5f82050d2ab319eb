package queue

import "sync"

// Bus broadcasts coalesced task-list snapshots to subscribers. Each
// subscriber owns a buffered channel with conflation semantics: when a
// subscriber lags, the stale snapshot is replaced by the newest one, so a
// slow observer never blocks the queue and always converges on current
// state. A task's terminal snapshot is therefore always the last one
// delivered for that task.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]chan []UploadTask
	nextID int
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan []UploadTask)}
}

// Subscribe registers an observer. The returned cancel func is idempotent
// and closes the channel. Subscribing after Close yields an already-closed
// channel.
func (b *Bus) Subscribe() (<-chan []UploadTask, func()) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		ch := make(chan []UploadTask)
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	ch := make(chan []UploadTask, 1)
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
			b.mu.Unlock()
		})
	}
	return ch, cancel
}

// Publish delivers the snapshot to every subscriber, replacing any undrained
// previous snapshot (latest wins).
func (b *Bus) Publish(snapshot []UploadTask) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- snapshot:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snapshot:
			default:
			}
		}
	}
}

// Close terminates every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
