package queue

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"uploadq/internal/catalog"
	"uploadq/internal/transport"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Uploader performs the byte transfer for one task. Cancelling the context
// aborts the in-flight network operation; the Manager decides the resulting
// task status.
type Uploader interface {
	Upload(ctx context.Context, req transport.Request, progress transport.ProgressFunc) error
}

// Registrar registers a completed upload as a media record.
type Registrar interface {
	Register(ctx context.Context, rec catalog.Record) error
}

// Manager is the upload queue facade: it owns the task store, enforces the
// concurrency bound, and is the only thing external code touches. It is an
// explicit service instance with a defined lifecycle (construct at startup,
// Close on shutdown), not a process-global.
type Manager struct {
	opts       Options
	store      *Store
	persist    Persister
	bus        *Bus
	sampler    *speedSampler
	uploader   Uploader
	registrar  Registrar
	allowedExt map[string]struct{}

	mu        sync.Mutex
	active    map[string]*activeTransfer
	resumable map[string]struct{}
	seq       uint64
	closed    bool

	waitMu sync.Mutex
	waitC  chan struct{}

	dirty      chan struct{}
	done       chan struct{}
	baseCtx    context.Context
	baseCancel context.CancelFunc
	workersWG  sync.WaitGroup
	notifyWG   sync.WaitGroup
}

// NewManager creates a manager with defaults suitable for tests: no
// persistence, concurrency bound 3.
func NewManager(uploader Uploader, registrar Registrar) *Manager {
	return NewManagerWithOptions(Options{}, uploader, registrar)
}

// NewManagerWithOptions creates a manager with the provided configuration.
// registrar may be nil to skip catalog registration.
func NewManagerWithOptions(opts Options, uploader Uploader, registrar Registrar) *Manager {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = defaultMaxConcurrent
	}
	if opts.SpeedWindow <= 0 {
		opts.SpeedWindow = defaultSpeedWindow
	}
	if opts.CoalesceInterval <= 0 {
		opts.CoalesceInterval = defaultCoalesceInterval
	}
	allowed := make(map[string]struct{}, len(opts.AllowedExtensions))
	for _, ext := range opts.AllowedExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		allowed[ext] = struct{}{}
	}

	var persist Persister
	if opts.DataDir != "" {
		persist = NewFilePersister(opts.DataDir)
	}

	m := &Manager{
		opts:       opts,
		persist:    persist,
		bus:        NewBus(),
		sampler:    newSpeedSampler(opts.SpeedWindow),
		uploader:   uploader,
		registrar:  registrar,
		allowedExt: allowed,
		active:     make(map[string]*activeTransfer),
		resumable:  make(map[string]struct{}),
		dirty:      make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	m.store = NewStore(persist, m.afterMutate)
	m.baseCtx, m.baseCancel = context.WithCancel(context.Background())
	m.notifyWG.Add(1)
	go m.notifyLoop()
	return m
}

// AddFiles creates one pending task per staged file without starting any
// transfer. Files that fail validation (unsupported type, size over limit)
// become failed tasks immediately, with no retry offered.
func (m *Manager) AddFiles(files []FileRef) []UploadTask {
	now := time.Now().UTC()
	out := make([]UploadTask, 0, len(files))
	for _, f := range files {
		m.mu.Lock()
		m.seq++
		seq := m.seq
		m.mu.Unlock()

		t := &UploadTask{
			ID:          uuid.NewString(),
			Seq:         seq,
			Name:        f.Name,
			Path:        f.Path,
			ContentType: f.ContentType,
			TotalBytes:  f.Size,
			Status:      StatusPending,
			CreatedAt:   now,
		}
		if reason := m.validateFile(f); reason != "" {
			t.Status = StatusFailed
			t.Error = reason
			t.EndTime = now
			log.Warn().Str("task_id", t.ID).Str("name", f.Name).Str("reason", reason).Msg("file rejected")
		} else {
			log.Info().Str("task_id", t.ID).Str("name", f.Name).Int64("size", f.Size).Msg("file enqueued")
		}
		m.store.Add(t)
		out = append(out, *t)
	}
	return out
}

// validateFile returns a human-readable rejection reason, or "" when the
// file may be transferred.
func (m *Manager) validateFile(f FileRef) string {
	if f.Size < 0 {
		return "invalid file size"
	}
	if m.opts.MaxFileSize > 0 && f.Size > m.opts.MaxFileSize {
		return "file exceeds size limit"
	}
	if len(m.allowedExt) > 0 {
		ext := strings.ToLower(filepath.Ext(f.Name))
		if _, ok := m.allowedExt[ext]; !ok {
			return "file type not allowed: " + ext
		}
	}
	return ""
}

// StartUpload stamps opts onto every pending task that has none yet,
// triggers admission, and blocks until all started tasks settle in a
// terminal state (completed, failed or cancelled). It does not abort on the
// first failure: uploads are independent, and callers inspect Stats().Failed
// afterwards. Paused tasks keep the call waiting until they are resumed or
// cancelled.
func (m *Manager) StartUpload(ctx context.Context, opts UploadOptions) error {
	if opts.EditorID == "" {
		return ErrMissingEditor
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrQueueClosed
	}
	m.mu.Unlock()

	shared := opts
	for _, t := range m.store.All() {
		if t.Status != StatusPending || t.Options != nil {
			continue
		}
		m.store.Update(t.ID, func(u *UploadTask) bool {
			if u.Status != StatusPending || u.Options != nil {
				return false
			}
			u.Options = &shared
			return true
		})
	}
	m.admitNext()

	for {
		ch := m.waitCh()
		if m.settled() {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err() //nolint:wrapcheck
		}
	}
}

// settled reports whether every task is terminal or has never been started
// (pending without options).
func (m *Manager) settled() bool {
	for _, t := range m.store.All() {
		switch {
		case t.Status.Terminal():
		case t.Status == StatusPending && t.Options == nil:
		default:
			return false
		}
	}
	return true
}

// Pause suspends a task. An uploading task has its in-flight request
// aborted, preserving the uploadedBytes offset for resume; a pending task is
// parked so the scheduler skips it. Pausing an already paused task is a
// no-op.
func (m *Manager) Pause(id string) error {
	m.mu.Lock()
	if at, ok := m.active[id]; ok {
		if at.intent == intentNone {
			at.intent = intentPause
			at.cancel()
			log.Info().Str("task_id", id).Msg("upload pause requested")
		}
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	t, ok := m.store.Get(id)
	if !ok {
		return ErrTaskNotFound
	}
	switch t.Status {
	case StatusPending:
		m.store.Update(id, func(u *UploadTask) bool {
			if u.Status != StatusPending {
				return false
			}
			u.Status = StatusPaused
			return true
		})
		return nil
	case StatusPaused, StatusUploading:
		return nil
	default:
		return ErrNotPausable
	}
}

// PauseAll suspends every pending and uploading task. Pending tasks are
// parked first so freed slots are not immediately refilled.
func (m *Manager) PauseAll() {
	tasks := m.store.All()
	for _, t := range tasks {
		if t.Status == StatusPending {
			_ = m.Pause(t.ID)
		}
	}
	for _, t := range tasks {
		if t.Status == StatusUploading {
			_ = m.Pause(t.ID)
		}
	}
}

// Resume marks a paused task eligible again. The visible transition back
// into uploading happens at admission time so the concurrency bound holds
// under every interleaving; transfer restarts from the preserved byte
// offset. A paused task that was never started simply rejoins the pending
// pool.
func (m *Manager) Resume(id string) error {
	t, ok := m.store.Get(id)
	if !ok {
		return ErrTaskNotFound
	}
	switch t.Status {
	case StatusPaused:
		if t.Options == nil {
			m.store.Update(id, func(u *UploadTask) bool {
				if u.Status != StatusPaused {
					return false
				}
				u.Status = StatusPending
				return true
			})
			return nil
		}
		m.markResumable(id)
		m.admitNext()
		return nil
	case StatusUploading, StatusPending:
		return nil
	default:
		return ErrNotPaused
	}
}

// ResumeAll resumes paused tasks in enqueue order, preserving FIFO fairness.
func (m *Manager) ResumeAll() {
	for _, t := range m.store.All() {
		if t.Status == StatusPaused {
			_ = m.Resume(t.ID)
		}
	}
}

// Cancel moves a task to cancelled, aborting the transport operation when
// one is in flight. Cancelling an already terminal task is a no-op, and
// produces no duplicate notification.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	if at, ok := m.active[id]; ok {
		at.intent = intentCancel // cancel wins over a pending pause
		at.cancel()
		m.mu.Unlock()
		log.Info().Str("task_id", id).Msg("upload cancel requested")
		return nil
	}
	delete(m.resumable, id)
	m.mu.Unlock()

	t, ok := m.store.Get(id)
	if !ok {
		return ErrTaskNotFound
	}
	if t.Status.Terminal() {
		return nil
	}
	now := time.Now().UTC()
	m.store.Update(id, func(u *UploadTask) bool {
		if u.Status.Terminal() || u.Status == StatusUploading {
			return false
		}
		u.Status = StatusCancelled
		u.EndTime = now
		return true
	})
	log.Info().Str("task_id", id).Msg("upload cancelled")
	return nil
}

// Retry re-queues a failed task for admission. The attempt counter is
// incremented and the error cleared when the task re-enters uploading.
// Validation failures are permanent and cannot be retried.
func (m *Manager) Retry(id string) error {
	t, ok := m.store.Get(id)
	if !ok {
		return ErrTaskNotFound
	}
	if t.Status != StatusFailed {
		return ErrNotFailed
	}
	if !t.Retryable {
		return ErrNotRetryable
	}
	m.markResumable(id)
	m.admitNext()
	return nil
}

// RemoveTask deletes the task from the store, aborting its transfer first
// when active.
func (m *Manager) RemoveTask(id string) error {
	m.mu.Lock()
	if at, ok := m.active[id]; ok {
		at.intent = intentCancel
		at.cancel()
	}
	delete(m.resumable, id)
	m.mu.Unlock()

	if _, ok := m.store.Get(id); !ok {
		return ErrTaskNotFound
	}
	m.store.Remove(id)
	return nil
}

// ClearCompleted removes completed tasks only, returning the removed count.
// Failed and cancelled tasks stay visible until cleared explicitly.
func (m *Manager) ClearCompleted() int {
	return m.store.Clear(func(t UploadTask) bool { return t.Status == StatusCompleted })
}

// ClearAll cancels any in-flight transfers and empties the store.
func (m *Manager) ClearAll() int {
	m.mu.Lock()
	for _, at := range m.active {
		at.intent = intentCancel
		at.cancel()
	}
	m.resumable = make(map[string]struct{})
	m.mu.Unlock()
	return m.store.Clear(nil)
}

// Tasks returns a snapshot of the queue in enqueue order, so a new
// subscriber never misses the state between registration and first
// broadcast.
func (m *Manager) Tasks() []UploadTask { return m.store.All() }

// IsUploading reports whether any transfer is currently in flight.
func (m *Manager) IsUploading() bool {
	for _, t := range m.store.All() {
		if t.Status == StatusUploading {
			return true
		}
	}
	return false
}

// Stats recomputes queue-wide counters from the current task list.
func (m *Manager) Stats() QueueStats {
	return computeStats(m.store.All(), m.sampler.AverageSpeed())
}

// Subscribe registers an observer of coalesced queue snapshots. The
// returned cancel func must be called when the observer goes away.
func (m *Manager) Subscribe() (<-chan []UploadTask, func()) {
	return m.bus.Subscribe()
}

// WaitAll blocks until all in-flight transfer workers finish or the context
// is done. Returns true if all workers finished.
func (m *Manager) WaitAll(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		m.workersWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// Close tears the queue down: no further admission, in-flight transfers are
// aborted, and every subscription channel is closed.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.baseCancel()
	close(m.done)
	m.notifyWG.Wait()
	m.bus.Close()
	m.signalWaiters()
}

func (m *Manager) markResumable(id string) {
	m.mu.Lock()
	if !m.closed {
		m.resumable[id] = struct{}{}
	}
	m.mu.Unlock()
}

// afterMutate runs after every effective store mutation: it schedules a
// coalesced broadcast and wakes StartUpload waiters. It must not take m.mu,
// since mutations happen while the scheduler holds it.
func (m *Manager) afterMutate() {
	select {
	case m.dirty <- struct{}{}:
	default:
	}
	m.signalWaiters()
}

func (m *Manager) waitCh() chan struct{} {
	m.waitMu.Lock()
	if m.waitC == nil {
		m.waitC = make(chan struct{})
	}
	ch := m.waitC
	m.waitMu.Unlock()
	return ch
}

func (m *Manager) signalWaiters() {
	m.waitMu.Lock()
	if m.waitC != nil {
		close(m.waitC)
		m.waitC = nil
	}
	m.waitMu.Unlock()
}

// notifyLoop coalesces bursty store mutations into one broadcast per tick,
// so progress events do not flood observers with per-chunk updates.
func (m *Manager) notifyLoop() {
	defer m.notifyWG.Done()
	for {
		select {
		case <-m.done:
			return
		case <-m.dirty:
			timer := time.NewTimer(m.opts.CoalesceInterval)
		drain:
			for {
				select {
				case <-m.dirty:
				case <-timer.C:
					break drain
				case <-m.done:
					timer.Stop()
					return
				}
			}
			m.bus.Publish(m.store.All())
		}
	}
}
