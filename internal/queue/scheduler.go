package queue

import (
	"context"
	"fmt"
	"time"

	"uploadq/internal/catalog"
	"uploadq/internal/transport"

	"github.com/rs/zerolog/log"
)

type intent int

const (
	intentNone intent = iota
	intentPause
	intentCancel
)

// activeTransfer tracks one occupied admission slot. intent records why the
// transfer context was cancelled, so the exit path can tell a user pause or
// cancel apart from a genuine transport error.
type activeTransfer struct {
	ctx    context.Context
	cancel context.CancelFunc
	intent intent
}

type admitMode int

const (
	admitStart admitMode = iota
	admitResume
	admitRetry
)

// admitNext fills free admission slots with eligible tasks in FIFO enqueue
// order: pending tasks that have options stamped, plus paused/failed tasks
// marked resumable by Resume/Retry. It is invoked on every start, resume,
// retry and transfer exit, which keeps the pipeline saturated without a
// polling loop. At most MaxConcurrent tasks are uploading at any instant.
func (m *Manager) admitNext() {
	for {
		m.mu.Lock()
		if m.closed || len(m.active) >= m.opts.MaxConcurrent {
			m.mu.Unlock()
			return
		}
		id, mode := m.nextEligibleLocked()
		if id == "" {
			m.mu.Unlock()
			return
		}
		at := &activeTransfer{}
		at.ctx, at.cancel = context.WithCancel(m.baseCtx)
		m.active[id] = at
		delete(m.resumable, id)
		m.workersWG.Add(1)
		m.mu.Unlock()

		now := time.Now().UTC()
		m.store.Update(id, func(t *UploadTask) bool {
			t.Status = StatusUploading
			if t.StartTime.IsZero() {
				t.StartTime = now
			}
			switch mode {
			case admitRetry:
				t.Attempt++
				t.Error = ""
				t.Retryable = false
				t.EndTime = time.Time{}
			default:
				if t.Attempt == 0 {
					t.Attempt = 1
				}
			}
			return true
		})
		go m.runTransfer(id, at)
	}
}

// nextEligibleLocked picks the lowest-sequence admittable task. Caller holds
// m.mu.
func (m *Manager) nextEligibleLocked() (string, admitMode) {
	var (
		bestID   string
		bestSeq  uint64
		bestMode admitMode
	)
	for _, t := range m.store.All() {
		if _, running := m.active[t.ID]; running {
			continue
		}
		var mode admitMode
		switch t.Status {
		case StatusPending:
			if t.Options == nil {
				continue // not started yet
			}
			mode = admitStart
		case StatusPaused:
			if _, ok := m.resumable[t.ID]; !ok {
				continue
			}
			mode = admitResume
		case StatusFailed:
			if _, ok := m.resumable[t.ID]; !ok {
				continue
			}
			mode = admitRetry
		default:
			continue
		}
		if bestID == "" || t.Seq < bestSeq {
			bestID = t.ID
			bestSeq = t.Seq
			bestMode = mode
		}
	}
	return bestID, bestMode
}

// runTransfer drives one admitted task: stream bytes, register the media
// record, then settle the final status and refill the freed slot.
func (m *Manager) runTransfer(id string, at *activeTransfer) {
	defer m.workersWG.Done()

	t, ok := m.store.Get(id)
	if !ok { // removed between admission and start
		m.finishTransfer(id, at, nil)
		return
	}
	log.Info().
		Str("task_id", id).
		Str("name", t.Name).
		Int64("offset", t.UploadedBytes).
		Int("attempt", t.Attempt).
		Msg("upload admitted")

	req := transport.Request{
		TaskID:      id,
		Name:        t.Name,
		Path:        t.Path,
		ContentType: t.ContentType,
		Offset:      t.UploadedBytes,
		Size:        t.TotalBytes,
	}
	last := t.UploadedBytes
	err := m.uploader.Upload(at.ctx, req, func(uploaded int64) {
		if uploaded <= last {
			return // progress is monotonic; ignore stale callbacks
		}
		m.sampler.Record(uploaded - last)
		last = uploaded
		m.store.Update(id, func(u *UploadTask) bool {
			if u.Status != StatusUploading || uploaded <= u.UploadedBytes {
				return false
			}
			u.UploadedBytes = uploaded
			u.Progress = progressPct(uploaded, u.TotalBytes)
			return true
		})
	})
	if err == nil {
		err = m.register(at.ctx, id)
	}
	m.finishTransfer(id, at, err)
}

// register notifies the catalog that the bytes are stored. A registration
// failure fails the task like any transport error; retrying re-runs only
// the registration since the byte offset already equals the total.
func (m *Manager) register(ctx context.Context, id string) error {
	if m.registrar == nil {
		return nil
	}
	t, ok := m.store.Get(id)
	if !ok || t.Options == nil {
		return nil
	}
	opts := *t.Options
	rec := catalog.Record{
		UploadID:        t.ID,
		Name:            t.Name,
		Size:            t.TotalBytes,
		ContentType:     t.ContentType,
		EditorID:        opts.EditorID,
		Tags:            opts.Tags,
		Description:     opts.Description,
		FolderID:        opts.FolderID,
		OrganizeByDate:  opts.OrganizeByDate,
		AssignedBuyerID: opts.AssignedBuyerID,
		RemoveMetadata:  opts.RemoveMetadata,
		AddMetadata:     opts.AddMetadata,
		UploadedAt:      time.Now().UTC(),
	}
	if err := m.registrar.Register(ctx, rec); err != nil {
		return fmt.Errorf("register upload: %w", err)
	}
	return nil
}

// finishTransfer settles the task according to the recorded intent (pause or
// cancel win over the transfer outcome), frees the slot and admits the next
// eligible task.
func (m *Manager) finishTransfer(id string, at *activeTransfer, err error) {
	m.mu.Lock()
	final := at.intent
	delete(m.active, id)
	m.mu.Unlock()

	now := time.Now().UTC()
	switch {
	case final == intentCancel:
		m.store.Update(id, func(t *UploadTask) bool {
			if t.Status.Terminal() {
				return false
			}
			t.Status = StatusCancelled
			t.EndTime = now
			return true
		})
		log.Info().Str("task_id", id).Msg("upload cancelled")
	case final == intentPause:
		m.store.Update(id, func(t *UploadTask) bool {
			if t.Status != StatusUploading {
				return false
			}
			t.Status = StatusPaused
			return true
		})
		log.Info().Str("task_id", id).Msg("upload paused")
	case err != nil:
		retryable := transport.IsRetryable(err)
		m.store.Update(id, func(t *UploadTask) bool {
			if t.Status != StatusUploading {
				return false
			}
			t.Status = StatusFailed
			t.Error = err.Error()
			t.Retryable = retryable
			t.EndTime = now
			return true
		})
		log.Warn().Str("task_id", id).Err(err).Bool("retryable", retryable).Msg("upload failed")
	default:
		m.store.Update(id, func(t *UploadTask) bool {
			if t.Status != StatusUploading {
				return false
			}
			t.Status = StatusCompleted
			t.UploadedBytes = t.TotalBytes
			t.Progress = 100
			t.EndTime = now
			return true
		})
		log.Info().Str("task_id", id).Msg("upload completed")
	}

	m.signalWaiters()
	m.admitNext()
}
