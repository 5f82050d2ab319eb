package queue

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"uploadq/internal/catalog"
	"uploadq/internal/transport"
)

// fakeUploader records transfer requests and delegates behavior to a
// per-test closure, in the spirit of injecting a fake worker.
type fakeUploader struct {
	mu    sync.Mutex
	calls []transport.Request
	run   func(ctx context.Context, req transport.Request, progress transport.ProgressFunc) error
}

func (f *fakeUploader) Upload(ctx context.Context, req transport.Request, progress transport.ProgressFunc) error {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	run := f.run
	f.mu.Unlock()
	if run == nil {
		return nil
	}
	return run(ctx, req, progress)
}

func (f *fakeUploader) requests() []transport.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]transport.Request, len(f.calls))
	copy(out, f.calls)
	return out
}

func newTestManager(t *testing.T, opts Options, up Uploader) *Manager {
	t.Helper()
	if opts.CoalesceInterval == 0 {
		opts.CoalesceInterval = 5 * time.Millisecond
	}
	m := NewManagerWithOptions(opts, up, nil)
	t.Cleanup(m.Close)
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func getTask(t *testing.T, m *Manager, id string) UploadTask {
	t.Helper()
	for _, task := range m.Tasks() {
		if task.ID == id {
			return task
		}
	}
	t.Fatalf("task %s not in queue", id)
	return UploadTask{}
}

func countStatus(m *Manager, s Status) int {
	n := 0
	for _, t := range m.Tasks() {
		if t.Status == s {
			n++
		}
	}
	return n
}

func testOptions() UploadOptions {
	return UploadOptions{EditorID: "editor-1", Tags: []string{"raw"}}
}

func TestAddFilesCreatesPendingTasksWithoutStarting(t *testing.T) {
	up := &fakeUploader{}
	m := newTestManager(t, Options{}, up)

	tasks := m.AddFiles([]FileRef{
		{Name: "a.mp4", Path: "/tmp/a.mp4", Size: 100},
		{Name: "b.jpg", Path: "/tmp/b.jpg", Size: 50},
	})
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
	if tasks[0].ID == tasks[1].ID {
		t.Fatalf("task ids must be unique")
	}
	if tasks[0].Seq >= tasks[1].Seq {
		t.Fatalf("enqueue sequence must increase: %d vs %d", tasks[0].Seq, tasks[1].Seq)
	}
	for _, task := range tasks {
		if task.Status != StatusPending {
			t.Fatalf("expected pending, got %s", task.Status)
		}
		if task.Attempt != 0 || task.UploadedBytes != 0 || task.Progress != 0 {
			t.Fatalf("fresh task has transfer state: %+v", task)
		}
	}
	time.Sleep(20 * time.Millisecond)
	if len(up.requests()) != 0 {
		t.Fatalf("addFiles must not start transfers")
	}
	if m.IsUploading() {
		t.Fatalf("queue should be idle before StartUpload")
	}
}

func TestAddFilesValidation(t *testing.T) {
	m := newTestManager(t, Options{MaxFileSize: 10, AllowedExtensions: []string{".mp4"}}, &fakeUploader{})

	tasks := m.AddFiles([]FileRef{
		{Name: "huge.mp4", Path: "/tmp/huge.mp4", Size: 11},
		{Name: "doc.exe", Path: "/tmp/doc.exe", Size: 5},
		{Name: "ok.mp4", Path: "/tmp/ok.mp4", Size: 5},
	})

	if tasks[0].Status != StatusFailed || tasks[0].Error == "" {
		t.Fatalf("oversized file should fail with an error, got %+v", tasks[0])
	}
	if tasks[0].Retryable {
		t.Fatalf("validation failure must not be retryable")
	}
	if tasks[1].Status != StatusFailed {
		t.Fatalf("disallowed extension should fail, got %s", tasks[1].Status)
	}
	if tasks[2].Status != StatusPending {
		t.Fatalf("valid file should be pending, got %s", tasks[2].Status)
	}

	if err := m.Retry(tasks[0].ID); !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("expected ErrNotRetryable, got %v", err)
	}
}

func TestStartUploadRequiresEditor(t *testing.T) {
	m := newTestManager(t, Options{}, &fakeUploader{})
	if err := m.StartUpload(context.Background(), UploadOptions{}); !errors.Is(err, ErrMissingEditor) {
		t.Fatalf("expected ErrMissingEditor, got %v", err)
	}
}

func TestConcurrencyBoundHolds(t *testing.T) {
	release := make(chan struct{})
	up := &fakeUploader{run: func(ctx context.Context, req transport.Request, progress transport.ProgressFunc) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}}
	m := newTestManager(t, Options{MaxConcurrent: 2}, up)

	tasks := m.AddFiles([]FileRef{
		{Name: "a.bin", Path: "/tmp/a", Size: 10 << 20},
		{Name: "b.bin", Path: "/tmp/b", Size: 1 << 20},
		{Name: "c.bin", Path: "/tmp/c", Size: 5 << 20},
	})

	done := make(chan error, 1)
	go func() { done <- m.StartUpload(context.Background(), testOptions()) }()

	waitFor(t, "two admitted", func() bool { return countStatus(m, StatusUploading) == 2 })
	if got := countStatus(m, StatusPending); got != 1 {
		t.Fatalf("expected 1 pending, got %d", got)
	}
	// The two enqueued first hold the slots.
	if getTask(t, m, tasks[0].ID).Status != StatusUploading || getTask(t, m, tasks[1].ID).Status != StatusUploading {
		t.Fatalf("admission must be FIFO by enqueue order")
	}
	if getTask(t, m, tasks[2].ID).Status != StatusPending {
		t.Fatalf("third task should wait for a slot")
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("StartUpload returned error: %v", err)
	}
	for _, task := range m.Tasks() {
		if task.Status != StatusCompleted {
			t.Fatalf("expected completed, got %s", task.Status)
		}
	}
}

func TestFIFOAdmissionWithSingleSlot(t *testing.T) {
	step := make(chan struct{})
	up := &fakeUploader{}
	up.run = func(ctx context.Context, req transport.Request, progress transport.ProgressFunc) error {
		select {
		case <-step:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m := newTestManager(t, Options{MaxConcurrent: 1}, up)

	tasks := m.AddFiles([]FileRef{
		{Name: "a.bin", Path: "/tmp/a", Size: 10},
		{Name: "b.bin", Path: "/tmp/b", Size: 10},
		{Name: "c.bin", Path: "/tmp/c", Size: 10},
	})

	done := make(chan error, 1)
	go func() { done <- m.StartUpload(context.Background(), testOptions()) }()

	for range tasks {
		waitFor(t, "next admission", func() bool { return countStatus(m, StatusUploading) == 1 })
		step <- struct{}{}
	}
	if err := <-done; err != nil {
		t.Fatalf("StartUpload: %v", err)
	}

	reqs := up.requests()
	if len(reqs) != 3 {
		t.Fatalf("expected 3 transfers, got %d", len(reqs))
	}
	for i, task := range tasks {
		if reqs[i].TaskID != task.ID {
			t.Fatalf("admission order broken at %d: got %s want %s", i, reqs[i].TaskID, task.ID)
		}
	}
}

func TestProgressTracksBytesMonotonically(t *testing.T) {
	const total = 1000
	up := &fakeUploader{run: func(ctx context.Context, req transport.Request, progress transport.ProgressFunc) error {
		for _, n := range []int64{100, 250, 600, 1000} {
			progress(n)
		}
		return nil
	}}
	m := newTestManager(t, Options{MaxConcurrent: 1}, up)
	task := m.AddFiles([]FileRef{{Name: "a.bin", Path: "/tmp/a", Size: total}})[0]

	if err := m.StartUpload(context.Background(), testOptions()); err != nil {
		t.Fatalf("StartUpload: %v", err)
	}
	final := getTask(t, m, task.ID)
	if final.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", final.Status)
	}
	if final.UploadedBytes != total || final.Progress != 100 {
		t.Fatalf("final bytes/progress wrong: %d/%d", final.UploadedBytes, final.Progress)
	}
	if final.StartTime.IsZero() || final.EndTime.IsZero() {
		t.Fatalf("start/end timestamps must be set")
	}
}

func TestProgressPercentageFormula(t *testing.T) {
	cases := []struct {
		uploaded, total int64
		want            int
	}{
		{0, 1000, 0},
		{4 << 20, 10 << 20, 40},
		{333, 1000, 33},
		{335, 1000, 34},
		{1000, 1000, 100},
		{0, 0, 0},
	}
	for _, c := range cases {
		if got := progressPct(c.uploaded, c.total); got != c.want {
			t.Fatalf("progressPct(%d,%d)=%d want %d", c.uploaded, c.total, got, c.want)
		}
		if c.total > 0 && c.uploaded <= c.total {
			expect := int(math.Round(100 * float64(c.uploaded) / float64(c.total)))
			if got := progressPct(c.uploaded, c.total); got != expect {
				t.Fatalf("progressPct deviates from round formula for %d/%d", c.uploaded, c.total)
			}
		}
	}
}

func TestPausePreservesOffsetAndResumeContinues(t *testing.T) {
	const total = 10 << 20
	const pausePoint = 4 << 20

	reached := make(chan struct{})
	var once sync.Once
	up := &fakeUploader{}
	up.run = func(ctx context.Context, req transport.Request, progress transport.ProgressFunc) error {
		if req.Offset == 0 {
			progress(pausePoint)
			once.Do(func() { close(reached) })
			<-ctx.Done() // block until the pause abort
			return ctx.Err()
		}
		progress(total)
		return nil
	}
	m := newTestManager(t, Options{MaxConcurrent: 1}, up)
	task := m.AddFiles([]FileRef{{Name: "big.bin", Path: "/tmp/big", Size: total}})[0]

	done := make(chan error, 1)
	go func() { done <- m.StartUpload(context.Background(), testOptions()) }()

	<-reached
	waitFor(t, "progress recorded", func() bool { return getTask(t, m, task.ID).UploadedBytes == pausePoint })
	if err := m.Pause(task.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	waitFor(t, "paused", func() bool { return getTask(t, m, task.ID).Status == StatusPaused })

	paused := getTask(t, m, task.ID)
	if paused.UploadedBytes != pausePoint {
		t.Fatalf("pause must preserve the byte offset, got %d", paused.UploadedBytes)
	}

	if err := m.Resume(task.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("StartUpload: %v", err)
	}

	reqs := up.requests()
	if len(reqs) != 2 {
		t.Fatalf("expected 2 transfer attempts, got %d", len(reqs))
	}
	if reqs[1].Offset != pausePoint {
		t.Fatalf("resume must continue from offset %d, got %d", pausePoint, reqs[1].Offset)
	}
	final := getTask(t, m, task.ID)
	if final.Status != StatusCompleted || final.UploadedBytes != total {
		t.Fatalf("expected completed at %d bytes, got %s at %d", int64(total), final.Status, final.UploadedBytes)
	}
}

func TestTransportFailureThenRetryToSuccess(t *testing.T) {
	var attempts int
	var mu sync.Mutex
	up := &fakeUploader{}
	up.run = func(ctx context.Context, req transport.Request, progress transport.ProgressFunc) error {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n == 1 {
			return &transport.Error{StatusCode: 503, BytesSent: 0, Retryable: true}
		}
		progress(req.Size)
		return nil
	}
	m := newTestManager(t, Options{MaxConcurrent: 1}, up)
	task := m.AddFiles([]FileRef{{Name: "f.bin", Path: "/tmp/f", Size: 2 << 20}})[0]

	if err := m.StartUpload(context.Background(), testOptions()); err != nil {
		t.Fatalf("StartUpload: %v", err)
	}
	failed := getTask(t, m, task.ID)
	if failed.Status != StatusFailed || failed.Error == "" {
		t.Fatalf("expected failed with error, got %+v", failed)
	}
	if failed.Attempt != 1 || !failed.Retryable {
		t.Fatalf("first attempt should be retryable attempt 1, got attempt=%d retryable=%v", failed.Attempt, failed.Retryable)
	}

	if err := m.Retry(task.ID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	waitFor(t, "retry settles", func() bool { return getTask(t, m, task.ID).Status == StatusCompleted })

	final := getTask(t, m, task.ID)
	if final.Attempt != 2 {
		t.Fatalf("retry must increment attempt, got %d", final.Attempt)
	}
	if final.Error != "" {
		t.Fatalf("retry must clear the error, got %q", final.Error)
	}
}

func TestRetryRejectedForWrongState(t *testing.T) {
	m := newTestManager(t, Options{}, &fakeUploader{})
	task := m.AddFiles([]FileRef{{Name: "a.bin", Path: "/tmp/a", Size: 1}})[0]

	if err := m.Retry(task.ID); !errors.Is(err, ErrNotFailed) {
		t.Fatalf("expected ErrNotFailed for pending task, got %v", err)
	}
	if err := m.Retry("missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	m := newTestManager(t, Options{}, &fakeUploader{})
	task := m.AddFiles([]FileRef{{Name: "a.bin", Path: "/tmp/a", Size: 1}})[0]

	if err := m.Cancel(task.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	first := getTask(t, m, task.ID)
	if first.Status != StatusCancelled || first.EndTime.IsZero() {
		t.Fatalf("expected cancelled with end time, got %+v", first)
	}

	if err := m.Cancel(task.ID); err != nil {
		t.Fatalf("second cancel must be a no-op, got %v", err)
	}
	second := getTask(t, m, task.ID)
	if second.EndTime != first.EndTime || second.Status != first.Status {
		t.Fatalf("second cancel mutated the task: %+v vs %+v", first, second)
	}

	if err := m.Cancel("missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestCancelAbortsActiveTransfer(t *testing.T) {
	aborted := make(chan struct{})
	up := &fakeUploader{run: func(ctx context.Context, req transport.Request, progress transport.ProgressFunc) error {
		<-ctx.Done()
		close(aborted)
		return ctx.Err()
	}}
	m := newTestManager(t, Options{MaxConcurrent: 1}, up)
	task := m.AddFiles([]FileRef{{Name: "a.bin", Path: "/tmp/a", Size: 100}})[0]

	done := make(chan error, 1)
	go func() { done <- m.StartUpload(context.Background(), testOptions()) }()

	waitFor(t, "uploading", func() bool { return getTask(t, m, task.ID).Status == StatusUploading })
	if err := m.Cancel(task.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	select {
	case <-aborted:
	case <-time.After(3 * time.Second):
		t.Fatal("transport context was not cancelled")
	}
	waitFor(t, "cancelled", func() bool { return getTask(t, m, task.ID).Status == StatusCancelled })
	if err := <-done; err != nil {
		t.Fatalf("StartUpload should settle after cancel, got %v", err)
	}
}

func TestClearCompletedRemovesOnlyCompleted(t *testing.T) {
	block := make(chan struct{})
	up := &fakeUploader{}
	up.run = func(ctx context.Context, req transport.Request, progress transport.ProgressFunc) error {
		switch req.Name {
		case "ok.bin":
			return nil
		case "bad.bin":
			return &transport.Error{StatusCode: 500, Retryable: true}
		default:
			select {
			case <-block:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	m := newTestManager(t, Options{MaxConcurrent: 3}, up)
	m.AddFiles([]FileRef{
		{Name: "ok.bin", Path: "/tmp/ok", Size: 10},
		{Name: "bad.bin", Path: "/tmp/bad", Size: 10},
		{Name: "slow.bin", Path: "/tmp/slow", Size: 10},
	})

	go func() { _ = m.StartUpload(context.Background(), testOptions()) }()

	waitFor(t, "mixed states", func() bool {
		return countStatus(m, StatusCompleted) == 1 &&
			countStatus(m, StatusFailed) == 1 &&
			countStatus(m, StatusUploading) == 1
	})

	before := m.Stats().Total
	if removed := m.ClearCompleted(); removed != 1 {
		t.Fatalf("expected to remove exactly 1, removed %d", removed)
	}
	after := m.Stats()
	if after.Total != before-1 {
		t.Fatalf("stats.total should decrease by 1: %d -> %d", before, after.Total)
	}
	if after.Failed != 1 || after.Uploading != 1 {
		t.Fatalf("failed/uploading tasks must survive clearCompleted: %+v", after)
	}
	close(block)
}

func TestStartUploadResolvesDespiteFailures(t *testing.T) {
	up := &fakeUploader{run: func(ctx context.Context, req transport.Request, progress transport.ProgressFunc) error {
		if req.Name == "bad.bin" {
			return &transport.Error{StatusCode: 502, Retryable: true}
		}
		progress(req.Size)
		return nil
	}}
	m := newTestManager(t, Options{MaxConcurrent: 2}, up)
	m.AddFiles([]FileRef{
		{Name: "good.bin", Path: "/tmp/g", Size: 10},
		{Name: "bad.bin", Path: "/tmp/b", Size: 10},
	})

	if err := m.StartUpload(context.Background(), testOptions()); err != nil {
		t.Fatalf("StartUpload must not fail fast: %v", err)
	}
	stats := m.Stats()
	if stats.Completed != 1 || stats.Failed != 1 {
		t.Fatalf("expected 1 completed + 1 failed, got %+v", stats)
	}
}

func TestStartUploadStampsOptionsOnPendingOnly(t *testing.T) {
	m := newTestManager(t, Options{}, &fakeUploader{})
	tasks := m.AddFiles([]FileRef{{Name: "a.bin", Path: "/tmp/a", Size: 1}})
	_ = m.Cancel(tasks[0].ID)

	more := m.AddFiles([]FileRef{{Name: "b.bin", Path: "/tmp/b", Size: 1}})
	if err := m.StartUpload(context.Background(), testOptions()); err != nil {
		t.Fatalf("StartUpload: %v", err)
	}

	if got := getTask(t, m, tasks[0].ID); got.Options != nil {
		t.Fatalf("cancelled task must not receive options")
	}
	got := getTask(t, m, more[0].ID)
	if got.Options == nil || got.Options.EditorID != "editor-1" {
		t.Fatalf("started task should carry options, got %+v", got.Options)
	}
}

func TestPauseAllAndResumeAllKeepFairness(t *testing.T) {
	gate := make(chan struct{}, 16)
	up := &fakeUploader{}
	up.run = func(ctx context.Context, req transport.Request, progress transport.ProgressFunc) error {
		select {
		case <-gate:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m := newTestManager(t, Options{MaxConcurrent: 1}, up)
	tasks := m.AddFiles([]FileRef{
		{Name: "a.bin", Path: "/tmp/a", Size: 10},
		{Name: "b.bin", Path: "/tmp/b", Size: 10},
		{Name: "c.bin", Path: "/tmp/c", Size: 10},
	})

	go func() { _ = m.StartUpload(context.Background(), testOptions()) }()
	waitFor(t, "first admitted", func() bool { return countStatus(m, StatusUploading) == 1 })

	m.PauseAll()
	waitFor(t, "all paused", func() bool { return countStatus(m, StatusPaused) == 3 })
	if m.IsUploading() {
		t.Fatalf("nothing should be uploading after PauseAll")
	}

	m.ResumeAll()
	// With one slot, tasks run strictly in enqueue order again.
	for range tasks {
		waitFor(t, "admission", func() bool { return countStatus(m, StatusUploading) == 1 })
		gate <- struct{}{}
	}
	waitFor(t, "all settled", func() bool { return countStatus(m, StatusCompleted) == 3 })

	reqs := up.requests()
	last3 := reqs[len(reqs)-3:]
	for i, task := range tasks {
		if last3[i].TaskID != task.ID {
			t.Fatalf("resumeAll order broken at %d", i)
		}
	}
}

func TestRemoveTaskAndClearAll(t *testing.T) {
	block := make(chan struct{})
	up := &fakeUploader{run: func(ctx context.Context, req transport.Request, progress transport.ProgressFunc) error {
		select {
		case <-block:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}}
	m := newTestManager(t, Options{MaxConcurrent: 1}, up)
	tasks := m.AddFiles([]FileRef{
		{Name: "a.bin", Path: "/tmp/a", Size: 10},
		{Name: "b.bin", Path: "/tmp/b", Size: 10},
	})

	go func() { _ = m.StartUpload(context.Background(), testOptions()) }()
	waitFor(t, "first admitted", func() bool { return getTask(t, m, tasks[0].ID).Status == StatusUploading })

	if err := m.RemoveTask(tasks[0].ID); err != nil {
		t.Fatalf("remove active task: %v", err)
	}
	if err := m.RemoveTask(tasks[0].ID); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound after removal, got %v", err)
	}

	waitFor(t, "second admitted", func() bool { return countStatus(m, StatusUploading) == 1 })
	if removed := m.ClearAll(); removed != 1 {
		t.Fatalf("expected 1 task cleared, got %d", removed)
	}
	if m.Stats().Total != 0 {
		t.Fatalf("queue should be empty after ClearAll")
	}
}

func TestSubscribeDeliversCoalescedSnapshotsTerminalLast(t *testing.T) {
	up := &fakeUploader{run: func(ctx context.Context, req transport.Request, progress transport.ProgressFunc) error {
		progress(req.Size / 2)
		progress(req.Size)
		return nil
	}}
	m := newTestManager(t, Options{MaxConcurrent: 1}, up)

	events, cancel := m.Subscribe()
	defer cancel()

	task := m.AddFiles([]FileRef{{Name: "a.bin", Path: "/tmp/a", Size: 100}})[0]
	if err := m.StartUpload(context.Background(), testOptions()); err != nil {
		t.Fatalf("StartUpload: %v", err)
	}

	// Drain until the snapshot shows the terminal state; conflation may
	// skip intermediate frames but never reorders them.
	deadline := time.After(3 * time.Second)
	var lastSeen Status
	for lastSeen != StatusCompleted {
		select {
		case snap := <-events:
			for _, st := range snap {
				if st.ID == task.ID {
					lastSeen = st.Status
				}
			}
		case <-deadline:
			t.Fatalf("never observed terminal snapshot, last %q", lastSeen)
		}
	}
}

// fakeRegistrar records catalog registrations.
type fakeRegistrar struct {
	mu   sync.Mutex
	recs []catalog.Record
	err  error
}

func (f *fakeRegistrar) Register(ctx context.Context, rec catalog.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.recs = append(f.recs, rec)
	return nil
}

func TestCompletedUploadIsRegisteredWithOptions(t *testing.T) {
	reg := &fakeRegistrar{}
	m := NewManagerWithOptions(Options{MaxConcurrent: 1, CoalesceInterval: 5 * time.Millisecond}, &fakeUploader{}, reg)
	t.Cleanup(m.Close)

	task := m.AddFiles([]FileRef{{Name: "clip.mp4", Path: "/tmp/clip", Size: 42, ContentType: "video/mp4"}})[0]
	opts := UploadOptions{EditorID: "editor-7", FolderID: "f-1", Tags: []string{"b-roll"}, OrganizeByDate: true}
	if err := m.StartUpload(context.Background(), opts); err != nil {
		t.Fatalf("StartUpload: %v", err)
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if len(reg.recs) != 1 {
		t.Fatalf("expected 1 registration, got %d", len(reg.recs))
	}
	rec := reg.recs[0]
	if rec.UploadID != task.ID || rec.Name != "clip.mp4" || rec.Size != 42 {
		t.Fatalf("record identity wrong: %+v", rec)
	}
	if rec.EditorID != "editor-7" || rec.FolderID != "f-1" || !rec.OrganizeByDate {
		t.Fatalf("options not forwarded: %+v", rec)
	}
}

func TestRegistrationFailureFailsTask(t *testing.T) {
	reg := &fakeRegistrar{err: errors.New("catalog down")}
	m := NewManagerWithOptions(Options{MaxConcurrent: 1, CoalesceInterval: 5 * time.Millisecond}, &fakeUploader{}, reg)
	t.Cleanup(m.Close)

	task := m.AddFiles([]FileRef{{Name: "clip.mp4", Path: "/tmp/clip", Size: 42}})[0]
	if err := m.StartUpload(context.Background(), testOptions()); err != nil {
		t.Fatalf("StartUpload: %v", err)
	}

	failed := getTask(t, m, task.ID)
	if failed.Status != StatusFailed || failed.Error == "" {
		t.Fatalf("registration failure must fail the task, got %+v", failed)
	}
	if !failed.Retryable {
		t.Fatalf("registration failures should be retryable")
	}
}

func TestLoadFromDiskMarksInterruptedUploadsFailed(t *testing.T) {
	dir := t.TempDir()
	persist := NewFilePersister(dir)
	interrupted := &UploadTask{
		ID: "t-1", Seq: 1, Name: "a.bin", Path: "/tmp/a",
		Status: StatusUploading, UploadedBytes: 512, TotalBytes: 1024,
		Options: &UploadOptions{EditorID: "editor-1"},
	}
	pending := &UploadTask{ID: "t-2", Seq: 2, Name: "b.bin", Status: StatusPending}
	if err := persist.SaveTask(interrupted); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := persist.SaveTask(pending); err != nil {
		t.Fatalf("save: %v", err)
	}

	m := newTestManager(t, Options{DataDir: dir}, &fakeUploader{})
	if err := m.LoadFromDisk(); err != nil {
		t.Fatalf("LoadFromDisk: %v", err)
	}

	got := getTask(t, m, "t-1")
	if got.Status != StatusFailed || !got.Retryable || got.Error == "" {
		t.Fatalf("interrupted upload should reload as retryable failure, got %+v", got)
	}
	if got.UploadedBytes != 512 {
		t.Fatalf("byte offset must survive restart, got %d", got.UploadedBytes)
	}
	if getTask(t, m, "t-2").Status != StatusPending {
		t.Fatalf("pending task should reload unchanged")
	}

	// New tasks continue the sequence.
	added := m.AddFiles([]FileRef{{Name: "c.bin", Path: "/tmp/c", Size: 1}})[0]
	if added.Seq <= 2 {
		t.Fatalf("sequence must continue past loaded tasks, got %d", added.Seq)
	}
}
