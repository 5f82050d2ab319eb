package queue

import "errors"

var (
	ErrTaskNotFound  = errors.New("task not found")
	ErrNotPausable   = errors.New("task is not pending or uploading")
	ErrNotPaused     = errors.New("task is not paused")
	ErrNotFailed     = errors.New("task is not failed")
	ErrNotRetryable  = errors.New("task failure is not retryable")
	ErrMissingEditor = errors.New("editor id is required")
	ErrQueueClosed   = errors.New("queue is closed")
)
