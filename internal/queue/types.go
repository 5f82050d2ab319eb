package queue

import (
	"math"
	"time"
)

// Status is the lifecycle state of a single upload task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusUploading Status = "uploading"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further automatic transition can occur.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// FileRef describes a staged source file handed to AddFiles.
type FileRef struct {
	Name        string
	Path        string
	Size        int64
	ContentType string
}

// UploadOptions is the upload configuration stamped onto pending tasks by
// StartUpload. The queue does not interpret these fields; they are forwarded
// to the catalog registration call after transport success.
type UploadOptions struct {
	EditorID        string   `json:"editor_id"`
	Tags            []string `json:"tags,omitempty"`
	Description     string   `json:"description,omitempty"`
	FolderID        string   `json:"folder_id,omitempty"`
	OrganizeByDate  bool     `json:"organize_by_date"`
	AssignedBuyerID string   `json:"assigned_buyer_id,omitempty"`
	RemoveMetadata  bool     `json:"remove_metadata"`
	AddMetadata     bool     `json:"add_metadata"`
}

// UploadTask is one file's upload lifecycle record, from enqueue to terminal
// state. Seq is the enqueue sequence used for FIFO admission.
type UploadTask struct {
	ID            string         `json:"id"`
	Seq           uint64         `json:"seq"`
	Name          string         `json:"name"`
	Path          string         `json:"path,omitempty"`
	ContentType   string         `json:"content_type,omitempty"`
	Status        Status         `json:"status"`
	Progress      int            `json:"progress"`
	UploadedBytes int64          `json:"uploaded_bytes"`
	TotalBytes    int64          `json:"total_bytes"`
	CreatedAt     time.Time      `json:"created_at"`
	StartTime     time.Time      `json:"start_time,omitzero"`
	EndTime       time.Time      `json:"end_time,omitzero"`
	Error         string         `json:"error,omitempty"`
	Retryable     bool           `json:"retryable,omitempty"`
	Attempt       int            `json:"attempt"`
	Options       *UploadOptions `json:"options,omitempty"`
}

// QueueStats is a pure projection of the task store.
type QueueStats struct {
	Total         int   `json:"total"`
	Pending       int   `json:"pending"`
	Uploading     int   `json:"uploading"`
	Paused        int   `json:"paused"`
	Completed     int   `json:"completed"`
	Failed        int   `json:"failed"`
	Cancelled     int   `json:"cancelled"`
	TotalBytes    int64 `json:"total_bytes"`
	UploadedBytes int64 `json:"uploaded_bytes"`
	AverageSpeed  int64 `json:"average_speed"` // bytes per second over the trailing window
}

// Options configures a Manager.
type Options struct {
	DataDir           string        // task persistence root; empty disables persistence
	MaxConcurrent     int           // admission bound C
	MaxFileSize       int64         // per-file byte cap; 0 disables the check
	AllowedExtensions []string      // lower-cased, dot-prefixed; empty allows all
	SpeedWindow       time.Duration // trailing window for average speed
	CoalesceInterval  time.Duration // broadcast debounce tick
}

const (
	defaultMaxConcurrent    = 3
	defaultSpeedWindow      = 5 * time.Second
	defaultCoalesceInterval = 50 * time.Millisecond
)

// progressPct computes the integer percentage shown for a task.
func progressPct(uploaded, total int64) int {
	if total <= 0 {
		return 0
	}
	if uploaded >= total {
		return 100
	}
	return int(math.Round(100 * float64(uploaded) / float64(total)))
}
