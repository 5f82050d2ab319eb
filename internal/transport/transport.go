package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// ProgressFunc receives the cumulative uploaded byte count for the task
// (including any resume offset) after each chunk is acknowledged. Calls are
// made in non-decreasing order.
type ProgressFunc func(uploadedBytes int64)

// Request describes one transfer. Offset > 0 resumes a previously paused
// or failed transfer at byte granularity.
type Request struct {
	TaskID      string
	Name        string
	Path        string
	ContentType string
	Offset      int64
	Size        int64
}

// Error is a transport failure carrying enough context for the caller to
// decide retry vs permanent fail.
type Error struct {
	StatusCode int
	BytesSent  int64
	Retryable  bool
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport: %v (sent %d bytes)", e.Err, e.BytesSent)
	}
	return fmt.Sprintf("transport: storage endpoint returned %d (sent %d bytes)", e.StatusCode, e.BytesSent)
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether err represents a transient transport failure.
// Unknown errors default to retryable so a user retry is never denied for a
// plain network hiccup.
func IsRetryable(err error) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Retryable
	}
	return true
}

const (
	defaultChunkSize = 4 << 20 // 4 MiB
	defaultTimeout   = 60 * time.Second

	headerUploadID = "X-Upload-Id"
	headerFileName = "X-File-Name"
)

// Client streams a staged file to the storage endpoint in bounded-size
// chunks over HTTP PUT. Each chunk carries its byte range in Content-Range,
// so an abort loses at most one chunk and resume-from-offset is possible.
type Client struct {
	endpoint       string
	http           *http.Client
	chunkSize      int64
	resumeFromZero bool
}

// Option customizes a Client.
type Option func(*Client)

// WithChunkSize bounds the per-request payload size.
func WithChunkSize(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.chunkSize = n
		}
	}
}

// WithHTTPClient swaps the underlying http.Client (timeouts are a transport
// concern; the queue imposes none of its own).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithResumeFromZero makes every transfer restart at byte 0 regardless of
// the requested offset, for storage endpoints that do not accept ranged
// chunk writes. The queue contract is unchanged; only transfer efficiency
// differs.
func WithResumeFromZero() Option {
	return func(c *Client) { c.resumeFromZero = true }
}

func NewClient(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint:  endpoint,
		http:      &http.Client{Timeout: defaultTimeout},
		chunkSize: defaultChunkSize,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Upload streams the file described by req, reporting cumulative progress
// after every acknowledged chunk. Cancelling ctx aborts the in-flight
// request; the caller decides the resulting task status.
func (c *Client) Upload(ctx context.Context, req Request, progress ProgressFunc) error {
	f, err := os.Open(req.Path) //nolint:gosec // path is staged by the application
	if err != nil {
		return &Error{BytesSent: req.Offset, Retryable: false, Err: fmt.Errorf("open source file: %w", err)}
	}
	defer func() { _ = f.Close() }()

	offset := req.Offset
	if c.resumeFromZero {
		offset = 0
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return &Error{BytesSent: offset, Retryable: false, Err: fmt.Errorf("seek to offset: %w", err)}
		}
	}

	// Zero-byte files still need one request so the endpoint sees the
	// upload and the task can complete.
	if req.Size == 0 {
		if err := c.sendChunk(ctx, req, nil, 0); err != nil {
			return err
		}
		if progress != nil {
			progress(0)
		}
		return nil
	}

	buf := make([]byte, c.chunkSize)
	for offset < req.Size {
		n := c.chunkSize
		if remaining := req.Size - offset; remaining < n {
			n = remaining
		}
		read, err := io.ReadFull(f, buf[:n])
		if err != nil {
			return &Error{BytesSent: offset, Retryable: false, Err: fmt.Errorf("read source file: %w", err)}
		}
		if err := c.sendChunk(ctx, req, buf[:read], offset); err != nil {
			return err
		}
		offset += int64(read)
		if progress != nil {
			progress(offset)
		}
	}
	return nil
}

func (c *Client) sendChunk(ctx context.Context, req Request, chunk []byte, offset int64) error {
	hr, err := http.NewRequestWithContext(ctx, http.MethodPut, c.endpoint, bytes.NewReader(chunk))
	if err != nil {
		return &Error{BytesSent: offset, Retryable: false, Err: fmt.Errorf("build chunk request: %w", err)}
	}
	hr.Header.Set("Content-Type", req.ContentType)
	hr.Header.Set(headerUploadID, req.TaskID)
	hr.Header.Set(headerFileName, req.Name)
	hr.Header.Set("Content-Range", contentRange(offset, int64(len(chunk)), req.Size))

	resp, err := c.http.Do(hr)
	if err != nil {
		return &Error{BytesSent: offset, Retryable: true, Err: err}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Error{
			StatusCode: resp.StatusCode,
			BytesSent:  offset,
			Retryable:  retryableStatus(resp.StatusCode),
		}
	}
	return nil
}

func contentRange(offset, length, size int64) string {
	if length == 0 {
		return fmt.Sprintf("bytes */%d", size)
	}
	return fmt.Sprintf("bytes %d-%d/%d", offset, offset+length-1, size)
}

// retryableStatus treats server-side failures and throttling as transient;
// other 4xx codes indicate a permanent rejection (quota exceeded, bad
// request) that a retry cannot fix.
func retryableStatus(code int) bool {
	switch {
	case code >= 500:
		return true
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}
