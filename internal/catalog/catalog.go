package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Record is the media registration payload sent to the catalog endpoint
// after an upload finishes. The queue forwards the user's upload options
// here without interpreting them.
type Record struct {
	UploadID        string    `json:"upload_id"`
	Name            string    `json:"name"`
	Size            int64     `json:"size"`
	ContentType     string    `json:"content_type,omitempty"`
	EditorID        string    `json:"editor_id"`
	Tags            []string  `json:"tags,omitempty"`
	Description     string    `json:"description,omitempty"`
	FolderID        string    `json:"folder_id,omitempty"`
	OrganizeByDate  bool      `json:"organize_by_date"`
	AssignedBuyerID string    `json:"assigned_buyer_id,omitempty"`
	RemoveMetadata  bool      `json:"remove_metadata"`
	AddMetadata     bool      `json:"add_metadata"`
	UploadedAt      time.Time `json:"uploaded_at"`
}

const (
	defaultTimeout  = 15 * time.Second
	maxErrorBodyLen = 512
)

// Client registers completed uploads as media records.
type Client struct {
	endpoint string
	http     *http.Client
}

func NewClient(endpoint string) *Client {
	return &Client{endpoint: endpoint, http: &http.Client{Timeout: defaultTimeout}}
}

// Register posts the record. A non-2xx response is returned as an error with
// a body snippet for diagnostics; the caller decides the task outcome.
func (c *Client) Register(ctx context.Context, rec Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode media record: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build register request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("register media record: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLen))
		return fmt.Errorf("catalog returned %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	return nil
}
