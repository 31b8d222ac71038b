package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/rangefetch/internal/storage"
)

type Notifier interface {
	Notify(ctx context.Context, task *storage.Task) error
}

// TaskPayload is the task summary sent along with the message.
type TaskPayload struct {
	ID        string             `json:"id"`
	URL       string             `json:"url"`
	Path      string             `json:"path"`
	Status    storage.TaskStatus `json:"status"`
	TotalSize int64              `json:"total_size"`
	Error     string             `json:"error,omitempty"`
}

// WebhookNotifier posts terminal task transitions as JSON. The content field keeps the
// payload compatible with Discord and Slack style incoming webhooks.
type WebhookNotifier struct {
	URL    string
	Client *http.Client
}

func (n *WebhookNotifier) Notify(ctx context.Context, task *storage.Task) error {
	if n.URL == "" {
		return fmt.Errorf("webhook URL is not set")
	}

	payload := struct {
		Content string      `json:"content"`
		Task    TaskPayload `json:"task"`
	}{
		Content: Message(task),
		Task: TaskPayload{
			ID:        task.ID,
			URL:       task.URL,
			Path:      task.Path(),
			Status:    task.Status,
			TotalSize: task.TotalSize,
			Error:     task.Error,
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client().Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook failed with status %d", resp.StatusCode)
	}

	return nil
}

func (n *WebhookNotifier) client() *http.Client {
	if n.Client != nil {
		return n.Client
	}

	return &http.Client{Timeout: 10 * time.Second}
}

// Message is the human readable line for a terminal task.
func Message(task *storage.Task) string {
	switch task.Status {
	case storage.TaskCompleted:
		size := "unknown size"
		if task.TotalSize >= 0 {
			size = humanize.IBytes(uint64(task.TotalSize))
		}

		return fmt.Sprintf("Download completed: %s (%s)", task.Filename, size)
	case storage.TaskFailed:
		return fmt.Sprintf("Download failed: %s: %s", task.Filename, task.Error)
	default:
		return fmt.Sprintf("Download %s: %s", task.Status, task.Filename)
	}
}
