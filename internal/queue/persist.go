package queue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	fileutil "uploadq/internal/file"
)

// Persister abstracts durable task records so the queue survives a restart.
// The default implementation is file-based; the interface allows plugging a
// DB-backed persister later.
type Persister interface {
	SaveTask(t *UploadTask) error
	LoadTasks() ([]*UploadTask, error)
	RemoveTask(id string) error
}

// filePersister stores one JSON document per task under dataDir/tasks.
type filePersister struct {
	dataDir string
}

func NewFilePersister(dataDir string) Persister { //nolint:ireturn
	if dataDir == "" {
		dataDir = "data"
	}
	return &filePersister{dataDir: dataDir}
}

func (p *filePersister) taskPath(id string) string {
	return filepath.Join(p.dataDir, "tasks", id+".json")
}

func (p *filePersister) SaveTask(t *UploadTask) error {
	return fileutil.WriteJSONAtomic(p.taskPath(t.ID), t) //nolint:wrapcheck
}

func (p *filePersister) RemoveTask(id string) error {
	if err := os.Remove(p.taskPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove task record: %w", err)
	}
	return nil
}

func (p *filePersister) LoadTasks() ([]*UploadTask, error) {
	root := filepath.Join(p.dataDir, "tasks")
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read tasks dir: %w", err)
	}
	tasks := make([]*UploadTask, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		b, err := os.ReadFile(filepath.Join(root, e.Name())) //nolint:gosec // path is controlled by application
		if err != nil {
			continue
		}
		var t UploadTask
		if err := json.Unmarshal(b, &t); err != nil {
			continue
		}
		tt := t
		tasks = append(tasks, &tt)
	}
	return tasks, nil
}
