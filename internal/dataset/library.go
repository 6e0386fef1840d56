package dataset

import (
	"fmt"
	"sync"
)

// Library holds every loaded task dataset, in configuration order. Contents
// may be swapped wholesale by Reload while the gateway reads concurrently.
type Library struct {
	mu    sync.RWMutex
	tasks map[string]*Task
	order []string
}

// LoadAll loads every spec, failing on the first bad dataset. Duplicate task
// IDs are rejected.
func LoadAll(specs []Spec) (*Library, error) {
	tasks, order, err := loadSpecs(specs)
	if err != nil {
		return nil, err
	}
	return &Library{tasks: tasks, order: order}, nil
}

func loadSpecs(specs []Spec) (map[string]*Task, []string, error) {
	tasks := make(map[string]*Task, len(specs))
	var order []string
	for _, spec := range specs {
		if _, dup := tasks[spec.ID]; dup {
			return nil, nil, fmt.Errorf("duplicate task id %q", spec.ID)
		}
		task, err := Load(spec)
		if err != nil {
			return nil, nil, err
		}
		tasks[spec.ID] = task
		order = append(order, spec.ID)
	}
	return tasks, order, nil
}

// Reload replaces the library's contents from freshly loaded specs. On any
// load failure the previous contents stay active; a half-edited data file
// never evicts a working dataset.
func (l *Library) Reload(specs []Spec) error {
	tasks, order, err := loadSpecs(specs)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.tasks, l.order = tasks, order
	l.mu.Unlock()
	return nil
}

// Task returns the dataset for a task ID.
func (l *Library) Task(id string) (*Task, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.tasks[id]
	return t, ok
}

// IDs returns the task IDs in configuration order.
func (l *Library) IDs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]string(nil), l.order...)
}

// RowCount returns the dataset size for a task, or 0 for unknown tasks.
// Shaped for direct use as the sync engine's row count hook.
func (l *Library) RowCount(taskID string) int {
	if t, ok := l.Task(taskID); ok {
		return t.RowCount()
	}
	return 0
}

// Filename returns the media filename for a row, or "" when unknown.
// Shaped for direct use as the session manager's filename hook.
func (l *Library) Filename(taskID string, row int) string {
	if t, ok := l.Task(taskID); ok {
		return t.Filename(row)
	}
	return ""
}
