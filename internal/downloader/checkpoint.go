package downloader

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"
)

// Checkpoint is the resume file: the set of completed SYMBOL_TIMEFRAME
// keys. Every mutation rewrites the whole file so a crash can never
// leave it half-updated beyond one lost entry.
type Checkpoint struct {
	mu        sync.Mutex
	path      string
	completed map[string]bool
}

type checkpointFile struct {
	Completed  []string  `json:"completed"`
	LastUpdate time.Time `json:"last_update"`
}

// LoadCheckpoint reads an existing checkpoint or starts an empty one.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	c := &Checkpoint{path: path, completed: make(map[string]bool)}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint %s: %w", path, err)
	}

	var f checkpointFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("corrupt checkpoint %s: %w", path, err)
	}
	for _, key := range f.Completed {
		c.completed[key] = true
	}
	return c, nil
}

// TaskKey is the checkpoint key for one symbol and timeframe.
func TaskKey(symbol, timeframe string) string {
	return symbol + "_" + timeframe
}

// IsDone reports whether a task already completed in a previous run.
func (c *Checkpoint) IsDone(symbol, timeframe string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completed[TaskKey(symbol, timeframe)]
}

// MarkDone records a completed task and persists.
func (c *Checkpoint) MarkDone(symbol, timeframe string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completed[TaskKey(symbol, timeframe)] = true
	return c.flush()
}

// Clear removes a task, forcing a re-download on the next run. Used when
// a retry replaces a possibly partial file.
func (c *Checkpoint) Clear(symbol, timeframe string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.completed, TaskKey(symbol, timeframe))
	return c.flush()
}

// DoneCount returns the number of completed tasks.
func (c *Checkpoint) DoneCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.completed)
}

// flush rewrites the file; callers hold the lock.
func (c *Checkpoint) flush() error {
	keys := make([]string, 0, len(c.completed))
	for k := range c.completed {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	data, err := json.MarshalIndent(checkpointFile{Completed: keys, LastUpdate: time.Now().UTC()}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	if err := os.WriteFile(c.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write checkpoint %s: %w", c.path, err)
	}
	return nil
}
