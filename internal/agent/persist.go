package agent

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// maxIndexEntries bounds the persisted async history; older entries and
// their result files are pruned on save.
const maxIndexEntries = 100

// AsyncRecord is the persisted outcome of one background subagent, stored
// as .jimi/async_subagents/results/<id>.json.
type AsyncRecord struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Mode           string     `json:"mode"`
	Status         string     `json:"status"`
	Prompt         string     `json:"prompt"`
	Result         string     `json:"result,omitempty"`
	Error          string     `json:"error,omitempty"`
	TriggerPattern string     `json:"trigger_pattern,omitempty"`
	StartTime      time.Time  `json:"start_time"`
	EndTime        *time.Time `json:"end_time,omitempty"`
	DurationMs     int64      `json:"duration_ms"`
}

// IndexEntry is one line of the async history index.
type IndexEntry struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	StartTime  time.Time `json:"start_time"`
	DurationMs int64     `json:"duration_ms"`
}

func asyncDir(workDir string) string {
	return filepath.Join(workDir, ".jimi", "async_subagents")
}

func resultsDir(workDir string) string {
	return filepath.Join(asyncDir(workDir), "results")
}

func indexPath(workDir string) string {
	return filepath.Join(asyncDir(workDir), "index.json")
}

// saveAsyncRecord persists a terminal record and updates the index.
// Persistence is best-effort: failures are logged, never surfaced, so a full
// disk cannot take down the session.
func saveAsyncRecord(workDir string, rec AsyncRecord) {
	if workDir == "" {
		return
	}
	dir := resultsDir(workDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("async persist: create dir", "error", err)
		return
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		slog.Warn("async persist: marshal record", "id", rec.ID, "error", err)
		return
	}
	if err := os.WriteFile(filepath.Join(dir, rec.ID+".json"), data, 0o644); err != nil {
		slog.Warn("async persist: write record", "id", rec.ID, "error", err)
		return
	}

	index := loadIndex(workDir)
	// replace any stale entry for the same id
	out := index[:0]
	for _, e := range index {
		if e.ID != rec.ID {
			out = append(out, e)
		}
	}
	out = append(out, IndexEntry{
		ID:         rec.ID,
		Name:       rec.Name,
		Status:     rec.Status,
		StartTime:  rec.StartTime,
		DurationMs: rec.DurationMs,
	})
	// the file lists entries newest first; overflow falls off the tail
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })

	if len(out) > maxIndexEntries {
		for _, e := range out[maxIndexEntries:] {
			if err := os.Remove(filepath.Join(dir, e.ID+".json")); err != nil && !os.IsNotExist(err) {
				slog.Warn("async persist: prune record", "id", e.ID, "error", err)
			}
		}
		out = out[:maxIndexEntries]
	}

	if err := writeIndex(workDir, out); err != nil {
		slog.Warn("async persist: write index", "error", err)
	}
}

func loadIndex(workDir string) []IndexEntry {
	data, err := os.ReadFile(indexPath(workDir))
	if err != nil {
		return nil
	}
	var index []IndexEntry
	if err := json.Unmarshal(data, &index); err != nil {
		slog.Warn("async persist: corrupt index, starting fresh", "error", err)
		return nil
	}
	return index
}

func writeIndex(workDir string, index []IndexEntry) error {
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(indexPath(workDir), data, 0o644)
}

// AsyncHistory returns up to limit index entries, newest first. limit <= 0
// means all.
func AsyncHistory(workDir string, limit int) []IndexEntry {
	index := loadIndex(workDir)
	sort.Slice(index, func(i, j int) bool { return index[i].StartTime.After(index[j].StartTime) })
	if limit > 0 && len(index) > limit {
		index = index[:limit]
	}
	return index
}

// AsyncHistoryCount returns the number of persisted records.
func AsyncHistoryCount(workDir string) int {
	return len(loadIndex(workDir))
}

// LoadAsyncRecord reads one persisted record by id.
func LoadAsyncRecord(workDir, id string) (*AsyncRecord, error) {
	data, err := os.ReadFile(filepath.Join(resultsDir(workDir), id+".json"))
	if err != nil {
		return nil, fmt.Errorf("load async record %s: %w", id, err)
	}
	var rec AsyncRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse async record %s: %w", id, err)
	}
	return &rec, nil
}

// ClearAsyncHistory deletes every persisted record and the index, returning
// the number of records removed.
func ClearAsyncHistory(workDir string) int {
	index := loadIndex(workDir)
	dir := resultsDir(workDir)
	removed := 0
	for _, e := range index {
		if err := os.Remove(filepath.Join(dir, e.ID+".json")); err == nil {
			removed++
		}
	}
	if err := os.Remove(indexPath(workDir)); err != nil && !os.IsNotExist(err) {
		slog.Warn("async persist: remove index", "error", err)
	}
	return removed
}

// FormatDuration renders a duration the way the async status listing shows
// it: "42s", "3m12s", "1h04m00s".
func FormatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh%02dm%02ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm%02ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
