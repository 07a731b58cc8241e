package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecord(id string, start time.Time) AsyncRecord {
	end := start.Add(3 * time.Second)
	return AsyncRecord{
		ID:         id,
		Name:       "worker",
		Mode:       string(ModeFireAndForget),
		Status:     string(StatusCompleted),
		Prompt:     "do work",
		Result:     "done",
		StartTime:  start,
		EndTime:    &end,
		DurationMs: 3000,
	}
}

func TestSaveAndLoadAsyncRecord(t *testing.T) {
	dir := t.TempDir()
	rec := sampleRecord("abcd1234", time.Now())

	saveAsyncRecord(dir, rec)

	got, err := LoadAsyncRecord(dir, "abcd1234")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, rec.Result, got.Result)
	require.NotNil(t, got.EndTime)

	_, err = os.Stat(filepath.Join(dir, ".jimi", "async_subagents", "results", "abcd1234.json"))
	assert.NoError(t, err)
	assert.Equal(t, 1, AsyncHistoryCount(dir))
}

func TestSaveAsyncRecordReplacesSameID(t *testing.T) {
	dir := t.TempDir()
	start := time.Now()

	rec := sampleRecord("abcd1234", start)
	rec.Status = string(StatusRunning)
	saveAsyncRecord(dir, rec)
	rec.Status = string(StatusCompleted)
	saveAsyncRecord(dir, rec)

	entries := loadIndex(dir)
	require.Len(t, entries, 1)
	assert.Equal(t, string(StatusCompleted), entries[0].Status)
}

func TestIndexBoundPrunesOldest(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().Add(-time.Hour)

	total := maxIndexEntries + 5
	for i := 0; i < total; i++ {
		saveAsyncRecord(dir, sampleRecord(fmt.Sprintf("id%06d", i), base.Add(time.Duration(i)*time.Second)))
	}

	entries := loadIndex(dir)
	require.Len(t, entries, maxIndexEntries)
	// the 5 oldest entries and their result files are gone; the newest leads
	assert.Equal(t, fmt.Sprintf("id%06d", total-1), entries[0].ID)
	assert.Equal(t, "id000005", entries[len(entries)-1].ID)
	for i := 0; i < 5; i++ {
		_, err := os.Stat(filepath.Join(resultsDir(dir), fmt.Sprintf("id%06d.json", i)))
		assert.True(t, os.IsNotExist(err), "record %d should be pruned", i)
	}
	_, err := LoadAsyncRecord(dir, "id000005")
	assert.NoError(t, err)
}

func TestIndexFileIsNewestFirst(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().Add(-time.Hour)

	// saved oldest to newest; the file must still lead with the newest
	saveAsyncRecord(dir, sampleRecord("a0000000", base))
	saveAsyncRecord(dir, sampleRecord("b0000000", base.Add(time.Minute)))
	saveAsyncRecord(dir, sampleRecord("c0000000", base.Add(2*time.Minute)))

	data, err := os.ReadFile(indexPath(dir))
	require.NoError(t, err)
	var entries []IndexEntry
	require.NoError(t, json.Unmarshal(data, &entries))
	require.Len(t, entries, 3)
	assert.Equal(t, "c0000000", entries[0].ID)
	assert.Equal(t, "b0000000", entries[1].ID)
	assert.Equal(t, "a0000000", entries[2].ID)
}

func TestSaveAsyncRecordEmptyWorkdir(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	saveAsyncRecord("", sampleRecord("abcd1234", time.Now()))

	// no-op: nothing appears relative to the working directory
	_, err := os.Stat(filepath.Join(dir, ".jimi"))
	assert.True(t, os.IsNotExist(err))
}

func TestLoadAsyncRecordMissing(t *testing.T) {
	_, err := LoadAsyncRecord(t.TempDir(), "nope")
	assert.Error(t, err)
}

func TestCorruptIndexStartsFresh(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(asyncDir(dir), 0o755))
	require.NoError(t, os.WriteFile(indexPath(dir), []byte("{not json"), 0o644))

	assert.Nil(t, loadIndex(dir))

	saveAsyncRecord(dir, sampleRecord("abcd1234", time.Now()))
	assert.Equal(t, 1, AsyncHistoryCount(dir))
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "0s"},
		{42 * time.Second, "42s"},
		{3*time.Minute + 12*time.Second, "3m12s"},
		{time.Hour + 4*time.Minute, "1h04m00s"},
		{2*time.Hour + 30*time.Minute + 59*time.Second, "2h30m59s"},
		{900 * time.Millisecond, "1s"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatDuration(tt.d), tt.d.String())
	}
}
