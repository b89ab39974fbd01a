package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigureDisabledIsNoOp(t *testing.T) {
	require.NoError(t, Configure(Settings{}))
	defer Close()

	assert.False(t, IsDebugMode())
	assert.False(t, IsCategoryEnabled(CategorySession))

	// Must not panic or create files.
	Session("hello %s", "world")
}

func TestCategoryFileWritten(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Configure(Settings{
		DebugMode: true,
		Dir:       dir,
		Level:     "debug",
	}))
	defer Close()

	Sandbox("step %d executed", 3)
	SandboxDebug("detail")
	Close()

	matches, err := filepath.Glob(filepath.Join(dir, "*_sandbox.log"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), "step 3 executed")
	assert.Contains(t, string(data), "[DEBUG] detail")
}

func TestCategoryToggle(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Configure(Settings{
		DebugMode:  true,
		Dir:        dir,
		Level:      "info",
		Categories: map[string]bool{"dispatch": false},
	}))
	defer Close()

	assert.False(t, IsCategoryEnabled(CategoryDispatch))
	assert.True(t, IsCategoryEnabled(CategorySession))
}

func TestLevelGate(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Configure(Settings{
		DebugMode: true,
		Dir:       dir,
		Level:     "warn",
	}))
	defer Close()

	l := Get(CategoryAPI)
	l.Info("should not appear")
	l.Warn("should appear")
	Close()

	matches, err := filepath.Glob(filepath.Join(dir, "*_api.log"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	assert.NotContains(t, string(data), "should not appear")
	assert.Contains(t, string(data), "should appear")
}

func TestTraceWriterAppendsJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.jsonl")
	w, err := NewTraceWriter(path)
	require.NoError(t, err)

	w.Emit(TraceEvent{EventType: TraceSessionStart, SessionID: "s1", Success: true})
	w.Emit(TraceEvent{EventType: TraceStepEnd, SessionID: "s1", Step: 2, Success: false, Error: "boom"})
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var first TraceEvent
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, TraceSessionStart, first.EventType)
	assert.Equal(t, "s1", first.SessionID)
	assert.NotZero(t, first.Timestamp)

	var second TraceEvent
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, 2, second.Step)
	assert.Equal(t, "boom", second.Error)
}

func TestNilTraceWriterDiscards(t *testing.T) {
	var w *TraceWriter
	w.Emit(TraceEvent{EventType: TraceStepStart})
	assert.NoError(t, w.Close())
}
