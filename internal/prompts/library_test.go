package prompts

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBuiltinsServed(t *testing.T) {
	l := NewLibrary("", zap.NewNop())

	for _, key := range []Key{
		KeyFactExtraction, KeyUpdateMemory, KeyConflict,
		KeyMerge, KeyCompression, KeyProcedural, KeyEntityExtraction,
	} {
		assert.NotEmpty(t, l.Get(key), "template %s", key)
	}
	assert.Contains(t, l.Get(KeyFactExtraction), `{"facts"`)
	assert.Contains(t, l.Get(KeyUpdateMemory), `{"memory"`)
	assert.Empty(t, l.Get(Key("nope")))
}

func TestRender(t *testing.T) {
	out := Render("facts: {{facts}} date: {{date}}", map[string]string{
		"facts": `["a"]`,
		"date":  "2025-06-01",
	})
	assert.Equal(t, `facts: ["a"] date: 2025-06-01`, out)

	// Missing vars leave the placeholder visible rather than eating text.
	out = Render("keep {{unknown}}", map[string]string{"date": "x"})
	assert.Equal(t, "keep {{unknown}}", out)

	assert.Equal(t, "plain", Render("plain", nil))
}

func TestOverridesLoadedOnConstruction(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"custom_fact_extraction_prompt: |\n  my extraction prompt\ncustom_update_memory_prompt: my planner prompt\n"), 0o644))

	l := NewLibrary(path, zap.NewNop())
	assert.Equal(t, "my extraction prompt", l.Get(KeyFactExtraction))
	assert.Equal(t, "my planner prompt", l.Get(KeyUpdateMemory))
	// Untouched templates stay built-in.
	assert.Contains(t, l.Get(KeyConflict), "duplicate")
}

func TestMissingOverrideFileUsesBuiltins(t *testing.T) {
	l := NewLibrary(filepath.Join(t.TempDir(), "prompts.yaml"), zap.NewNop())
	assert.Contains(t, l.Get(KeyFactExtraction), `{"facts"`)
}

func TestMalformedOverridesKeepPrevious(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	require.NoError(t, os.WriteFile(path, []byte("custom_fact_extraction_prompt: good one\n"), 0o644))

	l := NewLibrary(path, zap.NewNop())
	require.Equal(t, "good one", l.Get(KeyFactExtraction))

	require.NoError(t, os.WriteFile(path, []byte(":\n\t- not yaml at all ["), 0o644))
	l.reload()

	assert.Equal(t, "good one", l.Get(KeyFactExtraction))
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prompts.yaml")

	l := NewLibrary(path, zap.NewNop())
	require.NoError(t, l.Watch(context.Background()))
	defer l.Stop()

	require.True(t, strings.Contains(l.Get(KeyFactExtraction), `{"facts"`))

	require.NoError(t, os.WriteFile(path, []byte("custom_fact_extraction_prompt: hot reloaded\n"), 0o644))

	require.Eventually(t, func() bool {
		return l.Get(KeyFactExtraction) == "hot reloaded"
	}, 3*time.Second, 25*time.Millisecond)

	// Deleting the file falls back to builtins.
	require.NoError(t, os.Remove(path))
	require.Eventually(t, func() bool {
		return strings.Contains(l.Get(KeyFactExtraction), `{"facts"`)
	}, 3*time.Second, 25*time.Millisecond)
}

func TestStopWithoutWatchIsSafe(t *testing.T) {
	l := NewLibrary("", zap.NewNop())
	l.Stop()
}
