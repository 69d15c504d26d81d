package settings

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aidispatch/dispatcher/internal/inference"
)

func TestLoadSettingsReturnsZeroValueWhenFileMissing(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "settings.json"))

	got, err := store.LoadSettings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, inference.EngineSettings{}, got)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "settings.json"))

	want := inference.EngineSettings{
		PerRunnerParameters:     map[string]map[string]any{"LocalLLM": {"temperature": 0.5}},
		GuardianConfig:          inference.GuardianConfig{Mode: inference.GuardianInputOnly, Strictness: inference.StrictnessHigh},
		DefaultModelPerCategory: map[string]string{"LLM": "m1"},
	}
	require.NoError(t, store.SaveSettings(context.Background(), want))

	got, err := store.LoadSettings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestSaveOverwritesPreviousValue(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "settings.json"))

	require.NoError(t, store.SaveSettings(context.Background(), inference.EngineSettings{DefaultModelPerCategory: map[string]string{"LLM": "first"}}))
	require.NoError(t, store.SaveSettings(context.Background(), inference.EngineSettings{DefaultModelPerCategory: map[string]string{"LLM": "second"}}))

	got, err := store.LoadSettings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "second", got.DefaultModelPerCategory["LLM"])
}
