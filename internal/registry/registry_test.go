package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aidispatch/dispatcher/internal/inference"
)

type fakeRunner struct {
	info    inference.RunnerInfo
	loaded  bool
	modelID string
}

func (f *fakeRunner) Info() inference.RunnerInfo         { return f.info }
func (f *fakeRunner) Capabilities() []inference.Capability { return f.info.Capabilities }
func (f *fakeRunner) IsSupported() bool                  { return true }
func (f *fakeRunner) Load(_ context.Context, modelID string, _, _ map[string]any) (bool, error) {
	f.loaded = true
	f.modelID = modelID
	return true, nil
}
func (f *fakeRunner) Unload(_ context.Context) error { f.loaded = false; return nil }
func (f *fakeRunner) IsLoaded() bool                 { return f.loaded }
func (f *fakeRunner) LoadedModelID() string          { return f.modelID }
func (f *fakeRunner) Run(_ context.Context, _ inference.Request) (inference.Result, error) {
	return inference.Result{}, nil
}

func newFakeRunner(name string, caps ...inference.Capability) *fakeRunner {
	return &fakeRunner{info: inference.RunnerInfo{Name: name, Capabilities: caps}}
}

func TestRegisterRejectsRunnerWithNoCapabilities(t *testing.T) {
	reg := New()
	err := reg.Register(newFakeRunner("empty"))
	require.ErrorIs(t, err, ErrNoCapabilities)
}

func TestRegisterRejectsDuplicateName(t *testing.T) {
	reg := New()
	require.NoError(t, reg.Register(newFakeRunner("a", inference.CapabilityLLM)))
	err := reg.Register(newFakeRunner("a", inference.CapabilityLLM))
	assert.Error(t, err)
}

func TestListForReturnsOnlyMatchingCapability(t *testing.T) {
	reg := New()
	llm := newFakeRunner("llm", inference.CapabilityLLM)
	vlm := newFakeRunner("vlm", inference.CapabilityVLM)
	both := newFakeRunner("both", inference.CapabilityLLM, inference.CapabilityVLM)
	require.NoError(t, reg.Register(llm))
	require.NoError(t, reg.Register(vlm))
	require.NoError(t, reg.Register(both))

	llms := reg.ListFor(inference.CapabilityLLM)
	assert.Len(t, llms, 2)
	assert.Contains(t, llms, inference.Runner(llm))
	assert.Contains(t, llms, inference.Runner(both))

	vlms := reg.ListFor(inference.CapabilityVLM)
	assert.Len(t, vlms, 2)
}

func TestListForRespectsRegistrationOrder(t *testing.T) {
	reg := New()
	first := newFakeRunner("first", inference.CapabilityLLM)
	second := newFakeRunner("second", inference.CapabilityLLM)
	require.NoError(t, reg.Register(first))
	require.NoError(t, reg.Register(second))

	runners := reg.ListFor(inference.CapabilityLLM)
	require.Len(t, runners, 2)
	assert.Equal(t, "first", runners[0].Info().Name)
	assert.Equal(t, "second", runners[1].Info().Name)
}

func TestUnregisterRemovesFromBothIndexes(t *testing.T) {
	reg := New()
	r := newFakeRunner("r", inference.CapabilityLLM)
	require.NoError(t, reg.Register(r))

	require.True(t, reg.Unregister("r"))
	assert.Nil(t, reg.Lookup("r"))
	assert.Empty(t, reg.ListFor(inference.CapabilityLLM))

	// Idempotent: unregistering an unknown name returns false.
	assert.False(t, reg.Unregister("r"))
}

func TestClearEmptiesBothIndexes(t *testing.T) {
	reg := New()
	require.NoError(t, reg.Register(newFakeRunner("a", inference.CapabilityLLM)))
	reg.Clear()
	assert.Empty(t, reg.All())
	assert.Empty(t, reg.ListFor(inference.CapabilityLLM))
}
