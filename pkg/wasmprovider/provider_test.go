package wasmprovider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krustlet/krustlet/pkg/provider"
)

func TestNewRegistersEveryState(t *testing.T) {
	p := New(Config{})

	states := []provider.StateID{
		StateRegistered, StateImagePull, StateImagePullBackOff, StateVolumeMount,
		StateResources, StateStarting, StateRunning, StateTerminating,
		StateTerminated, StateError,
	}
	for _, s := range states {
		fn, ok := p.Transition(s)
		assert.Truef(t, ok, "no transition function registered for state %q", s)
		assert.NotNil(t, fn)
	}

	_, ok := p.Transition(provider.StateID("NotARealState"))
	assert.False(t, ok)
}

func TestProviderIdentity(t *testing.T) {
	p := New(Config{})
	assert.Equal(t, "wasm32-wasi", p.NodeArchitecture())
	assert.Equal(t, StateRegistered, p.InitialState())
	assert.Equal(t, StateError, p.FailureState())
}

func TestExecIsUnsupported(t *testing.T) {
	p := New(Config{})
	err := p.Exec(context.Background(), "pod-uid", "app", []string{"ls"})
	assert.ErrorIs(t, err, provider.ErrUnsupported)
}

func TestLogsErrorsWithoutARunningInstance(t *testing.T) {
	p := New(Config{})
	p.pods = make(map[string]*podRunContext)

	_, err := p.Logs(context.Background(), "pod-uid", "app", 0, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "app")
}
