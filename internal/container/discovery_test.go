package container

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcloud/node-agent/internal/common/logger"
)

type fakeLister struct {
	infos   []Info
	err     error
	calls   int
	running map[string]bool
}

func (f *fakeLister) ListByLabel(_ context.Context, _, _ string) ([]Info, error) {
	f.calls++
	return f.infos, f.err
}

func (f *fakeLister) IsRunning(_ context.Context, id string) bool {
	if f.running == nil {
		return true
	}
	return f.running[id]
}

func TestDiscoveryCachesWithinTTL(t *testing.T) {
	lister := &fakeLister{infos: []Info{{ID: "abc123", State: "running"}}}
	d := NewDiscovery(lister, DiscoveryConfig{
		LabelValue: "/workspace/repo",
		CacheTTL:   time.Minute,
	}, logger.Default())

	id, err := d.GetContainerID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc123", id)

	id, err = d.GetContainerID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc123", id)
	assert.Equal(t, 1, lister.calls)
}

func TestDiscoveryNoContainer(t *testing.T) {
	lister := &fakeLister{}
	d := NewDiscovery(lister, DiscoveryConfig{LabelValue: "/workspace/repo"}, logger.Default())

	_, err := d.GetContainerID(context.Background())
	assert.ErrorIs(t, err, ErrNoContainerFound)
}

func TestDiscoveryMultipleMatchesUsesFirst(t *testing.T) {
	lister := &fakeLister{infos: []Info{{ID: "first"}, {ID: "second"}}}
	d := NewDiscovery(lister, DiscoveryConfig{LabelValue: "/workspace/repo"}, logger.Default())

	id, err := d.GetContainerID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "first", id)
}

func TestDiscoveryInvalidateForcesRequery(t *testing.T) {
	lister := &fakeLister{infos: []Info{{ID: "abc123"}}}
	d := NewDiscovery(lister, DiscoveryConfig{
		LabelValue: "/workspace/repo",
		CacheTTL:   time.Minute,
	}, logger.Default())

	_, err := d.GetContainerID(context.Background())
	require.NoError(t, err)
	d.Invalidate()

	_, err = d.GetContainerID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, lister.calls)
}

func TestDiscoveryRequeriesWhenStopped(t *testing.T) {
	lister := &fakeLister{
		infos:   []Info{{ID: "abc123"}},
		running: map[string]bool{"abc123": false},
	}
	d := NewDiscovery(lister, DiscoveryConfig{
		LabelValue: "/workspace/repo",
		CacheTTL:   time.Minute,
	}, logger.Default())

	_, err := d.GetContainerID(context.Background())
	require.NoError(t, err)

	// Cache is fresh but the container is gone, so the runtime is re-queried.
	_, err = d.GetContainerID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, lister.calls)
}
