package gwconfig

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewManagerBuildsInitialSnapshot(t *testing.T) {
	m, err := NewManager(validDoc())
	require.NoError(t, err)
	assert.Equal(t, CacheMethodKV, m.Current().CacheMethod)
}

func TestNewManagerRejectsInvalidDocument(t *testing.T) {
	doc := validDoc()
	doc.Video.Origins.Items[0].Name = ""

	_, err := NewManager(doc)
	require.Error(t, err)
}

func TestManagerReloadSwapsSnapshot(t *testing.T) {
	m, err := NewManager(validDoc())
	require.NoError(t, err)

	doc := validDoc()
	doc.Cache.DefaultMaxAge = 7200
	require.NoError(t, m.Reload(doc))

	o, _, err := m.Current().Resolver.Match("/videos/abc.mp4")
	require.NoError(t, err)
	assert.Equal(t, 7200, o.TTL.OK)
}

func TestManagerReloadLeavesSnapshotOnError(t *testing.T) {
	m, err := NewManager(validDoc())
	require.NoError(t, err)
	before := m.Current()

	bad := validDoc()
	bad.Video.Origins.Items[0].Matcher = "(unterminated"
	require.Error(t, m.Reload(bad))

	assert.Same(t, before, m.Current())
}

func TestManagerSubscribeReceivesReloadedSnapshot(t *testing.T) {
	m, err := NewManager(validDoc())
	require.NoError(t, err)
	ch := m.Subscribe()

	doc := validDoc()
	doc.Cache.DefaultMaxAge = 9000
	require.NoError(t, m.Reload(doc))

	select {
	case snap := <-ch:
		o, _, err := snap.Resolver.Match("/videos/abc.mp4")
		require.NoError(t, err)
		assert.Equal(t, 9000, o.TTL.OK)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reloaded snapshot")
	}
}

func TestManagerSubscribeDropsStaleSnapshotInFavorOfLatest(t *testing.T) {
	m, err := NewManager(validDoc())
	require.NoError(t, err)
	ch := m.Subscribe()

	first := validDoc()
	first.Cache.DefaultMaxAge = 111
	require.NoError(t, m.Reload(first))

	second := validDoc()
	second.Cache.DefaultMaxAge = 222
	require.NoError(t, m.Reload(second))

	snap := <-ch
	o, _, err := snap.Resolver.Match("/videos/abc.mp4")
	require.NoError(t, err)
	assert.Equal(t, 222, o.TTL.OK)
}
