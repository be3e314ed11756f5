package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"odin-sse-gateway/internal/source"
)

func newTestRegistry(t *testing.T, mr *miniredis.Miniredis, instanceID string) *Registry {
	t.Helper()

	r, err := NewRegistry(context.Background(), Config{
		RedisURL:   "redis://" + mr.Addr(),
		InstanceID: instanceID,
		Address:    instanceID + ":8080",
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r
}

func TestRegistryRegistersInstance(t *testing.T) {
	mr := miniredis.RunT(t)
	newTestRegistry(t, mr, "inst-1")

	members, err := mr.Members(instancesSetKey)
	require.NoError(t, err)
	assert.Contains(t, members, "inst-1")

	assert.Equal(t, "inst-1:8080", mr.HGet(instanceKeyPrefix+"inst-1", "address"))
	assert.NotEmpty(t, mr.HGet(instanceKeyPrefix+"inst-1", "last_seen"))
	assert.NotEmpty(t, mr.HGet(instanceKeyPrefix+"inst-1", "registered_at"))

	ttl := mr.TTL(instanceKeyPrefix + "inst-1")
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, instanceTTL)
}

func TestRegistryBindsChannelOnFirstConnect(t *testing.T) {
	mr := miniredis.RunT(t)
	r := newTestRegistry(t, mr, "inst-1")

	info := source.ConnectionInfo{ChannelID: "ch-1", ConnectionID: "c1", InstanceID: "inst-1"}
	r.OnConnect(info)

	require.Eventually(t, func() bool {
		v, err := mr.Get(channelKey("ch-1"))
		return err == nil && v == "inst-1"
	}, 2*time.Second, 10*time.Millisecond)

	ttl := mr.TTL(channelKey("ch-1"))
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, DefaultChannelTTL)
}

func TestRegistryReleasesBindingOnLastDisconnect(t *testing.T) {
	mr := miniredis.RunT(t)
	r := newTestRegistry(t, mr, "inst-1")

	first := source.ConnectionInfo{ChannelID: "ch-1", ConnectionID: "c1", InstanceID: "inst-1"}
	second := source.ConnectionInfo{ChannelID: "ch-1", ConnectionID: "c2", InstanceID: "inst-1"}
	r.OnConnect(first)
	r.OnConnect(second)

	require.Eventually(t, func() bool {
		_, err := mr.Get(channelKey("ch-1"))
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	// One subscriber remains: the binding survives.
	r.OnDisconnect(first)
	time.Sleep(50 * time.Millisecond)
	v, err := mr.Get(channelKey("ch-1"))
	require.NoError(t, err)
	assert.Equal(t, "inst-1", v)

	r.OnDisconnect(second)
	require.Eventually(t, func() bool {
		return !mr.Exists(channelKey("ch-1"))
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRegistryDoesNotStealForeignBinding(t *testing.T) {
	mr := miniredis.RunT(t)
	r := newTestRegistry(t, mr, "inst-1")

	info := source.ConnectionInfo{ChannelID: "ch-1", ConnectionID: "c1", InstanceID: "inst-1"}
	r.OnConnect(info)
	require.Eventually(t, func() bool {
		v, err := mr.Get(channelKey("ch-1"))
		return err == nil && v == "inst-1"
	}, 2*time.Second, 10*time.Millisecond)

	// The channel moved to another instance while our disconnect was in
	// flight; the compare-and-delete must leave it alone.
	require.NoError(t, mr.Set(channelKey("ch-1"), "inst-2"))
	r.OnDisconnect(info)

	time.Sleep(50 * time.Millisecond)
	v, err := mr.Get(channelKey("ch-1"))
	require.NoError(t, err)
	assert.Equal(t, "inst-2", v)
}

func TestRegistryStatus(t *testing.T) {
	mr := miniredis.RunT(t)
	r := newTestRegistry(t, mr, "inst-1")

	status := r.Status(context.Background(), "ch-unknown")
	assert.False(t, status.Online)
	assert.Empty(t, status.InstanceID)

	r.OnConnect(source.ConnectionInfo{ChannelID: "ch-1", ConnectionID: "c1", InstanceID: "inst-1"})
	require.Eventually(t, func() bool {
		return r.Status(context.Background(), "ch-1").Online
	}, 2*time.Second, 10*time.Millisecond)

	status = r.Status(context.Background(), "ch-1")
	assert.Equal(t, "inst-1", status.InstanceID)
	assert.Equal(t, "inst-1:8080", status.InstanceAddress)
}

func TestRegistryInstancesPrunesExpired(t *testing.T) {
	mr := miniredis.RunT(t)
	r := newTestRegistry(t, mr, "inst-1")

	// A stale set member whose hash already expired.
	_, err := mr.SetAdd(instancesSetKey, "inst-dead")
	require.NoError(t, err)

	live, err := r.Instances(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"inst-1"}, live)

	members, err := mr.Members(instancesSetKey)
	require.NoError(t, err)
	assert.NotContains(t, members, "inst-dead")
}

func TestRegistryCloseDeregisters(t *testing.T) {
	mr := miniredis.RunT(t)
	r, err := NewRegistry(context.Background(), Config{
		RedisURL:   "redis://" + mr.Addr(),
		InstanceID: "inst-1",
		Address:    "inst-1:8080",
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)

	r.OnConnect(source.ConnectionInfo{ChannelID: "ch-1", ConnectionID: "c1", InstanceID: "inst-1"})
	require.Eventually(t, func() bool {
		return mr.Exists(channelKey("ch-1"))
	}, 2*time.Second, 10*time.Millisecond)

	r.Close()

	assert.False(t, mr.Exists(instanceKeyPrefix+"inst-1"))
	assert.False(t, mr.Exists(channelKey("ch-1")))
	members, err := mr.Members(instancesSetKey)
	require.NoError(t, err)
	assert.NotContains(t, members, "inst-1")
}
