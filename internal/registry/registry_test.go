package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/markus-barta/nmosmocks/internal/journal"
	"github.com/markus-barta/nmosmocks/internal/metrics"
	"github.com/markus-barta/nmosmocks/internal/resource"
	"github.com/markus-barta/nmosmocks/internal/version"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	ownerA = "client-a"
	ownerB = "client-b"
)

func newTestPool(t *testing.T, size int) *Pool {
	t.Helper()
	db, err := journal.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	m := metrics.New()
	common := NewCommon(zerolog.Nop(), StreamConfig{
		Host:         "127.0.0.1",
		BindAddr:     "127.0.0.1",
		CloseTimeout: 200 * time.Millisecond,
	}, m)
	p := NewPool(zerolog.Nop(), common, journal.New(zerolog.Nop(), db), m, PoolOptions{Size: size, PortBase: 5000, PagingLimit: 10})
	t.Cleanup(p.Close)
	return p
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := newTestPool(t, 2).Registry(1)
	r.Enable(false)
	return r
}

func doc(id, v string) map[string]any {
	return map[string]any{"id": id, "version": v, "label": "res " + id}
}

func TestRegistry_CreateThenUpdate(t *testing.T) {
	r := newTestRegistry(t)

	created, err := r.Add(ownerA, version.V1_3, resource.Node, doc("A", "10:0"))
	require.NoError(t, err)
	assert.True(t, created)

	created, err = r.Add(ownerA, version.V1_3, resource.Node, doc("A", "20:0"))
	require.NoError(t, err)
	assert.False(t, created)

	got, err := r.Query().GetOne(resource.Node, "A", version.V1_3)
	require.NoError(t, err)
	assert.Equal(t, "20:0", got["version"])
	assert.Len(t, r.Resources(resource.Node), 1)
}

func TestRegistry_ResourcesAreCopies(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Add(ownerA, version.V1_3, resource.Node, doc("A", "10:0"))
	require.NoError(t, err)

	r.Resources(resource.Node)["A"]["version"] = "99:0"
	delete(r.Resources(resource.Node)["A"], "id")

	got, err := r.Query().GetOne(resource.Node, "A", version.V1_3)
	require.NoError(t, err)
	assert.Equal(t, "10:0", got["version"])
	assert.Equal(t, "A", got["id"])
}

func TestRegistry_OwnershipConflict(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Add(ownerA, version.V1_3, resource.Device, doc("D", "1:0"))
	require.NoError(t, err)

	_, err = r.Add(ownerB, version.V1_3, resource.Device, doc("D", "2:0"))
	assert.ErrorIs(t, err, ErrOwnershipConflict)

	err = r.Delete(ownerB, version.V1_3, resource.Device, "D")
	assert.ErrorIs(t, err, ErrOwnershipConflict)

	got, err := r.Query().GetOne(resource.Device, "D", version.V1_3)
	require.NoError(t, err)
	assert.Equal(t, "1:0", got["version"], "rejected update must not mutate state")
}

func TestRegistry_DeleteUnknown(t *testing.T) {
	r := newTestRegistry(t)
	err := r.Delete(ownerA, version.V1_3, resource.Sender, "xyz")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.True(t, r.WaitForDelete(0))
}

func TestRegistry_DeleteRemoves(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Add(ownerA, version.V1_3, resource.Flow, doc("F", "1:0"))
	require.NoError(t, err)

	require.NoError(t, r.Delete(ownerA, version.V1_3, resource.Flow, "F"))
	_, err = r.Query().GetOne(resource.Flow, "F", version.V1_3)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_RejectsMalformedResource(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Add(ownerA, version.V1_3, resource.Node, map[string]any{"version": "1:0"})
	assert.ErrorIs(t, err, ErrBadRequest)

	_, err = r.Add(ownerA, version.V1_3, resource.Node, doc("A", "not-a-version"))
	assert.ErrorIs(t, err, ErrBadRequest)
	assert.Empty(t, r.Resources(resource.Node))
}

func TestRegistry_Heartbeat(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Heartbeat(ownerA, version.V1_3, "N")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = r.Add(ownerA, version.V1_3, resource.Node, doc("N", "1:0"))
	require.NoError(t, err)

	at, err := r.Heartbeat(ownerA, version.V1_3, "N")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), at, time.Second)
	assert.Equal(t, at, r.LastHeartbeat())

	_, err = r.Heartbeat(ownerB, version.V1_3, "N")
	assert.ErrorIs(t, err, ErrOwnershipConflict)
}

func TestRegistry_ConcurrentHeartbeatsForUnknownNode(t *testing.T) {
	r := newTestRegistry(t)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = r.Heartbeat(ownerA, version.V1_3, "ghost")
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.ErrorIs(t, err, ErrNotFound)
	}
	assert.Empty(t, r.Resources(resource.Node))
	data, err := r.Data()
	require.NoError(t, err)
	assert.Empty(t, data.Heartbeats)
}

func TestRegistry_ConcurrentUpdatesKeepLastVersion(t *testing.T) {
	r := newTestRegistry(t)

	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := r.Add(ownerA, version.V1_3, resource.Source, doc("S", fmt.Sprintf("%d:0", i)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	data, err := r.Data()
	require.NoError(t, err)
	require.Len(t, data.Posts, 50)
	assert.Len(t, r.Resources(resource.Source), 1)
}

func TestRegistry_DisabledIsUnavailable(t *testing.T) {
	r := newTestRegistry(t)
	r.Disable()

	_, err := r.Add(ownerA, version.V1_3, resource.Node, doc("A", "1:0"))
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = r.Query().List(resource.Node, ListParams{}, version.V1_3)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.False(t, r.HasRegistrations())
}

func TestRegistry_FirstRegMode(t *testing.T) {
	r := newTestRegistry(t)
	r.Enable(true)

	created, err := r.Add(ownerA, version.V1_3, resource.Node, doc("N", "1:0"))
	require.NoError(t, err)
	assert.False(t, created, "first-registration mode answers every POST as an update")

	require.NoError(t, r.Delete(ownerA, version.V1_3, resource.Device, "missing"))

	require.NoError(t, r.Delete(ownerA, version.V1_3, resource.Node, "N"))
	created, err = r.Add(ownerA, version.V1_3, resource.Node, doc("N", "2:0"))
	require.NoError(t, err)
	assert.True(t, created, "a node DELETE ends first-registration mode")
}

func TestRegistry_LifecycleSignals(t *testing.T) {
	r := newTestRegistry(t)
	assert.False(t, r.WaitForRegistration(10*time.Millisecond))

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = r.Add(ownerA, version.V1_2, resource.Node, doc("N", "1:0"))
	}()
	assert.True(t, r.WaitForRegistration(2*time.Second))
	assert.True(t, r.HasRegistrations())

	_, err := r.Query().List(resource.Node, ListParams{}, version.V1_2)
	require.NoError(t, err)
	assert.True(t, r.QueryAPICalled())

	data, err := r.Data()
	require.NoError(t, err)
	require.Len(t, data.Posts, 1)
	assert.Equal(t, "v1.2", data.Posts[0].APIVersion)
	assert.Equal(t, ownerA, data.Posts[0].Owner)

	r.Reset()
	assert.False(t, r.Enabled())
	assert.False(t, r.HasRegistrations())
	assert.False(t, r.QueryAPICalled())
	data, err = r.Data()
	require.NoError(t, err)
	assert.Empty(t, data.Posts)

	r.Enable(false)
	assert.Empty(t, r.Resources(resource.Node))
}

func TestPool_SharesState(t *testing.T) {
	p := newTestPool(t, 3)
	assert.Equal(t, 3, p.Len())
	assert.Equal(t, 5101, p.Registry(0).Port())
	assert.Equal(t, 5103, p.Registry(2).Port())
	assert.Nil(t, p.Registry(3))

	primary, failover := p.Registry(1), p.Registry(2)
	primary.Enable(false)
	failover.Enable(false)

	_, err := primary.Add(ownerA, version.V1_3, resource.Node, doc("N", "1:0"))
	require.NoError(t, err)
	assert.True(t, failover.Registered(resource.Node, "N"))

	// Traffic is journalled per instance.
	data, err := failover.Data()
	require.NoError(t, err)
	assert.Empty(t, data.Posts)
}

func TestEvent(t *testing.T) {
	e := NewEvent()
	assert.False(t, e.IsSet())
	assert.False(t, e.Wait(time.Millisecond))

	e.Set()
	e.Set()
	assert.True(t, e.IsSet())
	assert.True(t, e.Wait(0))

	e.Clear()
	assert.False(t, e.IsSet())
}
