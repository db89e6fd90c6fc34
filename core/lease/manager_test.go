package lease

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"train-orchestrator/core/models"
	"train-orchestrator/storage"
)

func readLease(t *testing.T, store *storage.MemoryStore, instanceID string) models.Lease {
	t.Helper()
	data, err := store.Get(context.Background(), Key(instanceID))
	require.NoError(t, err)
	var rec models.Lease
	require.NoError(t, json.Unmarshal(data, &rec))
	return rec
}

func TestStartWritesInitialLease(t *testing.T) {
	store := storage.NewMemoryStore()
	m := NewManager(store, time.Hour)
	defer m.Stop()

	require.NoError(t, m.Start(context.Background(), "inst-1", "BTCUSDT", "job-1"))

	rec := readLease(t, store, "inst-1")
	assert.Equal(t, "inst-1", rec.InstanceID)
	assert.Equal(t, "BTCUSDT", rec.Symbol)
	assert.Equal(t, "job-1", rec.JobID)
	assert.Equal(t, rec.CreatedAt, rec.LastHeartbeatAt)
}

func TestHeartbeatAdvances(t *testing.T) {
	store := storage.NewMemoryStore()
	m := NewManager(store, 10*time.Millisecond)
	defer m.Stop()

	require.NoError(t, m.Start(context.Background(), "inst-1", "BTCUSDT", "job-1"))
	initial := readLease(t, store, "inst-1")

	assert.Eventually(t, func() bool {
		return readLease(t, store, "inst-1").LastHeartbeatAt.After(initial.LastHeartbeatAt)
	}, time.Second, 5*time.Millisecond)
}

func TestStopHaltsHeartbeat(t *testing.T) {
	store := storage.NewMemoryStore()
	m := NewManager(store, 10*time.Millisecond)

	require.NoError(t, m.Start(context.Background(), "inst-1", "BTCUSDT", "job-1"))
	m.Stop()

	after := readLease(t, store, "inst-1")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after.LastHeartbeatAt, readLease(t, store, "inst-1").LastHeartbeatAt)
}

func TestStopIdempotent(t *testing.T) {
	store := storage.NewMemoryStore()
	m := NewManager(store, 10*time.Millisecond)

	require.NoError(t, m.Start(context.Background(), "inst-1", "BTCUSDT", "job-1"))
	m.Stop()
	m.Stop()
}

func TestHeartbeatFailureSwallowed(t *testing.T) {
	store := storage.NewMemoryStore()
	m := NewManager(store, 10*time.Millisecond)
	defer m.Stop()

	require.NoError(t, m.Start(context.Background(), "inst-1", "BTCUSDT", "job-1"))
	store.SetFailPuts(func(string) error { return errors.New("storage down") })

	// The heartbeat keeps running despite failed writes.
	time.Sleep(50 * time.Millisecond)
	store.SetFailPuts(nil)
	initial := readLease(t, store, "inst-1")
	assert.Eventually(t, func() bool {
		return readLease(t, store, "inst-1").LastHeartbeatAt.After(initial.LastHeartbeatAt)
	}, time.Second, 5*time.Millisecond)
}

func TestInitialWriteFailureSurfaces(t *testing.T) {
	store := storage.NewMemoryStore()
	store.SetFailPuts(func(string) error { return errors.New("storage down") })
	m := NewManager(store, time.Hour)

	err := m.Start(context.Background(), "inst-1", "BTCUSDT", "job-1")
	assert.Error(t, err)
}

func TestDeleteRemovesRecord(t *testing.T) {
	store := storage.NewMemoryStore()
	m := NewManager(store, time.Hour)
	defer m.Stop()

	require.NoError(t, m.Start(context.Background(), "inst-1", "BTCUSDT", "job-1"))
	m.Delete(context.Background(), "inst-1")

	ok, err := store.Exists(context.Background(), Key("inst-1"))
	require.NoError(t, err)
	assert.False(t, ok)
}
