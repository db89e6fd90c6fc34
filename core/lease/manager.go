package lease

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"train-orchestrator/core/models"
	"train-orchestrator/storage"
)

const keyPrefix = "ml-leases/"

// Key returns the object-store key for an instance lease.
func Key(instanceID string) string {
	return keyPrefix + instanceID + ".json"
}

// Manager maintains the lease record for the one instance the active
// attempt owns. The record's existence is the crash-recovery signal: an
// external reaper kills instances whose lease heartbeat has gone stale.
// Heartbeat write failures only degrade reaper responsiveness, so they
// are logged and swallowed, never surfaced into the retry loop.
type Manager struct {
	store    storage.ObjectStore
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a lease manager writing through store on the given
// heartbeat interval.
func NewManager(store storage.ObjectStore, interval time.Duration) *Manager {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Manager{store: store, interval: interval}
}

// Start writes the initial lease record and begins the heartbeat. Any
// previously running heartbeat is stopped first; the manager tracks at
// most one instance at a time.
func (m *Manager) Start(ctx context.Context, instanceID, symbol, jobID string) error {
	m.Stop()

	now := time.Now().UTC()
	rec := models.Lease{
		InstanceID:      instanceID,
		Symbol:          symbol,
		JobID:           jobID,
		CreatedAt:       now,
		LastHeartbeatAt: now,
	}
	if err := m.write(ctx, rec); err != nil {
		return fmt.Errorf("failed to write initial lease for %s: %w", instanceID, err)
	}

	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	m.mu.Lock()
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()

	go m.heartbeat(hbCtx, rec, done)
	return nil
}

// Stop cancels the heartbeat and waits for it to exit. Safe to call
// multiple times and with no heartbeat running.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Delete removes the lease record. Best effort: a failed delete is the
// reaper's problem, not the teardown path's.
func (m *Manager) Delete(ctx context.Context, instanceID string) {
	if err := m.store.Delete(ctx, Key(instanceID)); err != nil {
		log.Printf("Failed to delete lease for %s: %v", instanceID, err)
	}
}

func (m *Manager) heartbeat(ctx context.Context, rec models.Lease, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rec.LastHeartbeatAt = time.Now().UTC()
			if err := m.write(ctx, rec); err != nil {
				log.Printf("Lease heartbeat for %s failed: %v", rec.InstanceID, err)
			}
		}
	}
}

func (m *Manager) write(ctx context.Context, rec models.Lease) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return m.store.Put(ctx, Key(rec.InstanceID), data)
}
