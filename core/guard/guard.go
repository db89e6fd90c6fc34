package guard

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"train-orchestrator/core/lease"
)

// Destroyer is the slice of the marketplace the guard needs: the power
// to kill an instance.
type Destroyer interface {
	DestroyInstance(ctx context.Context, instanceID string) error
}

// Guard is the process-wide emergency-cleanup hook. It holds the single
// shared reference to the instance the active attempt currently owns;
// on SIGINT, SIGTERM or a reported fatal error it runs one idempotent
// cleanup (heartbeat stop, lease delete, instance destroy) before the
// process exits, so paid compute never outlives the process.
type Guard struct {
	market Destroyer
	leases *lease.Manager

	mu         sync.Mutex
	instanceID string
}

// New creates a guard over the given marketplace and lease manager.
func New(market Destroyer, leases *lease.Manager) *Guard {
	return &Guard{market: market, leases: leases}
}

// Track records the instance the active attempt owns. At most one
// instance is ever tracked; jobs run sequentially.
func (g *Guard) Track(instanceID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.instanceID = instanceID
}

// Clear drops the tracked instance after a normal teardown.
func (g *Guard) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.instanceID = ""
}

// Cleanup destroys the tracked instance and its lease. Idempotent: the
// shared reference is cleared under the lock before any work happens,
// so two racing signals cannot both act on the same instance. Returns
// whether there was anything to clean.
func (g *Guard) Cleanup() bool {
	g.mu.Lock()
	instanceID := g.instanceID
	g.instanceID = ""
	g.mu.Unlock()

	if instanceID == "" {
		return false
	}

	log.Printf("Emergency cleanup of instance %s", instanceID)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	g.leases.Stop()
	g.leases.Delete(ctx, instanceID)
	if err := g.market.DestroyInstance(ctx, instanceID); err != nil {
		log.Printf("Emergency destroy of %s failed, reaper will collect it: %v", instanceID, err)
	}
	return true
}

// HandleSignals installs the interrupt handlers. On the first signal it
// cancels the run context so blocking waits unwind, runs the emergency
// cleanup, and exits with the signal-appropriate status (130 for
// SIGINT, 143 for SIGTERM).
func (g *Guard) HandleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigs
		log.Printf("Received %v, cleaning up", sig)
		cancel()
		g.Cleanup()
		os.Exit(ExitCode(sig))
	}()
}

// Fatal runs the emergency cleanup for an unrecoverable error and exits
// non-zero. Used from the top of main as the last line of defense.
func (g *Guard) Fatal(err error) {
	log.Printf("Fatal: %v", err)
	g.Cleanup()
	os.Exit(1)
}

// ExitCode maps a termination signal to the conventional exit status.
func ExitCode(sig os.Signal) int {
	switch sig {
	case syscall.SIGINT:
		return 130
	case syscall.SIGTERM:
		return 143
	default:
		return 1
	}
}
