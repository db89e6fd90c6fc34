package fleet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"train-orchestrator/core/jobspec"
	"train-orchestrator/core/lease"
	"train-orchestrator/core/models"
	"train-orchestrator/storage"
)

// fakeMarketplace scripts per-offer behavior for the retry loop.
type fakeMarketplace struct {
	mu        sync.Mutex
	offers    []models.Offer
	created   []string
	destroyed []string
	nextID    int

	// failCreate / failReady / failEndpoint map offer/instance ids to
	// scripted errors.
	failCreate map[string]error
	failReady  map[string]error

	searchCalls int
}

func newFakeMarketplace(n int) *fakeMarketplace {
	m := &fakeMarketplace{
		failCreate: map[string]error{},
		failReady:  map[string]error{},
	}
	for i := 1; i <= n; i++ {
		m.offers = append(m.offers, models.Offer{
			ID:           fmt.Sprintf("offer-%d", i),
			InstanceType: "g4dn.xlarge",
			GPUType:      "T4",
			PricePerHour: 0.3 + float64(i)*0.01,
		})
	}
	return m
}

func (m *fakeMarketplace) SearchOffers(context.Context, models.OfferRequest) ([]models.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.searchCalls++
	return append([]models.Offer(nil), m.offers...), nil
}

func (m *fakeMarketplace) CreateInstance(_ context.Context, offer models.Offer, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failCreate[offer.ID]; err != nil {
		return "", err
	}
	m.nextID++
	id := fmt.Sprintf("inst-%s-%d", offer.ID, m.nextID)
	m.created = append(m.created, id)
	return id, nil
}

func (m *fakeMarketplace) DestroyInstance(_ context.Context, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.destroyed = append(m.destroyed, instanceID)
	return nil
}

func (m *fakeMarketplace) WaitReady(_ context.Context, instanceID string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failReady[offerOf(instanceID)]; err != nil {
		return err
	}
	return nil
}

func (m *fakeMarketplace) Endpoint(context.Context, string) (models.Endpoint, error) {
	return models.Endpoint{Host: "10.0.0.1", Port: 22, User: "ubuntu"}, nil
}

// offerOf recovers the offer id from a fake instance id of the form
// inst-<offerID>-<n>.
func offerOf(instanceID string) string {
	trimmed := strings.TrimPrefix(instanceID, "inst-")
	if i := strings.LastIndex(trimmed, "-"); i >= 0 {
		return trimmed[:i]
	}
	return trimmed
}

type fakeExecutor struct {
	mu      sync.Mutex
	run     func(spec models.JobSpec) (models.Metrics, error)
	started []string
}

func (e *fakeExecutor) Run(_ context.Context, spec models.JobSpec, _ models.Endpoint) (models.Metrics, error) {
	e.mu.Lock()
	e.started = append(e.started, spec.JobID)
	e.mu.Unlock()
	if e.run != nil {
		return e.run(spec)
	}
	return models.Metrics{"hit_rate": 0.6}, nil
}

type fakeBuilder struct {
	store *storage.MemoryStore
	calls int
	fail  error
}

func (b *fakeBuilder) Build(ctx context.Context, symbol, date, featureset string) error {
	b.calls++
	if b.fail != nil {
		return b.fail
	}
	base := fmt.Sprintf("features/%s/%s/%s", featureset, symbol, date)
	if err := b.store.Put(ctx, base+".parquet", []byte("features")); err != nil {
		return err
	}
	return b.store.Put(ctx, base+".meta.json", []byte("{}"))
}

func testJobSpec() models.JobSpec {
	return jobspec.NewGenerator().Generate("BTCUSDT", "2026-03-01", nil)
}

func seedInputs(t *testing.T, store *storage.MemoryStore, spec models.JobSpec) {
	t.Helper()
	require.NoError(t, store.Put(context.Background(), spec.Dataset.FeaturePath, []byte("features")))
	require.NoError(t, store.Put(context.Background(), spec.Dataset.MetaPath, []byte("{}")))
}

func newOrchestrator(store *storage.MemoryStore, market Marketplace, exec Executor) *Orchestrator {
	return &Orchestrator{
		Market:             market,
		Exec:               exec,
		Store:              store,
		Leases:             lease.NewManager(store, time.Hour),
		MaxRetries:         5,
		MaxSSHFailedOffers: 3,
	}
}

func TestRunJobSuccessFirstOffer(t *testing.T) {
	store := storage.NewMemoryStore()
	market := newFakeMarketplace(3)
	spec := testJobSpec()
	seedInputs(t, store, spec)
	o := newOrchestrator(store, market, &fakeExecutor{})

	metrics, stats, err := o.RunJob(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, 0.6, metrics["hit_rate"])
	assert.Equal(t, 1, stats.Attempts)
	assert.Equal(t, 0, stats.SSHFailedOffers)

	// The one instance was destroyed and its lease deleted.
	require.Len(t, market.created, 1)
	assert.Equal(t, market.created, market.destroyed)
	leases, err := store.List(context.Background(), "ml-leases/")
	require.NoError(t, err)
	assert.Empty(t, leases)
}

func TestRunJobSSHHardOffersThenSuccess(t *testing.T) {
	store := storage.NewMemoryStore()
	market := newFakeMarketplace(3)
	market.failReady["offer-1"] = models.SSHHard(errors.New("kex exchange failed"))
	market.failReady["offer-2"] = models.SSHHard(errors.New("ssh never came up"))
	spec := testJobSpec()
	seedInputs(t, store, spec)
	o := newOrchestrator(store, market, &fakeExecutor{})

	_, stats, err := o.RunJob(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Attempts)
	assert.Equal(t, 2, stats.SSHFailedOffers)

	// Instances for offers 1-2 were destroyed before offer 3 ran; all
	// three instances end up destroyed.
	require.Len(t, market.created, 3)
	assert.ElementsMatch(t, market.created, market.destroyed)
	assert.Equal(t, market.created[0], market.destroyed[0])
	assert.Equal(t, market.created[1], market.destroyed[1])
}

func TestRunJobSSHBudgetExhaustedWithOffersRemaining(t *testing.T) {
	store := storage.NewMemoryStore()
	market := newFakeMarketplace(10)
	for i := 1; i <= 10; i++ {
		market.failReady[fmt.Sprintf("offer-%d", i)] = models.SSHHard(errors.New("ssh never came up"))
	}
	spec := testJobSpec()
	seedInputs(t, store, spec)
	o := newOrchestrator(store, market, &fakeExecutor{})
	o.MaxSSHFailedOffers = 2

	_, stats, err := o.RunJob(context.Background(), spec)
	var exhausted *models.OfferExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 2, exhausted.SSHFailedOffers)
	assert.Equal(t, 2, stats.SSHFailedOffers)
	assert.ElementsMatch(t, market.created, market.destroyed)
}

func TestRunJobRetryableExhaustsAttempts(t *testing.T) {
	store := storage.NewMemoryStore()
	market := newFakeMarketplace(10)
	for i := 1; i <= 10; i++ {
		market.failReady[fmt.Sprintf("offer-%d", i)] = models.Retryable(errors.New("connection refused"))
	}
	spec := testJobSpec()
	seedInputs(t, store, spec)
	o := newOrchestrator(store, market, &fakeExecutor{})
	o.MaxRetries = 3

	_, stats, err := o.RunJob(context.Background(), spec)
	var exhausted *models.OfferExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Equal(t, 3, stats.Attempts)
	assert.ElementsMatch(t, market.created, market.destroyed)
}

func TestRunJobFatalAbortsImmediately(t *testing.T) {
	store := storage.NewMemoryStore()
	market := newFakeMarketplace(5)
	spec := testJobSpec()
	seedInputs(t, store, spec)
	exec := &fakeExecutor{run: func(models.JobSpec) (models.Metrics, error) {
		return nil, models.Fatal(errors.New("training crashed: label leakage"))
	}}
	o := newOrchestrator(store, market, exec)

	_, stats, err := o.RunJob(context.Background(), spec)
	require.Error(t, err)
	assert.Equal(t, models.FailureFatal, models.KindOf(err))
	assert.Equal(t, 1, stats.Attempts, "fatal failures must not retry")
	assert.ElementsMatch(t, market.created, market.destroyed)
}

func TestRunJobUnclassifiedExecErrorIsFatal(t *testing.T) {
	store := storage.NewMemoryStore()
	market := newFakeMarketplace(5)
	spec := testJobSpec()
	seedInputs(t, store, spec)
	exec := &fakeExecutor{run: func(models.JobSpec) (models.Metrics, error) {
		return nil, errors.New("some untagged error")
	}}
	o := newOrchestrator(store, market, exec)

	_, stats, err := o.RunJob(context.Background(), spec)
	require.Error(t, err)
	assert.Equal(t, 1, stats.Attempts)
}

func TestRunJobSkipsBlacklistedOffersWithoutConsumingAttempts(t *testing.T) {
	store := storage.NewMemoryStore()
	market := newFakeMarketplace(2)
	market.failReady["offer-1"] = models.SSHHard(errors.New("ssh never came up"))
	market.failReady["offer-2"] = models.Retryable(errors.New("api hiccup"))
	spec := testJobSpec()
	seedInputs(t, store, spec)
	o := newOrchestrator(store, market, &fakeExecutor{})
	o.MaxRetries = 4
	o.MaxSSHFailedOffers = 5

	_, stats, err := o.RunJob(context.Background(), spec)
	var exhausted *models.OfferExhaustedError
	require.ErrorAs(t, err, &exhausted)
	// offer-1 is blacklisted after its first try; later search rounds
	// only retry offer-2 until the attempt budget runs out.
	assert.Equal(t, 4, stats.Attempts)
	assert.Equal(t, 1, stats.SSHFailedOffers)
	assert.GreaterOrEqual(t, market.searchCalls, 2)
}

func TestRunJobAllOffersBlacklisted(t *testing.T) {
	store := storage.NewMemoryStore()
	market := newFakeMarketplace(2)
	market.failReady["offer-1"] = models.SSHHard(errors.New("ssh never came up"))
	market.failReady["offer-2"] = models.SSHHard(errors.New("ssh never came up"))
	spec := testJobSpec()
	seedInputs(t, store, spec)
	o := newOrchestrator(store, market, &fakeExecutor{})
	o.MaxRetries = 10
	o.MaxSSHFailedOffers = 10

	_, stats, err := o.RunJob(context.Background(), spec)
	var exhausted *models.OfferExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 2, stats.Attempts)
	assert.Equal(t, 2, stats.SSHFailedOffers)
}

func TestPreflightMissingInputsFailsWithoutCompute(t *testing.T) {
	store := storage.NewMemoryStore()
	market := newFakeMarketplace(3)
	spec := testJobSpec()
	o := newOrchestrator(store, market, &fakeExecutor{})

	_, _, err := o.RunJob(context.Background(), spec)
	var missing *models.InputsMissingError
	require.ErrorAs(t, err, &missing)
	assert.Len(t, missing.Missing, 2)
	assert.Empty(t, market.created, "preflight failure must not touch compute")
}

func TestPreflightBuildsMissingInputs(t *testing.T) {
	store := storage.NewMemoryStore()
	market := newFakeMarketplace(3)
	spec := testJobSpec()
	builder := &fakeBuilder{store: store}
	o := newOrchestrator(store, market, &fakeExecutor{})
	o.Features = builder
	o.EnsureFeatures = true

	_, _, err := o.RunJob(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, 1, builder.calls)
}

func TestPreflightBuildFailureDoesNotTouchCompute(t *testing.T) {
	store := storage.NewMemoryStore()
	market := newFakeMarketplace(3)
	spec := testJobSpec()
	builder := &fakeBuilder{store: store, fail: errors.New("pipeline broken")}
	o := newOrchestrator(store, market, &fakeExecutor{})
	o.Features = builder
	o.EnsureFeatures = true

	_, _, err := o.RunJob(context.Background(), spec)
	require.Error(t, err)
	assert.Empty(t, market.created)
}

func TestHeartbeatRunsDuringAttemptAndStopsAfter(t *testing.T) {
	store := storage.NewMemoryStore()
	market := newFakeMarketplace(1)
	spec := testJobSpec()
	seedInputs(t, store, spec)

	sawLease := false
	exec := &fakeExecutor{run: func(models.JobSpec) (models.Metrics, error) {
		keys, _ := store.List(context.Background(), "ml-leases/")
		sawLease = len(keys) == 1
		return models.Metrics{"hit_rate": 0.6}, nil
	}}
	o := newOrchestrator(store, market, exec)
	o.Leases = lease.NewManager(store, 10*time.Millisecond)

	_, _, err := o.RunJob(context.Background(), spec)
	require.NoError(t, err)
	assert.True(t, sawLease, "lease must exist while the job runs")

	keys, err := store.List(context.Background(), "ml-leases/")
	require.NoError(t, err)
	assert.Empty(t, keys, "lease must be deleted during teardown")
}

func TestRunJobContextCancelled(t *testing.T) {
	store := storage.NewMemoryStore()
	market := newFakeMarketplace(3)
	spec := testJobSpec()
	seedInputs(t, store, spec)

	ctx, cancel := context.WithCancel(context.Background())
	exec := &fakeExecutor{run: func(models.JobSpec) (models.Metrics, error) {
		cancel()
		return nil, models.Retryable(ctx.Err())
	}}
	o := newOrchestrator(store, market, exec)

	_, _, err := o.RunJob(ctx, spec)
	require.ErrorIs(t, err, context.Canceled)
	// Teardown still happened despite cancellation.
	assert.ElementsMatch(t, market.created, market.destroyed)
}

func TestCreateInstanceRetryableFailure(t *testing.T) {
	store := storage.NewMemoryStore()
	market := newFakeMarketplace(2)
	market.failCreate["offer-1"] = models.Retryable(errors.New("InsufficientInstanceCapacity"))
	spec := testJobSpec()
	seedInputs(t, store, spec)
	o := newOrchestrator(store, market, &fakeExecutor{})

	_, stats, err := o.RunJob(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Attempts)
	require.Len(t, market.created, 1, "no instance exists for a failed create")
}
