package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gpurental/backend/services/settlement-service/internal/audit"
	"gpurental/backend/services/settlement-service/internal/clients"
	"gpurental/backend/services/settlement-service/internal/models"
	"gpurental/backend/services/settlement-service/internal/orchestrator"
	"gpurental/backend/services/settlement-service/internal/repository/memory"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingAuditor struct {
	mu     sync.Mutex
	events []audit.Event
}

func (a *recordingAuditor) LogEvent(_ context.Context, e audit.Event) {
	a.mu.Lock()
	a.events = append(a.events, e)
	a.mu.Unlock()
}

func (a *recordingAuditor) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.events))
	for _, e := range a.events {
		out = append(out, e.Action)
	}
	return out
}

type fakeOrchestrator struct {
	mu sync.Mutex

	launchErr error
	stopErr   error
	wipeErr   error
	metrics   orchestrator.Metrics

	launched []orchestrator.LaunchConfig
	monitors int
	stopped  []orchestrator.Handle
	wiped    []orchestrator.GPURef
}

func newFakeOrchestrator() *fakeOrchestrator {
	return &fakeOrchestrator{metrics: orchestrator.Metrics{Status: orchestrator.StatusRunning}}
}

func (f *fakeOrchestrator) Launch(_ context.Context, cfg orchestrator.LaunchConfig) (*orchestrator.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.launchErr != nil {
		return nil, f.launchErr
	}
	f.launched = append(f.launched, cfg)
	return &orchestrator.Handle{ContainerID: "ctr-" + cfg.JobID, JobID: cfg.JobID, GPUID: cfg.GPU.ID}, nil
}

func (f *fakeOrchestrator) Monitor(context.Context, orchestrator.Handle) orchestrator.Metrics {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.monitors++
	return f.metrics
}

func (f *fakeOrchestrator) Stop(_ context.Context, h orchestrator.Handle, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopErr != nil {
		return f.stopErr
	}
	f.stopped = append(f.stopped, h)
	return nil
}

func (f *fakeOrchestrator) WipeGPU(_ context.Context, gpu orchestrator.GPURef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wiped = append(f.wiped, gpu)
	return f.wipeErr
}

type fakePayout struct {
	mu       sync.Mutex
	requests []clients.PayoutRequest
	err      error
}

func (p *fakePayout) TriggerPayout(_ context.Context, req clients.PayoutRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	return p.err
}

type harness struct {
	store   *memory.Store
	clock   *testClock
	audit   *recordingAuditor
	orch    *fakeOrchestrator
	payout  *fakePayout
	wallet  *WalletService
	billing *BillingService
	fleet   *FleetService
	jobs    *JobService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:  memory.New(),
		clock:  newTestClock(),
		audit:  &recordingAuditor{},
		orch:   newFakeOrchestrator(),
		payout: &fakePayout{},
	}
	logger := zap.NewNop()
	h.wallet = NewWalletService(h.store, h.audit, logger)
	h.wallet.now = h.clock.Now
	h.billing = NewBillingService(h.store, h.wallet, BillingConfig{}, h.audit, logger)
	h.billing.now = h.clock.Now
	h.fleet = NewFleetService(h.store, h.orch, h.audit, logger)
	h.fleet.now = h.clock.Now
	h.jobs = NewJobService(h.store, h.billing, h.orch, h.payout, JobsConfig{}, h.audit, logger)
	h.jobs.now = h.clock.Now
	return h
}

func (h *harness) fund(t *testing.T, userID string, amount int64) {
	t.Helper()
	_, err := h.wallet.Credit(context.Background(), LedgerEntry{UserID: userID, Amount: amount, Reason: "top-up"})
	require.NoError(t, err)
}

func (h *harness) balance(t *testing.T, userID string) models.Balance {
	t.Helper()
	bal, err := h.wallet.GetBalance(context.Background(), userID)
	require.NoError(t, err)
	return bal
}

func (h *harness) addGPU(t *testing.T, id string, vram int, rate int64, reliability float64) {
	t.Helper()
	_, err := h.fleet.RegisterGPU(context.Background(), models.ProviderGPU{
		ID:          id,
		ProviderID:  "provider-" + id,
		Model:       "RTX 4090",
		VRAMGB:      vram,
		RatePerHour: rate,
		Reliability: reliability,
		DeviceID:    "0",
	})
	require.NoError(t, err)
}

func (h *harness) gpu(t *testing.T, id string) *models.ProviderGPU {
	t.Helper()
	g, err := h.fleet.GetGPU(context.Background(), id)
	require.NoError(t, err)
	return g
}
