// Package memory is an in-process implementation of the repository interfaces. One
// mutex serialises every transaction and a failed transaction restores the snapshot
// taken when it began. Intended for tests and single-node development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"gpurental/backend/services/settlement-service/internal/models"
	"gpurental/backend/services/settlement-service/internal/repository"
)

var (
	_ repository.Store      = (*Store)(nil)
	_ repository.Tx         = (*tx)(nil)
	_ repository.AuditStore = (*AuditStore)(nil)
)

type state struct {
	wallets      map[string]struct{}
	transactions []models.WalletTransaction
	reservations map[string]models.Reservation
	sessions     map[string]models.BillingSession
	ticks        map[string][]models.BillingTick
	receipts     map[string]models.BillingReceipt
	jobs         map[string]models.Job
	gpus         map[string]models.ProviderGPU
}

func newState() *state {
	return &state{
		wallets:      make(map[string]struct{}),
		reservations: make(map[string]models.Reservation),
		sessions:     make(map[string]models.BillingSession),
		ticks:        make(map[string][]models.BillingTick),
		receipts:     make(map[string]models.BillingReceipt),
		jobs:         make(map[string]models.Job),
		gpus:         make(map[string]models.ProviderGPU),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k := range s.wallets {
		c.wallets[k] = struct{}{}
	}
	c.transactions = append([]models.WalletTransaction(nil), s.transactions...)
	for k, v := range s.reservations {
		c.reservations[k] = v
	}
	for k, v := range s.sessions {
		c.sessions[k] = v
	}
	for k, v := range s.ticks {
		c.ticks[k] = append([]models.BillingTick(nil), v...)
	}
	for k, v := range s.receipts {
		c.receipts[k] = v
	}
	for k, v := range s.jobs {
		c.jobs[k] = cloneJob(v)
	}
	for k, v := range s.gpus {
		c.gpus[k] = v
	}
	return c
}

// Store implements repository.Store.
type Store struct {
	mu    sync.Mutex
	state *state
}

// New creates an empty store.
func New() *Store {
	return &Store{state: newState()}
}

// InTx runs fn with exclusive access to the store.
func (s *Store) InTx(ctx context.Context, fn func(tx repository.Tx) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.state.clone()
	defer func() {
		if p := recover(); p != nil {
			s.state = snapshot
			panic(p)
		}
		if err != nil {
			s.state = snapshot
		}
	}()
	return fn(&tx{st: s.state})
}

type tx struct {
	st *state
}

// Wallets -------------------------------------------------------------------

func (t *tx) LockWallet(_ context.Context, userID string) error {
	if _, ok := t.st.wallets[userID]; !ok {
		return repository.ErrNotFound
	}
	return nil
}

func (t *tx) EnsureWallet(_ context.Context, userID string) error {
	t.st.wallets[userID] = struct{}{}
	return nil
}

func (t *tx) jobDebits(userID, jobID string) int64 {
	var spent int64
	for _, wt := range t.st.transactions {
		if wt.UserID == userID && wt.JobID == jobID && wt.Kind == models.TransactionDebit {
			spent += wt.Amount
		}
	}
	return spent
}

func (t *tx) holdRemaining(r models.Reservation) int64 {
	remaining := r.Amount - t.jobDebits(r.UserID, r.JobID)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (t *tx) WalletBalance(_ context.Context, userID string) (models.Balance, error) {
	var total, reserved int64
	for _, wt := range t.st.transactions {
		if wt.UserID != userID {
			continue
		}
		if wt.Kind == models.TransactionCredit {
			total += wt.Amount
		} else {
			total -= wt.Amount
		}
	}
	for _, r := range t.st.reservations {
		if r.UserID == userID && r.Status == models.ReservationHeld {
			reserved += t.holdRemaining(r)
		}
	}
	return models.NewBalance(userID, total, reserved), nil
}

func (t *tx) JobHoldRemaining(_ context.Context, userID, jobID string) (int64, error) {
	for _, r := range t.st.reservations {
		if r.UserID == userID && r.JobID == jobID && r.Status == models.ReservationHeld {
			return t.holdRemaining(r), nil
		}
	}
	return 0, nil
}

func (t *tx) TransactionByKey(_ context.Context, userID, key string) (*models.WalletTransaction, error) {
	for _, wt := range t.st.transactions {
		if wt.UserID == userID && wt.IdempotencyKey == key {
			out := wt
			return &out, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (t *tx) InsertTransaction(_ context.Context, wt *models.WalletTransaction) error {
	if _, ok := t.st.wallets[wt.UserID]; !ok {
		return fmt.Errorf("memory: wallet %s: %w", wt.UserID, repository.ErrNotFound)
	}
	if wt.IdempotencyKey != "" {
		for _, existing := range t.st.transactions {
			if existing.UserID == wt.UserID && existing.IdempotencyKey == wt.IdempotencyKey {
				return fmt.Errorf("%w: idempotency key %s", repository.ErrConflict, wt.IdempotencyKey)
			}
		}
	}
	t.st.transactions = append(t.st.transactions, *wt)
	return nil
}

func (t *tx) ListTransactions(_ context.Context, userID string, limit int) ([]models.WalletTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []models.WalletTransaction
	for i := len(t.st.transactions) - 1; i >= 0 && len(out) < limit; i-- {
		if t.st.transactions[i].UserID == userID {
			out = append(out, t.st.transactions[i])
		}
	}
	return out, nil
}

func (t *tx) HeldReservation(_ context.Context, userID, jobID string) (*models.Reservation, error) {
	for _, r := range t.st.reservations {
		if r.UserID == userID && r.JobID == jobID && r.Status == models.ReservationHeld {
			out := r
			return &out, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (t *tx) GetReservation(_ context.Context, id string) (*models.Reservation, error) {
	r, ok := t.st.reservations[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &r, nil
}

func (t *tx) LockReservation(ctx context.Context, id string) (*models.Reservation, error) {
	return t.GetReservation(ctx, id)
}

func (t *tx) InsertReservation(ctx context.Context, r *models.Reservation) error {
	if _, ok := t.st.wallets[r.UserID]; !ok {
		return fmt.Errorf("memory: wallet %s: %w", r.UserID, repository.ErrNotFound)
	}
	if _, err := t.HeldReservation(ctx, r.UserID, r.JobID); err == nil {
		return fmt.Errorf("%w: held reservation for job %s", repository.ErrConflict, r.JobID)
	}
	if _, ok := t.st.reservations[r.ID]; ok {
		return fmt.Errorf("%w: reservation %s", repository.ErrConflict, r.ID)
	}
	t.st.reservations[r.ID] = *r
	return nil
}

func (t *tx) FinalizeReservation(_ context.Context, r *models.Reservation) error {
	existing, ok := t.st.reservations[r.ID]
	if !ok || existing.Status != models.ReservationHeld {
		return repository.ErrNotFound
	}
	existing.Status = r.Status
	if r.SettledAmount != nil {
		v := *r.SettledAmount
		existing.SettledAmount = &v
	}
	at := time.Now().UTC()
	if r.SettledAt != nil {
		at = *r.SettledAt
	}
	existing.SettledAt = &at
	t.st.reservations[r.ID] = existing
	return nil
}

// Billing -------------------------------------------------------------------

func (t *tx) OpenSessionByJob(_ context.Context, jobID string) (*models.BillingSession, error) {
	for _, s := range t.st.sessions {
		if s.JobID == jobID && s.Status != models.SessionClosed {
			out := s
			return &out, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (t *tx) GetSession(_ context.Context, id string) (*models.BillingSession, error) {
	s, ok := t.st.sessions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &s, nil
}

func (t *tx) LockSession(ctx context.Context, id string) (*models.BillingSession, error) {
	return t.GetSession(ctx, id)
}

func (t *tx) InsertSession(ctx context.Context, s *models.BillingSession) error {
	if _, err := t.OpenSessionByJob(ctx, s.JobID); err == nil {
		return fmt.Errorf("%w: open session for job %s", repository.ErrConflict, s.JobID)
	}
	if _, ok := t.st.sessions[s.ID]; ok {
		return fmt.Errorf("%w: session %s", repository.ErrConflict, s.ID)
	}
	t.st.sessions[s.ID] = *s
	return nil
}

func (t *tx) UpdateSession(_ context.Context, s *models.BillingSession) error {
	if _, ok := t.st.sessions[s.ID]; !ok {
		return repository.ErrNotFound
	}
	t.st.sessions[s.ID] = *s
	return nil
}

func (t *tx) ListSessionIDsByStatus(_ context.Context, status models.SessionStatus, limit int) ([]string, error) {
	var sessions []models.BillingSession
	for _, s := range t.st.sessions {
		if s.Status == status {
			sessions = append(sessions, s)
		}
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].StartedAt.Before(sessions[j].StartedAt) })
	ids := make([]string, 0, len(sessions))
	for _, s := range sessions {
		if limit > 0 && len(ids) == limit {
			break
		}
		ids = append(ids, s.ID)
	}
	return ids, nil
}

func (t *tx) ListTicks(_ context.Context, sessionID string) ([]models.BillingTick, error) {
	return append([]models.BillingTick(nil), t.st.ticks[sessionID]...), nil
}

func (t *tx) InsertTick(_ context.Context, tk *models.BillingTick) error {
	for _, existing := range t.st.ticks[tk.SessionID] {
		if existing.TickNumber == tk.TickNumber {
			return fmt.Errorf("%w: tick %d", repository.ErrConflict, tk.TickNumber)
		}
	}
	t.st.ticks[tk.SessionID] = append(t.st.ticks[tk.SessionID], *tk)
	return nil
}

func (t *tx) ReceiptBySession(_ context.Context, sessionID string) (*models.BillingReceipt, error) {
	r, ok := t.st.receipts[sessionID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &r, nil
}

func (t *tx) InsertReceipt(_ context.Context, r *models.BillingReceipt) error {
	if _, ok := t.st.receipts[r.SessionID]; ok {
		return fmt.Errorf("%w: receipt for session %s", repository.ErrConflict, r.SessionID)
	}
	t.st.receipts[r.SessionID] = *r
	return nil
}

// Jobs and GPUs -------------------------------------------------------------

func cloneJob(j models.Job) models.Job {
	j.Command = append([]string(nil), j.Command...)
	if j.FinalCost != nil {
		v := *j.FinalCost
		j.FinalCost = &v
	}
	if j.StartedAt != nil {
		v := *j.StartedAt
		j.StartedAt = &v
	}
	if j.FinishedAt != nil {
		v := *j.FinishedAt
		j.FinishedAt = &v
	}
	return j
}

func (t *tx) InsertJob(_ context.Context, j *models.Job) error {
	if _, ok := t.st.jobs[j.ID]; ok {
		return fmt.Errorf("%w: job %s", repository.ErrConflict, j.ID)
	}
	t.st.jobs[j.ID] = cloneJob(*j)
	return nil
}

func (t *tx) GetJob(_ context.Context, id string) (*models.Job, error) {
	j, ok := t.st.jobs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := cloneJob(j)
	return &out, nil
}

func (t *tx) LockJob(ctx context.Context, id string) (*models.Job, error) {
	return t.GetJob(ctx, id)
}

func (t *tx) UpdateJob(_ context.Context, j *models.Job) error {
	if _, ok := t.st.jobs[j.ID]; !ok {
		return repository.ErrNotFound
	}
	t.st.jobs[j.ID] = cloneJob(*j)
	return nil
}

func (t *tx) ListJobIDsByStatus(_ context.Context, status models.JobStatus, limit int) ([]string, error) {
	var jobs []models.Job
	for _, j := range t.st.jobs {
		if j.Status == status {
			jobs = append(jobs, j)
		}
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].CreatedAt.Before(jobs[k].CreatedAt) })
	ids := make([]string, 0, len(jobs))
	for _, j := range jobs {
		if limit > 0 && len(ids) == limit {
			break
		}
		ids = append(ids, j.ID)
	}
	return ids, nil
}

func (t *tx) ListAvailableGPUs(_ context.Context, minVRAMGB int) ([]models.ProviderGPU, error) {
	var out []models.ProviderGPU
	for _, g := range t.st.gpus {
		if g.Status == models.GPUAvailable && g.VRAMGB >= minVRAMGB {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *tx) GetGPU(_ context.Context, id string) (*models.ProviderGPU, error) {
	g, ok := t.st.gpus[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &g, nil
}

func (t *tx) LockGPU(ctx context.Context, id string) (*models.ProviderGPU, error) {
	return t.GetGPU(ctx, id)
}

func (t *tx) UpdateGPUStatus(_ context.Context, id string, status models.GPUStatus, at time.Time) error {
	g, ok := t.st.gpus[id]
	if !ok {
		return repository.ErrNotFound
	}
	g.Status = status
	g.UpdatedAt = at
	t.st.gpus[id] = g
	return nil
}

func (t *tx) UpsertGPU(_ context.Context, g *models.ProviderGPU) error {
	t.st.gpus[g.ID] = *g
	return nil
}

// AuditStore is the in-memory audit log.
type AuditStore struct {
	mu      sync.RWMutex
	records []models.AuditRecord
}

func NewAuditStore() *AuditStore {
	return &AuditStore{}
}

func (s *AuditStore) InsertAudit(_ context.Context, rec *models.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := *rec
	out.Details = append([]byte(nil), rec.Details...)
	s.records = append(s.records, out)
	return nil
}

func (s *AuditStore) QueryAudit(_ context.Context, f models.AuditFilter) ([]models.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []models.AuditRecord
	for i := len(s.records) - 1; i >= 0; i-- {
		rec := s.records[i]
		if f.Actor != "" && rec.Actor != f.Actor {
			continue
		}
		if f.Action != "" && rec.Action != f.Action {
			continue
		}
		if !f.From.IsZero() && rec.CreatedAt.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && rec.CreatedAt.After(f.To) {
			continue
		}
		matched = append(matched, rec)
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	start := (f.Page - 1) * f.PageSize
	if start < 0 {
		start = 0
	}
	if start >= len(matched) {
		return nil, nil
	}
	end := start + f.PageSize
	if f.PageSize <= 0 || end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], nil
}
