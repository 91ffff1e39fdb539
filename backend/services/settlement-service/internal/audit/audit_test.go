package audit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gpurental/backend/services/settlement-service/internal/models"
	"gpurental/backend/services/settlement-service/internal/repository/memory"
)

type failingStore struct {
	mu    sync.Mutex
	calls int
	panic bool
}

func (s *failingStore) InsertAudit(context.Context, *models.AuditRecord) error {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.panic {
		panic("store exploded")
	}
	return errors.New("connection refused")
}

func (s *failingStore) QueryAudit(context.Context, models.AuditFilter) ([]models.AuditRecord, error) {
	return nil, errors.New("connection refused")
}

func (s *failingStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestLogEventNeverPropagatesStoreFailures(t *testing.T) {
	for _, panics := range []bool{false, true} {
		store := &failingStore{panic: panics}
		l := NewLogger(store, Config{Workers: 1, QueueSize: 8}, zap.NewNop())
		l.Start()

		assert.NotPanics(t, func() {
			l.LogEvent(context.Background(), Event{Action: "job.submit", Details: map[string]any{"a": 1}})
			l.LogEvent(context.Background(), Event{Action: "job.complete"})
		})
		l.Close()
		assert.Equal(t, 2, store.count())
	}
}

func TestEncodeDetailsKeepsLargeIntegersExact(t *testing.T) {
	const amount int64 = 1<<53 + 1
	raw, err := encodeDetails(map[string]any{
		"amount_halala": amount,
		"nested":        map[string]any{"token": "secret", "total": []int64{amount}},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"amount_halala":9007199254740993,"nested":{"token":"[REDACTED]","total":[9007199254740993]}}`, string(raw))
}

func TestLogEventSurvivesUnencodableDetails(t *testing.T) {
	store := memory.NewAuditStore()
	l := NewLogger(store, Config{Workers: 1, QueueSize: 4}, zap.NewNop())
	l.Start()

	assert.NotPanics(t, func() {
		l.LogEvent(context.Background(), Event{Action: "bad", Details: make(chan int)})
	})
	l.Close()

	records, err := store.QueryAudit(context.Background(), NormalizeFilter(models.AuditFilter{}))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Empty(t, records[0].Details)
}

func TestLogEventDropsWhenQueueFull(t *testing.T) {
	store := memory.NewAuditStore()
	l := NewLogger(store, Config{Workers: 1, QueueSize: 1}, zap.NewNop())

	// Workers not started: the second event has nowhere to go.
	l.LogEvent(context.Background(), Event{Action: "first"})
	l.LogEvent(context.Background(), Event{Action: "second"})
	l.Start()
	l.Close()

	records, err := store.QueryAudit(context.Background(), NormalizeFilter(models.AuditFilter{}))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "first", records[0].Action)
}

func TestLogEventAfterCloseIsDropped(t *testing.T) {
	l := NewLogger(memory.NewAuditStore(), Config{}, zap.NewNop())
	l.Start()
	l.Close()
	assert.NotPanics(t, func() {
		l.LogEvent(context.Background(), Event{Action: "late"})
	})
}

func TestLogEventRedactsAndUsesContextActor(t *testing.T) {
	store := memory.NewAuditStore()
	l := NewLogger(store, Config{Workers: 1, QueueSize: 4}, zap.NewNop())
	l.Start()

	ctx := WithIdentity(context.Background(), Identity{UserID: "renter-7", Role: RoleRenter})
	l.LogEvent(ctx, Event{
		Action:     "wallet.credit",
		ResourceID: "renter-7",
		Details: map[string]any{
			"amount":   500,
			"Password": "hunter2",
			"nested":   []any{map[string]any{"api_key": "k", "note": "ok"}},
		},
	})
	l.Close()

	records, err := store.QueryAudit(context.Background(), NormalizeFilter(models.AuditFilter{}))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "renter-7", records[0].Actor)

	var details map[string]any
	require.NoError(t, json.Unmarshal(records[0].Details, &details))
	assert.Equal(t, Redacted, details["Password"])
	assert.Equal(t, float64(500), details["amount"])
	nested := details["nested"].([]any)[0].(map[string]any)
	assert.Equal(t, Redacted, nested["api_key"])
	assert.Equal(t, "ok", nested["note"])
}

func TestQueryRequiresAdminAndClampsPage(t *testing.T) {
	store := memory.NewAuditStore()
	l := NewLogger(store, Config{}, zap.NewNop())

	_, err := l.Query(context.Background(), RoleRenter, models.AuditFilter{})
	assert.ErrorIs(t, err, ErrForbidden)

	records, err := l.Query(context.Background(), RoleAdmin, models.AuditFilter{PageSize: 5000})
	require.NoError(t, err)
	assert.NotNil(t, records)

	f := NormalizeFilter(models.AuditFilter{PageSize: 5000, Page: -3})
	assert.Equal(t, MaxPageSize, f.PageSize)
	assert.Equal(t, 1, f.Page)
	assert.Equal(t, DefaultPageSize, NormalizeFilter(models.AuditFilter{}).PageSize)
}

func TestQueryWrapsStoreError(t *testing.T) {
	l := NewLogger(&failingStore{}, Config{}, zap.NewNop())
	_, err := l.Query(context.Background(), RoleAdmin, models.AuditFilter{})
	require.Error(t, err)
}
