// Package audit records security-relevant actions. Writes are queued and persisted by
// background workers; no failure in this package ever reaches the caller.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gpurental/backend/services/settlement-service/internal/metrics"
	"gpurental/backend/services/settlement-service/internal/models"
	"gpurental/backend/services/settlement-service/internal/repository"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 100

	writeTimeout = 5 * time.Second
)

// ErrForbidden is returned by Query for non-admin callers.
var ErrForbidden = errors.New("audit: admin role required")

// Event is one action to record. Details may be any JSON-encodable value.
type Event struct {
	Actor      string
	Action     string
	ResourceID string
	Details    any
}

// Config sizes the background writer.
type Config struct {
	Workers    int
	QueueSize  int
	Production bool
}

// Logger is the fire-and-forget audit writer.
type Logger struct {
	store      repository.AuditStore
	logger     *zap.Logger
	production bool
	workers    int

	mu     sync.RWMutex
	closed bool
	queue  chan models.AuditRecord
	wg     sync.WaitGroup
	now    func() time.Time
}

// NewLogger builds the writer. Call Start to launch the workers.
func NewLogger(store repository.AuditStore, cfg Config, logger *zap.Logger) *Logger {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{
		store:      store,
		logger:     logger,
		production: cfg.Production,
		workers:    cfg.Workers,
		queue:      make(chan models.AuditRecord, cfg.QueueSize),
		now:        time.Now,
	}
}

// Start launches the workers. They exit once Close has drained the queue.
func (l *Logger) Start() {
	for i := 0; i < l.workers; i++ {
		l.wg.Add(1)
		go l.worker()
	}
}

// Close stops accepting events and waits for queued ones to be written.
func (l *Logger) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()
	l.wg.Wait()
}

// LogEvent enqueues an event without blocking. A full queue or a closed logger drops
// the event.
func (l *Logger) LogEvent(ctx context.Context, e Event) {
	defer func() {
		if p := recover(); p != nil {
			l.diagnostic("audit event panicked", zap.Any("panic", p), zap.String("action", e.Action))
		}
	}()

	if e.Actor == "" {
		e.Actor = ActorFromContext(ctx)
	}
	rec := models.AuditRecord{
		ID:         uuid.NewString(),
		Actor:      e.Actor,
		Action:     e.Action,
		ResourceID: e.ResourceID,
		CreatedAt:  l.now().UTC(),
	}
	details, err := encodeDetails(e.Details)
	if err != nil {
		l.diagnostic("audit details not encodable", zap.Error(err), zap.String("action", e.Action))
	}
	rec.Details = details

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		metrics.RecordAuditEvent("dropped")
		return
	}
	select {
	case l.queue <- rec:
	default:
		metrics.RecordAuditEvent("dropped")
		l.diagnostic("audit queue full, event dropped", zap.String("action", e.Action))
	}
}

func (l *Logger) worker() {
	defer l.wg.Done()
	for rec := range l.queue {
		l.write(rec)
	}
}

func (l *Logger) write(rec models.AuditRecord) {
	defer func() {
		if p := recover(); p != nil {
			metrics.RecordAuditEvent("failed")
			l.diagnostic("audit store panicked", zap.Any("panic", p), zap.String("action", rec.Action))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := l.store.InsertAudit(ctx, &rec); err != nil {
		metrics.RecordAuditEvent("failed")
		l.diagnostic("audit write failed", zap.Error(err), zap.String("action", rec.Action))
		return
	}
	metrics.RecordAuditEvent("written")
}

// diagnostic surfaces swallowed failures: debug in production, warn elsewhere.
func (l *Logger) diagnostic(msg string, fields ...zap.Field) {
	if l.production {
		l.logger.Debug(msg, fields...)
		return
	}
	l.logger.Warn(msg, fields...)
}

func encodeDetails(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	// UseNumber keeps int64 amounts exact through the round trip.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	out, err := json.Marshal(Sanitize(generic))
	if err != nil {
		return nil, fmt.Errorf("audit: encode sanitized details: %w", err)
	}
	return out, nil
}

// Query returns one page of records. Only admins may read the trail.
func (l *Logger) Query(ctx context.Context, role string, f models.AuditFilter) ([]models.AuditRecord, error) {
	if role != RoleAdmin {
		return nil, ErrForbidden
	}
	f = NormalizeFilter(f)
	records, err := l.store.QueryAudit(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	if records == nil {
		records = []models.AuditRecord{}
	}
	return records, nil
}

// NormalizeFilter defaults the page and clamps the page size to MaxPageSize.
func NormalizeFilter(f models.AuditFilter) models.AuditFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	switch {
	case f.PageSize <= 0:
		f.PageSize = DefaultPageSize
	case f.PageSize > MaxPageSize:
		f.PageSize = MaxPageSize
	}
	return f
}
