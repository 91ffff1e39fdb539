package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"gpurental/backend/services/settlement-service/internal/service"
)

// StatusSource polls a job. Polling a running job also enforces its budget.
type StatusSource interface {
	GetJobStatus(ctx context.Context, jobID string) (*service.JobStatusView, error)
}

// Manager tracks stream connections per job and pushes status on every poll.
type Manager struct {
	mu           sync.RWMutex
	byJob        map[string]map[*Connection]struct{}
	source       StatusSource
	pollInterval time.Duration
	logger       *zap.Logger
}

// NewManager builds connection manager.
func NewManager(source StatusSource, pollInterval time.Duration, logger *zap.Logger) *Manager {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &Manager{
		byJob:        make(map[string]map[*Connection]struct{}),
		source:       source,
		pollInterval: pollInterval,
		logger:       logger,
	}
}

// Add registers new connection.
func (m *Manager) Add(conn *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conns, ok := m.byJob[conn.JobID()]
	if !ok {
		conns = make(map[*Connection]struct{})
		m.byJob[conn.JobID()] = conns
	}
	conns[conn] = struct{}{}
}

// Remove removes connection.
func (m *Manager) Remove(conn *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conns := m.byJob[conn.JobID()]
	delete(conns, conn)
	if len(conns) == 0 {
		delete(m.byJob, conn.JobID())
	}
}

// Watching returns how many connections follow a job.
func (m *Manager) Watching(jobID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byJob[jobID])
}

// Start polls watched jobs until ctx ends.
func (m *Manager) Start(ctx context.Context) {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.closeAll()
			return
		case <-ticker.C:
			m.Broadcast(ctx)
		}
	}
}

// Broadcast polls each watched job once and fans the result out. Streams of finished
// jobs get the final status and are closed.
func (m *Manager) Broadcast(ctx context.Context) {
	for _, jobID := range m.jobIDs() {
		m.Push(ctx, jobID)
	}
}

// Push sends one job's current status to its watchers.
func (m *Manager) Push(ctx context.Context, jobID string) {
	view, err := m.source.GetJobStatus(ctx, jobID)
	if err != nil {
		m.logger.Warn("stream status poll failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	msg, err := json.Marshal(NewStatusMessage(view))
	if err != nil {
		m.logger.Error("encode status message", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	finished := view.Job.Status.Finished()
	for _, conn := range m.connections(jobID) {
		conn.Send(msg)
		if finished {
			conn.Close()
		}
	}
}

func (m *Manager) jobIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.byJob))
	for id := range m.byJob {
		ids = append(ids, id)
	}
	return ids
}

func (m *Manager) connections(jobID string) []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Connection, 0, len(m.byJob[jobID]))
	for c := range m.byJob[jobID] {
		out = append(out, c)
	}
	return out
}

func (m *Manager) closeAll() {
	for _, id := range m.jobIDs() {
		for _, c := range m.connections(id) {
			c.Close()
		}
	}
}
