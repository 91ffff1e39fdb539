package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gpurental/backend/services/settlement-service/internal/models"
	"gpurental/backend/services/settlement-service/internal/service"
)

type fakeSource struct {
	mu     sync.Mutex
	status models.JobStatus
	cost   int64
}

func (f *fakeSource) set(status models.JobStatus, cost int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status, f.cost = status, cost
}

func (f *fakeSource) GetJobStatus(_ context.Context, jobID string) (*service.JobStatusView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &service.JobStatusView{
		Job:             &models.Job{ID: jobID, Status: f.status, MaxBudget: 1000},
		CostSoFar:       f.cost,
		RemainingBudget: 1000 - f.cost,
	}, nil
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readStatus(t *testing.T, conn *websocket.Conn) StatusMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg StatusMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestStreamSendsStatusUntilFinished(t *testing.T) {
	source := &fakeSource{status: models.JobRunning, cost: 150}
	manager := NewManager(source, time.Hour, zap.NewNop())
	server := NewServer(manager, time.Second, zap.NewNop())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		server.Stream(w, r, "job-1")
	}))
	defer srv.Close()

	conn := dial(t, srv)
	first := readStatus(t, conn)
	assert.Equal(t, "job.status", first.Type)
	assert.Equal(t, "job-1", first.JobID)
	assert.Equal(t, models.JobRunning, first.Status)
	assert.Equal(t, int64(150), first.CostSoFarHalala)
	assert.Equal(t, "1.50", first.CostSoFarMajor)
	assert.Equal(t, "8.50", first.RemainingBudgetMajor)
	require.Eventually(t, func() bool { return manager.Watching("job-1") == 1 }, time.Second, 10*time.Millisecond)

	source.set(models.JobOverBudget, 1000)
	manager.Broadcast(context.Background())

	final := readStatus(t, conn)
	assert.Equal(t, "job.finished", final.Type)
	assert.Equal(t, models.JobOverBudget, final.Status)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "expected normal close, got %v", err)
	require.Eventually(t, func() bool { return manager.Watching("job-1") == 0 }, time.Second, 10*time.Millisecond)
}

func TestClientDisconnectUnregisters(t *testing.T) {
	source := &fakeSource{status: models.JobRunning}
	manager := NewManager(source, time.Hour, zap.NewNop())
	server := NewServer(manager, time.Second, zap.NewNop())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		server.Stream(w, r, "job-2")
	}))
	defer srv.Close()

	conn := dial(t, srv)
	readStatus(t, conn)
	require.Eventually(t, func() bool { return manager.Watching("job-2") == 1 }, time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return manager.Watching("job-2") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestCancelledContextClosesSocket(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	upgrader := websocket.Upgrader{}
	returned := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := NewConnection("job-3", conn, time.Second, zap.NewNop(), nil)
		go func() {
			c.Start(ctx)
			close(returned)
		}()
	}))
	defer srv.Close()

	conn := dial(t, srv)
	cancel()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "expected normal close, got %v", err)
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("connection still reading after context cancel")
	}
}
