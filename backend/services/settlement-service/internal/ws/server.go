package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Server upgrades HTTP requests to job status streams.
type Server struct {
	manager      *Manager
	logger       *zap.Logger
	writeTimeout time.Duration
	upgrader     websocket.Upgrader
}

// NewServer builds ws server.
func NewServer(manager *Manager, writeTimeout time.Duration, logger *zap.Logger) *Server {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &Server{
		manager:      manager,
		logger:       logger,
		writeTimeout: writeTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Stream upgrades the request and follows jobID. The caller has already checked the
// requester may see the job. The first frame is sent immediately.
func (s *Server) Stream(w http.ResponseWriter, r *http.Request, jobID string) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	connection := NewConnection(jobID, conn, s.writeTimeout, s.logger, func(c *Connection) {
		s.manager.Remove(c)
		cancel()
	})
	s.manager.Add(connection)

	go connection.Start(ctx)
	s.manager.Push(ctx, jobID)
	s.logger.Info("job stream opened", zap.String("job_id", jobID))
}
