package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"stemflow/internal/api"
	"stemflow/internal/config"
	"stemflow/internal/logging"
	"stemflow/internal/services"
)

const requestIDHeader = "X-Request-ID"

type apiServer struct {
	bind   string
	logger *slog.Logger
	daemon *Daemon
	engine *gin.Engine

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
}

func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) *apiServer {
	gin.SetMode(gin.ReleaseMode)
	srv := &apiServer{
		bind:   strings.TrimSpace(cfg.API.Bind),
		logger: logging.NewComponentLogger(logger, "api-server"),
		daemon: d,
	}

	r := gin.New()
	r.Use(gin.Recovery(), srv.requestContext())
	if len(cfg.API.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:  cfg.API.CORSOrigins,
			AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowHeaders:  []string{"Authorization", "Content-Type", requestIDHeader},
			ExposeHeaders: []string{requestIDHeader},
			MaxAge:        12 * time.Hour,
		}))
	}

	group := r.Group("/api", authMiddleware(strings.TrimSpace(cfg.API.Token)))
	group.POST("/jobs", srv.handleSubmit)
	group.GET("/jobs", srv.handleListJobs)
	group.GET("/jobs/:id", srv.handleGetJob)
	group.DELETE("/jobs/:id", srv.handleRemoveJob)
	group.POST("/batch/start", srv.handleBatchStart)
	group.POST("/batch/stop", srv.handleBatchStop)
	group.GET("/batch/status", srv.handleBatchStatus)
	group.GET("/batches", srv.handleBatches)
	group.GET("/events", srv.handleEvents)
	group.GET("/events/ws", srv.handleEventsWS)
	group.GET("/logs", srv.handleLogs)
	group.GET("/health", srv.handleHealth)
	group.POST("/notifications/test", srv.handleTestNotification)

	srv.engine = r
	return srv
}

// requestContext tags each request with a request id, carried into the
// coordinator through the request context.
func (s *apiServer) requestContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(requestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(requestIDHeader, id)
		c.Request = c.Request.WithContext(services.WithRequestID(c.Request.Context(), id))

		started := time.Now()
		c.Next()
		s.logger.Debug("api request",
			logging.String(logging.FieldCorrelationID, id),
			logging.String("method", c.Request.Method),
			logging.String("path", c.FullPath()),
			logging.Int("status", c.Writer.Status()),
			logging.Duration("elapsed", time.Since(started)),
		)
	}
}

func (s *apiServer) start(ctx context.Context) error {
	if s.bind == "" {
		s.logger.Info("api server disabled; no bind address configured")
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	server := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.mu.Lock()
	s.listener = listener
	s.server = server
	s.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", logging.Error(err))
		}
	}()

	context.AfterFunc(ctx, s.stop)

	s.logger.Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) stop() {
	s.mu.Lock()
	server := s.server
	s.server = nil
	s.listener = nil
	s.mu.Unlock()
	if server == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		_ = server.Close()
	}
}

func (s *apiServer) addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *apiServer) writeError(c *gin.Context, status int, message string) {
	if status >= http.StatusInternalServerError {
		s.logger.Warn("api request failed",
			logging.String("path", c.FullPath()),
			logging.Int("status", status),
			logging.String("error", message),
		)
	}
	c.JSON(status, api.ErrorResponse{Error: message})
}
