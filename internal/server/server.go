// Package server exposes a lakeflow pipeline over HTTP: event ingestion,
// chain inspection, timer firings from an external scheduler and
// dead-letter management.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/randalmurphal/lakeflow/pkg/lakeflow/bus"
	"github.com/randalmurphal/lakeflow/pkg/lakeflow/correlation"
	"github.com/randalmurphal/lakeflow/pkg/lakeflow/event"
	"github.com/randalmurphal/lakeflow/pkg/lakeflow/reducer"
)

// DefaultIngressTopic receives events posted to /v1/events.
const DefaultIngressTopic = "ingress"

// Bus is the transport the server publishes to.
type Bus interface {
	Publish(ctx context.Context, topic string, evt *event.Event) error
	Reject(ctx context.Context, topic string, payload []byte, cause error)
	DeadLetters() *bus.DeadLetterQueue
	Redrive(ctx context.Context, id string) error
}

// Reducer is the part of a reducer the server drives.
type Reducer interface {
	Name() string
	Strategy() reducer.Strategy
	Status(ctx context.Context, chainID string) (correlation.ChainStatus, error)
	Fire(ctx context.Context, chainID string) (reducer.Outcome, error)
}

// Server routes HTTP requests to the bus and reducers.
type Server struct {
	bus      Bus
	reducers map[string]Reducer

	ingress  string
	maxBody  int64
	ready    func(ctx context.Context) error
	logger   *slog.Logger
	shutdown time.Duration

	router *gin.Engine
}

// Option configures a Server.
type Option func(*Server)

// WithIngressTopic sets the topic for POST /v1/events.
func WithIngressTopic(topic string) Option {
	return func(s *Server) {
		if topic != "" {
			s.ingress = topic
		}
	}
}

// WithMaxBodyBytes limits request bodies. Default: 1 MiB.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBody = n
		}
	}
}

// WithReadiness sets the /ready probe, typically a store ping.
func WithReadiness(check func(ctx context.Context) error) Option {
	return func(s *Server) {
		s.ready = check
	}
}

// WithLogger sets the request logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithShutdownTimeout bounds graceful shutdown in Run. Default: 10s.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdown = d
		}
	}
}

// New creates a server. Reducers are addressed by name.
func New(b Bus, reducers []Reducer, opts ...Option) *Server {
	s := &Server{
		bus:      b,
		reducers: make(map[string]Reducer, len(reducers)),
		ingress:  DefaultIngressTopic,
		maxBody:  1 << 20,
		logger:   slog.Default(),
		shutdown: 10 * time.Second,
	}
	for _, r := range reducers {
		s.reducers[r.Name()] = r
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdown)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/ready", s.handleReady)

	v1 := r.Group("/v1")
	{
		v1.POST("/events", s.handlePublish)
		v1.POST("/topics/:topic/events", s.handlePublish)

		v1.GET("/reducers", s.handleListReducers)
		v1.GET("/reducers/:reducer/chains/:chain", s.handleChainStatus)
		v1.POST("/reducers/:reducer/chains/:chain/fire", s.handleFire)

		v1.GET("/deadletters", s.handleListDeadLetters)
		v1.GET("/deadletters/stats", s.handleDeadLetterStats)
		v1.GET("/deadletters/:id", s.handleGetDeadLetter)
		v1.POST("/deadletters/:id/redrive", s.handleRedrive)
		v1.DELETE("/deadletters/:id", s.handleDeleteDeadLetter)
	}
	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		level := slog.LevelDebug
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		s.logger.Log(c.Request.Context(), level, "http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Float64("duration_ms", float64(time.Since(start).Microseconds())/1000),
		)
	}
}

func (s *Server) handleReady(c *gin.Context) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()

		if err := s.ready(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) handleListReducers(c *gin.Context) {
	type entry struct {
		Name     string           `json:"name"`
		Strategy reducer.Strategy `json:"strategy"`
	}
	out := make([]entry, 0, len(s.reducers))
	for name, r := range s.reducers {
		out = append(out, entry{Name: name, Strategy: r.Strategy()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	c.JSON(http.StatusOK, gin.H{"reducers": out})
}

// lookupReducer writes a 404 and returns nil for unknown names.
func (s *Server) lookupReducer(c *gin.Context) Reducer {
	r, ok := s.reducers[c.Param("reducer")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown reducer"})
		return nil
	}
	return r
}

func (s *Server) handleChainStatus(c *gin.Context) {
	r := s.lookupReducer(c)
	if r == nil {
		return
	}

	st, err := r.Status(c.Request.Context(), c.Param("chain"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, chainResponse{
		ChainID:    st.ChainID,
		Status:     string(st.Status),
		EventCount: st.EventCount,
		CreatedAt:  st.CreatedAt,
		UpdatedAt:  st.UpdatedAt,
		ExpiresAt:  st.ExpiresAt,
	})
}

func (s *Server) handleFire(c *gin.Context) {
	r := s.lookupReducer(c)
	if r == nil {
		return
	}

	out, err := r.Fire(c.Request.Context(), c.Param("chain"))
	if err != nil {
		s.writeError(c, err)
		return
	}

	resp := fireResponse{ChainID: c.Param("chain"), Emitted: out.Aggregate != nil}
	if out.Aggregate != nil {
		resp.AggregateID = out.Aggregate.ID
	}
	c.JSON(http.StatusOK, resp)
}
