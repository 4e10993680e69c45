package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"canvas_study_assistant/assist"
	"canvas_study_assistant/llm"
	"canvas_study_assistant/logger"
)

// Assistant runs assistance requests. *assist.Coordinator implements it.
type Assistant interface {
	Run(ctx context.Context, req assist.Request) (*assist.Result, error)
	Explain(ctx context.Context, req assist.ConceptRequest) (*assist.Result, error)
}

type Config struct {
	Assistant Assistant
	// Availability is reported by /health.
	Availability   llm.Availability
	Logger         *logger.Logger
	RequestTimeout time.Duration
}

type Server struct {
	assistant      Assistant
	avail          llm.Availability
	log            *logger.Logger
	requestTimeout time.Duration
	engine         *gin.Engine
}

func New(cfg Config) (*Server, error) {
	if cfg.Assistant == nil {
		return nil, errors.New("assistant required")
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewNop()
	}
	s := &Server{
		assistant:      cfg.Assistant,
		avail:          cfg.Availability,
		log:            log,
		requestTimeout: cfg.RequestTimeout,
	}
	s.engine = s.routes()
	return s, nil
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestID())
	r.Use(requestLogger(s.log))

	r.GET("/health", s.handleHealth)

	api := r.Group("/api/ai")
	{
		api.POST("/assist", s.handleAssist)
		// path used by the original mobile client
		api.POST("/assignment-help", s.handleAssist)
		api.POST("/explain-concept", s.handleExplain)
	}
	return r
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until ctx is done, then drains in-flight requests.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
