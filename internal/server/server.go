// Package server exposes the spatial store, the feature renderer and an
// optional tile archive over HTTP with OGC API shaped routes.
package server

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"tilecache/internal/archive"
	"tilecache/internal/render"
	"tilecache/internal/store"
)

// Config holds the listener settings.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// MaxItems caps the features returned by one items request. Zero
	// means no cap.
	MaxItems int
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 60 * time.Second
	}
	return c
}

// Options are the collaborators of a Server. Store is required; a nil
// Archive answers archive routes with 503.
type Options struct {
	Store    *store.Store
	Archive  *archive.Reader
	Registry *prometheus.Registry
	Log      logrus.FieldLogger
}

// Server holds no per-request state: every request is answered from the
// store, the renderer or the archive.
type Server struct {
	cfg      Config
	store    *store.Store
	archive  *archive.Reader
	renderer *render.Renderer
	registry *prometheus.Registry
	metrics  *httpMetrics
	log      logrus.FieldLogger
	router   chi.Router

	mu   sync.Mutex
	srv  *http.Server
	addr string
}

// New builds the router. Without a registry the server creates its own
// with the Go and process collectors.
func New(cfg Config, opts Options) *Server {
	log := opts.Log
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	s := &Server{
		cfg:      cfg.withDefaults(),
		store:    opts.Store,
		archive:  opts.Archive,
		renderer: render.New(opts.Store, log),
		registry: reg,
		metrics:  newHTTPMetrics(reg),
		log:      log,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(recoverer(s.log))
	r.Use(requestID)
	r.Use(accessLog(s.log))
	r.Use(s.metrics.observe)

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}).ServeHTTP)

	r.Route("/collections", func(r chi.Router) {
		r.Get("/", s.handleCollections)
		r.Get("/{id}/items", s.handleItems)
		r.Get("/{id}/items.kml", s.handleItemsKML)
		r.Get("/{id}/items.shp", s.handleItemsSHP)
	})

	r.Route("/tiles", func(r chi.Router) {
		r.Get("/vector/{table}/{z}/{x}/{y}", s.handleVectorTile)
		r.Post("/vector/{table}/{z}/{x}/{y}", s.handleVectorTile)
		r.Get("/{table}/{z}/{x}/{y}", s.handleTile)
	})

	r.Route("/archive", func(r chi.Router) {
		r.Get("/metadata", s.handleArchiveMetadata)
		r.Get("/tiles/{z}/{x}/{y}", s.handleArchiveTile)
	})
	return r
}

// Handler returns the router, for tests and for embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Addr is the bound listen address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Start binds the listener and serves in the background. A bind failure is
// returned directly.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return errors.New("server: already started")
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}
	s.srv = srv
	s.addr = ln.Addr().String()
	go func() {
		s.log.Infof("http listen on %s", ln.Addr())
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("http server stopped")
		}
	}()
	return nil
}

// Stop drains open requests until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
