// Package server assembles the HTTP front: middleware, probes, metrics and
// the DICOMweb dispatch pipeline with its response cache.
package server

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dicomkit/dicomweb-server/internal/cache"
	"github.com/dicomkit/dicomweb-server/internal/config"
	"github.com/dicomkit/dicomweb-server/internal/events"
	"github.com/dicomkit/dicomweb-server/internal/handlers"
	"github.com/dicomkit/dicomweb-server/internal/middleware"
	"github.com/dicomkit/dicomweb-server/internal/router"
	"github.com/dicomkit/dicomweb-server/internal/storage"
	"github.com/dicomkit/dicomweb-server/internal/weberror"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Server owns the HTTP listener, the route matcher and the event dispatcher
// lifecycle.
type Server struct {
	cfg        *config.Config
	routes     *router.Router
	handlers   *handlers.Handlers
	health     *handlers.HealthHandler
	cache      *cache.ResponseCache
	dispatcher *events.Dispatcher
	root       http.Handler

	mu         sync.Mutex
	running    bool
	httpServer *http.Server
}

// New assembles the server.
func New(cfg *config.Config, h *handlers.Handlers, store storage.Provider, rc *cache.ResponseCache, dispatcher *events.Dispatcher) *Server {
	s := &Server{
		cfg:        cfg,
		routes:     router.New(cfg.Server.PathPrefix),
		handlers:   h,
		health:     handlers.NewHealthHandler(store),
		cache:      rc,
		dispatcher: dispatcher,
	}
	s.root = s.buildRoot()
	return s
}

// Handler exposes the assembled root handler.
func (s *Server) Handler() http.Handler { return s.root }

func (s *Server) buildRoot() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Recovery)
	r.Use(middleware.Logging)
	r.Use(s.serverHeader)
	r.Use(middleware.ConcurrencyLimit(s.cfg.Server.MaxConcurrentRequests))
	if rl := s.cfg.Server.RateLimit; rl != nil {
		r.Use(middleware.NewRateLimiter(*rl).Middleware)
	}
	if c := s.cfg.Server.CORS; c != nil {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   c.AllowedOrigins,
			AllowedMethods:   c.AllowedMethods,
			AllowedHeaders:   c.AllowedHeaders,
			ExposedHeaders:   c.ExposedHeaders,
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	r.Get("/health", s.health.Health)
	r.Get("/ready", s.health.Ready)
	if s.cfg.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	prefix := strings.TrimSuffix(s.cfg.Server.PathPrefix, "/")
	r.Handle(prefix, http.HandlerFunc(s.dispatch))
	r.Handle(prefix+"/*", http.HandlerFunc(s.dispatch))
	return r
}

func (s *Server) serverHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", s.cfg.Server.ServerName)
		next.ServeHTTP(w, r)
	})
}

// cacheable reports whether the handler type produces a cache-worthy JSON
// response. Binary retrievals are excluded: they honor Range requests and
// can dwarf the byte budget.
func cacheable(t router.HandlerType) bool {
	switch t {
	case router.SearchStudies, router.SearchSeriesInStudy, router.SearchInstancesInSeries,
		router.RetrieveStudyMetadata, router.RetrieveSeriesMetadata, router.RetrieveInstanceMetadata,
		router.SearchWorkitems, router.RetrieveWorkitem:
		return true
	}
	return false
}

// dispatch runs the DICOMweb pipeline: route match, cache consultation for
// safe reads, handler execution, cache fill and mutation invalidation.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Server.MaxRequestBodySize)

	m, ok := s.routes.Match(r.Method, r.URL.Path)
	if !ok {
		weberror.Write(w, weberror.New(weberror.KindNotFound, "no route for %s %s", r.Method, r.URL.Path))
		return
	}

	if r.Method == http.MethodGet && cacheable(m.Type) {
		s.dispatchCached(w, r, m)
		return
	}

	rec := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	s.handlers.Handle(rec, r, m)
	if r.Method != http.MethodGet && rec.status < 400 {
		s.invalidateFor(r.Context(), m)
	}
}

func (s *Server) dispatchCached(w http.ResponseWriter, r *http.Request, m *router.Match) {
	key := cache.Fingerprint(r)

	if e := s.cache.Lookup(r.Context(), key); e != nil {
		if etagMatches(r.Header.Get("If-None-Match"), e.ETag) {
			w.Header().Set("ETag", e.ETag)
			if cc := e.Header.Get("Cache-Control"); cc != "" {
				w.Header().Set("Cache-Control", cc)
			}
			w.Header().Set("X-Cache", "HIT")
			w.WriteHeader(http.StatusNotModified)
			return
		}
		for k, vals := range e.Header {
			for _, v := range vals {
				w.Header().Add(k, v)
			}
		}
		w.Header().Set("Content-Type", e.ContentType)
		w.Header().Set("ETag", e.ETag)
		w.Header().Set("X-Cache", "HIT")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(e.Body)
		return
	}

	rec := newBufferedResponse()
	s.handlers.Handle(rec, r, m)
	if rec.status != http.StatusOK || rec.body.Len() == 0 {
		rec.copyTo(w)
		return
	}

	entry := s.cache.Store(r.Context(), key, &cache.Entry{
		Path:        r.URL.Path,
		ContentType: rec.header.Get("Content-Type"),
		Header:      pickHeaders(rec.header, "X-Total-Count"),
		Body:        append([]byte(nil), rec.body.Bytes()...),
	})
	if s.cache.Enabled() {
		rec.header.Set("Cache-Control", s.cache.CacheControl())
	}
	if etagMatches(r.Header.Get("If-None-Match"), entry.ETag) {
		w.Header().Set("ETag", entry.ETag)
		if cc := rec.header.Get("Cache-Control"); cc != "" {
			w.Header().Set("Cache-Control", cc)
		}
		w.Header().Set("X-Cache", "MISS")
		w.WriteHeader(http.StatusNotModified)
		return
	}
	rec.header.Set("ETag", entry.ETag)
	rec.header.Set("X-Cache", "MISS")
	rec.copyTo(w)
}

// invalidateFor drops the cached reads a successful mutation may have
// stale-ified. Instance mutations clear entries for the mutated study when
// the path names one, and the whole study side otherwise; workitem mutations
// clear the workitem side.
func (s *Server) invalidateFor(ctx context.Context, m *router.Match) {
	switch m.Type {
	case router.StoreInstances, router.StoreInstancesToStudy,
		router.DeleteStudy, router.DeleteSeries, router.DeleteInstance:
		if uid := m.Params["studyUID"]; uid != "" {
			s.cache.Invalidate(ctx, uid)
			return
		}
		s.cache.Invalidate(ctx, "/studies")
	case router.CreateWorkitem, router.CreateWorkitemWithUID, router.UpdateWorkitem,
		router.ChangeWorkitemState, router.RequestWorkitemCancellation,
		router.SubscribeWorkitem, router.UnsubscribeWorkitem, router.SuspendSubscription:
		s.cache.Invalidate(ctx, "/workitems")
	}
}

// etagMatches implements the weak comparison of If-None-Match.
func etagMatches(header, etag string) bool {
	if header == "" || etag == "" {
		return false
	}
	opaque := strings.TrimPrefix(etag, "W/")
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" {
			return true
		}
		if strings.TrimPrefix(candidate, "W/") == opaque {
			return true
		}
	}
	return false
}

func pickHeaders(h http.Header, names ...string) http.Header {
	out := http.Header{}
	for _, name := range names {
		if vals := h.Values(name); len(vals) > 0 {
			out[http.CanonicalHeaderKey(name)] = vals
		}
	}
	return out
}

// Running reports whether the listener is active.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Start launches the dispatcher and the HTTP listener. Idempotent; the
// listener runs on its own goroutine.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.dispatcher.Start()

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.root,
		ReadTimeout:  s.cfg.Server.RequestTimeout,
		WriteTimeout: s.cfg.Server.RequestTimeout,
	}
	s.running = true

	go func() {
		var err error
		if tls := s.cfg.Server.TLS; tls != nil {
			log.Info().Str("addr", addr).Msg("Server starting with TLS")
			err = s.httpServer.ListenAndServeTLS(tls.CertificatePath, tls.PrivateKeyPath)
		} else {
			log.Info().Str("addr", addr).Msg("Server starting")
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Server failed")
		}
	}()
	return nil
}

// Stop drains the listener and stops the dispatcher. Idempotent.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	srv := s.httpServer
	s.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.dispatcher.Stop()
	return err
}

// statusWriter passes writes through while recording the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// bufferedResponse captures a handler response for cache admission before
// anything reaches the client.
type bufferedResponse struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newBufferedResponse() *bufferedResponse {
	return &bufferedResponse{header: http.Header{}, status: http.StatusOK}
}

func (b *bufferedResponse) Header() http.Header { return b.header }

func (b *bufferedResponse) WriteHeader(code int) { b.status = code }

func (b *bufferedResponse) Write(p []byte) (int, error) { return b.body.Write(p) }

func (b *bufferedResponse) copyTo(w http.ResponseWriter) {
	for k, vals := range b.header {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(b.status)
	_, _ = w.Write(b.body.Bytes())
}
