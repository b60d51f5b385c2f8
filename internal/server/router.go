package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/bootvisor/internal/auth"
	"github.com/loykin/bootvisor/internal/metrics"
	"github.com/loykin/bootvisor/internal/supervisor"
)

// Router provides read-only HTTP handlers for the supervised worker.
// Endpoints:
//   GET  {basePath}/status            query: worker=... (optional, must match)
//   GET  {basePath}/status/resources  latest sample and history of worker CPU/memory
//   GET  {basePath}/debug/status      full supervisor status including the worker spec
//   GET  {basePath}/healthz           daemon liveness, never authenticated
//   GET  /metrics                     Prometheus, when enabled
// With an auth signer every endpoint except healthz needs a bearer token.
// basePath may be empty or start with '/'; no trailing slash.

// StatusSource is implemented by *supervisor.Supervisor.
type StatusSource interface {
	Status() *supervisor.Status
}

// ResourceSource is implemented by *metrics.Sampler.
type ResourceSource interface {
	Latest() (metrics.Sample, bool)
	History() []metrics.Sample
}

type RouterConfig struct {
	BasePath  string
	Metrics   bool
	Resources ResourceSource // optional
	Auth      *auth.Signer   // optional
}

type Router struct {
	src       StatusSource
	basePath  string
	metrics   bool
	resources ResourceSource
	auth      *auth.Signer
	now       func() time.Time
}

// NewRouter constructs a Router. Example basePath: "/abc" results in /abc/status.
func NewRouter(src StatusSource, cfg RouterConfig) *Router {
	return &Router{
		src:       src,
		basePath:  sanitizeBase(cfg.BasePath),
		metrics:   cfg.Metrics,
		resources: cfg.Resources,
		auth:      cfg.Auth,
		now:       time.Now,
	}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/healthz", r.handleHealthz)

	private := group.Group("", auth.GinAuth(r.auth))
	private.GET("/status", r.handleStatus)
	private.GET("/status/resources", r.handleResources)
	private.GET("/debug/status", r.handleDebugStatus)
	if r.metrics {
		g.GET("/metrics", auth.GinAuth(r.auth), gin.WrapH(metrics.Handler()))
	}
	return g
}

// Server is a standalone HTTP server for a Router.
type Server struct {
	srv *http.Server
	ln  net.Listener
	err chan error
}

// NewServer listens on addr and serves the router in the background. Listening happens
// before NewServer returns, so a busy port is reported to the caller. A non-nil tlsCfg
// serves HTTPS.
func NewServer(addr string, r *Router, tlsCfg *tls.Config) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}
	s := &Server{
		srv: &http.Server{
			Handler:           r.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
			TLSConfig:         tlsCfg,
		},
		ln:  ln,
		err: make(chan error, 1),
	}
	go func() {
		err := s.srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		s.err <- err
	}()
	return s, nil
}

// Addr returns the bound address, useful with ":0".
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Shutdown stops accepting connections and waits for in-flight requests until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.srv.Shutdown(ctx); err != nil {
		_ = s.srv.Close()
		return err
	}
	return <-s.err
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type resourcesResp struct {
	Worker  string           `json:"worker"`
	Latest  *metrics.Sample  `json:"latest,omitempty"`
	History []metrics.Sample `json:"history"`
}

// status resolves the current status, honouring an optional worker query parameter.
func (r *Router) status(c *gin.Context) (*supervisor.Status, bool) {
	st := r.src.Status()
	name := c.Query("worker")
	if name == "" {
		return st, true
	}
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid worker name"})
		return nil, false
	}
	if name != st.Worker {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown worker: " + name})
		return nil, false
	}
	return st, true
}

func (r *Router) handleStatus(c *gin.Context) {
	st, ok := r.status(c)
	if !ok {
		return
	}
	rep := st.Report(r.now())
	writeJSON(c, rep.Code.HTTPStatus(), rep)
}

func (r *Router) handleDebugStatus(c *gin.Context) {
	st, ok := r.status(c)
	if !ok {
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleResources(c *gin.Context) {
	st, ok := r.status(c)
	if !ok {
		return
	}
	if r.resources == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "resource sampling disabled"})
		return
	}
	resp := resourcesResp{Worker: st.Worker, History: r.resources.History()}
	if s, ok := r.resources.Latest(); ok {
		resp.Latest = &s
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleHealthz(c *gin.Context) {
	writeJSON(c, http.StatusOK, okResp{OK: true})
}
