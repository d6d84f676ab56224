package control

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hanaponodata/sentinel-core/internal/config"
	"github.com/hanaponodata/sentinel-core/internal/events"
	"github.com/hanaponodata/sentinel-core/internal/logging"
	"github.com/hanaponodata/sentinel-core/internal/monitor"
	"github.com/hanaponodata/sentinel-core/internal/registry"
	"github.com/hanaponodata/sentinel-core/internal/runtime"
	"github.com/hanaponodata/sentinel-core/internal/update"
)

// Dependencies is everything the Control Surface needs from the rest of
// the agent core, wired to concrete collaborators rather than a sprawling
// interface set; every other constructor in this module (monitor.New,
// update.New) takes its collaborators concretely, and the Control Surface
// follows the same texture.
type Dependencies struct {
	Registry  *registry.Registry
	Bus       *events.Bus
	Engine    *update.Engine
	Runtime   runtime.API
	Config    *config.Config
	Monitor   *monitor.Loop
	Log       *logging.Logger
	StartedAt time.Time
}

// Server is the Control Surface: the HTTP+JSON API plus the /ws push
// channel.
type Server struct {
	deps     Dependencies
	mux      *http.ServeMux
	server   *http.Server
	upgrader websocket.Upgrader
}

const apiPrefix = "/api/watchtower"

// NewServer builds a Server with every route registered.
func NewServer(deps Dependencies) *Server {
	s := &Server{
		deps: deps,
		mux:  http.NewServeMux(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The Control Surface is not responsible for auth or origin
			// policy; that belongs to the boundary.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET "+apiPrefix+"/status", s.handleStatus)
	s.mux.HandleFunc("GET "+apiPrefix+"/containers", s.handleContainersList)
	s.mux.HandleFunc("GET "+apiPrefix+"/containers/{id}", s.handleContainerGet)
	s.mux.HandleFunc("POST "+apiPrefix+"/containers/{id}/update", s.requirePrincipal(s.handleContainerUpdate))
	s.mux.HandleFunc("POST "+apiPrefix+"/containers/{id}/restart", s.requirePrincipal(s.handleContainerRestart))
	s.mux.HandleFunc("POST "+apiPrefix+"/containers/{id}/stop", s.requirePrincipal(s.handleContainerStop))
	s.mux.HandleFunc("POST "+apiPrefix+"/containers/{id}/start", s.requirePrincipal(s.handleContainerStart))
	s.mux.HandleFunc("DELETE "+apiPrefix+"/containers/{id}", s.requirePrincipal(s.handleContainerRemove))
	s.mux.HandleFunc("GET "+apiPrefix+"/updates", s.handleUpdatesHistory)
	s.mux.HandleFunc("POST "+apiPrefix+"/check-updates", s.requirePrincipal(s.handleCheckUpdates))
	s.mux.HandleFunc("GET "+apiPrefix+"/stats", s.handleStats)
	s.mux.HandleFunc("GET "+apiPrefix+"/config", s.handleConfigGet)
	s.mux.HandleFunc("PUT "+apiPrefix+"/config", s.requirePrincipal(s.handleConfigPut))
	s.mux.HandleFunc("GET "+apiPrefix+"/images", s.handleImagesList)
	s.mux.HandleFunc("POST "+apiPrefix+"/images/{name}/pull", s.requirePrincipal(s.handleImagePull))
	s.mux.HandleFunc("GET "+apiPrefix+"/ws", s.handleWS)
}

// requirePrincipal rejects any mutating request lacking an authenticated
// principal on the context.
func (s *Server) requirePrincipal(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := PrincipalFromContext(r.Context()); !ok {
			writeSentinelErr(w, unauthorizedErr())
			return
		}
		h(w, r)
	}
}

// Handler returns the Control Surface's routed http.Handler, unwrapped.
// The boundary is expected to wrap this with its own authentication
// middleware that resolves a Principal onto the request context before
// handing requests to it; this package never constructs that middleware
// itself.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe starts the HTTP server on addr, serving the Control
// Surface directly with no boundary authentication in front of it. Real
// deployments should instead build their own *http.Server around
// Handler() wrapped in boundary middleware and call Server.Shutdown for
// graceful drain; this method is a convenience for tests and standalone
// runs.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // the WebSocket stream is long-lived
		IdleTimeout:  120 * time.Second,
	}
	s.deps.Log.Info("control surface listening", "addr", addr)
	return s.server.ListenAndServe()
}

// Serve runs the Control Surface's handler, wrapped by middleware, as its
// own *http.Server on addr, and records the server for Shutdown.
func (s *Server) Serve(addr string, middleware func(http.Handler) http.Handler) error {
	h := s.Handler()
	if middleware != nil {
		h = middleware(h)
	}
	s.server = &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}
	s.deps.Log.Info("control surface listening", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests up to ctx's deadline (default 10s,
// config.DefaultShutdownDrain).
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
