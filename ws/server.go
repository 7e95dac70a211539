package ws

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/gliderwire/framewire"
)

// RateLimitConfig caps how many frames per second one socket may deliver
// before it is treated as abusive and closed. This is raw-frame abuse
// protection at the accept layer, distinct from framewire's own
// throughput-estimator-driven send shaping inside the protocol core.
type RateLimitConfig struct {
	MessagesPerSecond rate.Limit
	Burst             int
	Enabled           bool
}

// DefaultRateLimitConfig allows 100 frames/sec per socket with a burst of 200.
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{MessagesPerSecond: 100, Burst: 200, Enabled: true}
}

// NoRateLimit disables per-socket rate limiting.
func NoRateLimit() *RateLimitConfig {
	return &RateLimitConfig{Enabled: false}
}

// CheckOriginFn validates the origin of an incoming WebSocket upgrade
// request; return true to allow the connection.
type CheckOriginFn = func(r *http.Request) bool

// AllOrigins allows every origin. Development use only.
func AllOrigins() CheckOriginFn {
	return func(*http.Request) bool { return true }
}

// OnConnectFn is called once a connection is accepted and its
// framewire.Connection constructed, before dispatch starts. This is the
// place to register callbacks.
type OnConnectFn = func(conn *framewire.Connection)

// OnDisconnectFn is called once a connection has been force-closed, with
// the force-close reason. Its dispatch loop may still be draining events.
type OnDisconnectFn = func(conn *framewire.Connection, reason string)

// ServerConfig configures a Server.
type ServerConfig struct {
	Addr            string
	RateLimitConfig *RateLimitConfig
	CheckOrigin     CheckOriginFn
	TransportConfig framewire.TransportConfig
	OnConnect       OnConnectFn
	OnDisconnect    OnDisconnectFn
}

// Server upgrades incoming HTTP connections to WebSocket and hands each one
// to a new framewire.Connection, tracked in a registry keyed by a generated
// UUID.
type Server struct {
	addr            string
	server          *http.Server
	connections     sync.Map // map[string]*framewire.Connection
	rateLimitConfig *RateLimitConfig
	transportConfig framewire.TransportConfig

	mu        sync.RWMutex
	running   bool
	upgrader  websocket.Upgrader
	onConnect OnConnectFn
	onClose   OnDisconnectFn
	log       *logrus.Entry
}

// New constructs a Server. If cfg.RateLimitConfig is nil, DefaultRateLimitConfig
// is used.
func New(cfg *ServerConfig) *Server {
	if cfg.RateLimitConfig == nil {
		cfg.RateLimitConfig = DefaultRateLimitConfig()
	}
	return &Server{
		addr:            cfg.Addr,
		rateLimitConfig: cfg.RateLimitConfig,
		transportConfig: cfg.TransportConfig,
		onConnect:       cfg.OnConnect,
		onClose:         cfg.OnDisconnect,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
		log: logrus.StandardLogger().WithField("component", "ws.Server"),
	}
}

// Start begins listening on Addr. It returns once the server is up, or
// immediately with an error if the bind fails.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("ws: server already running")
	}
	s.running = true
	s.mu.Unlock()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	s.server = &http.Server{Addr: s.addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	case <-ctx.Done():
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(stopCtx)
	case <-time.After(100 * time.Millisecond):
		s.log.WithField("addr", s.addr).Info("listening")
		return nil
	}
}

// Stop force-closes every open connection and shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.connections.Range(func(_, value any) bool {
		conn := value.(*framewire.Connection)
		conn.ForceClose("server shutting down", true)
		return true
	})

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// GetConnection looks up a connection by its registry name.
func (s *Server) GetConnection(name string) (*framewire.Connection, bool) {
	v, ok := s.connections.Load(name)
	if !ok {
		return nil, false
	}
	return v.(*framewire.Connection), true
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "failed to upgrade connection", http.StatusBadRequest)
		return
	}

	var limiter *rate.Limiter
	if s.rateLimitConfig.Enabled {
		limiter = rate.NewLimiter(s.rateLimitConfig.MessagesPerSecond, s.rateLimitConfig.Burst)
	}

	name := uuid.NewString()
	socket := NewSocket(conn, r.RemoteAddr, limiter)
	fwConn := framewire.New(socket, s.transportConfig, name, false)
	s.connections.Store(name, fwConn)

	s.log.WithFields(logrus.Fields{"connection": name, "remote_addr": r.RemoteAddr}).Info("accepted")

	if s.onConnect != nil {
		s.onConnect(fwConn)
	}
	fwConn.BeginDispatch()

	go func() {
		reason, _ := fwConn.WaitClose(context.Background())
		s.connections.Delete(name)
		if s.onClose != nil {
			s.onClose(fwConn, reason)
		}
	}()
}
