// Package gateway exposes the session engine over a WebSocket endpoint.
// Each connected UI client gets its own session manager; requests arrive as
// JSON frames and terminal output is pushed as events.
package gateway

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/ravkin/sshdeck/internal/config"
	"github.com/ravkin/sshdeck/internal/flowcontrol"
	"github.com/ravkin/sshdeck/internal/health"
	"github.com/ravkin/sshdeck/internal/session"
	"github.com/ravkin/sshdeck/internal/sftp"
	"github.com/ravkin/sshdeck/internal/transport"
	"github.com/ravkin/sshdeck/internal/worker"
)

// Session is the slice of the session manager the gateway drives.
type Session interface {
	Connect(p transport.Params) error
	Execute(ctx context.Context, cmd string) (transport.ExecResult, error)
	ExecuteFastPath(ctx context.Context, cmd string) (transport.ExecResult, error)
	ExecuteFastPathAs(ctx context.Context, user, cmd string) (transport.ExecResult, error)
	OpenTerminal(id string, cols, rows int, sub session.Subscriber) error
	SendTerminalInput(id string, data []byte) error
	ResizeTerminal(id string, cols, rows int) error
	CloseTerminal(id string) error
	CloseAllTerminals() int
	ListDir(path string) ([]sftp.Entry, error)
	Health() health.Report
	Disconnect()
	Close() error
}

// Server upgrades HTTP requests and runs one client loop per socket.
type Server struct {
	cfg        func() *config.Config
	newSession func() Session
	upgrader   websocket.Upgrader
	log        *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithSessionFactory overrides session construction (for tests).
func WithSessionFactory(fn func() Session) Option {
	return func(s *Server) { s.newSession = fn }
}

// NewServer creates a gateway. cfg is called per request so config reloads
// take effect without a restart.
func NewServer(cfg func() *config.Config, opts ...Option) *Server {
	s := &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// The daemon binds to loopback; origin enforcement belongs
				// to whatever fronts it when exposed further.
				return true
			},
		},
		log: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.newSession == nil {
		s.newSession = func() Session {
			c := s.cfg()
			return session.NewManager(session.Options{
				FlowControl: flowControlConfig(c),
				Worker:      workerConfig(c),
				Health:      healthThresholds(c),
			})
		}
	}
	return s
}

// Handler returns the HTTP handler serving the WebSocket endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	return mux
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", "error", err)
		return
	}

	client := newClient(ws, s.newSession(), s.cfg, s.log)
	client.run()
}

func flowControlConfig(c *config.Config) flowcontrol.Config {
	return flowcontrol.Config{
		WindowSize:      c.FlowControl.WindowSize,
		MaxQueueLen:     c.FlowControl.MaxQueueLen,
		MaxRetries:      c.FlowControl.MaxRetries,
		StaleAfter:      c.FlowControl.StaleAfter,
		WriteBatchBytes: c.FlowControl.WriteBatchBytes,
		MaxBackoff:      c.FlowControl.MaxBackoff,
	}
}

func workerConfig(c *config.Config) worker.Config {
	return worker.Config{
		StopTimeout:   c.Worker.StopTimeout,
		StaleAfter:    c.Worker.StaleAfter,
		SweepInterval: c.Worker.SweepInterval,
	}
}

func healthThresholds(c *config.Config) health.Thresholds {
	return health.Thresholds{
		FailureRate: c.Health.FailureRate,
		IdleAfter:   c.Health.IdleAfter,
		RingSize:    c.Health.RingSize,
	}
}
