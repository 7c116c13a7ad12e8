package gateway

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ravkin/sshdeck/internal/config"
	"github.com/ravkin/sshdeck/internal/health"
	"github.com/ravkin/sshdeck/internal/session"
	"github.com/ravkin/sshdeck/internal/sftp"
	"github.com/ravkin/sshdeck/internal/transport"
)

// request is one JSON frame from the UI.
type request struct {
	ID uint64 `json:"id"`
	Op string `json:"op"`

	// connect
	Server   string `json:"server,omitempty"`
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	User     string `json:"user,omitempty"`
	Password string `json:"password,omitempty"`

	// exec / exec_fast
	Command   string `json:"command,omitempty"`
	AsUser    string `json:"as_user,omitempty"` // exec_fast only
	TimeoutMS int    `json:"timeout_ms,omitempty"`

	// terminal ops
	TerminalID string `json:"terminal_id,omitempty"`
	Cols       int    `json:"cols,omitempty"`
	Rows       int    `json:"rows,omitempty"`
	Data       string `json:"data,omitempty"` // base64

	// sftp
	Path string `json:"path,omitempty"`
}

// response answers one request.
type response struct {
	ID    uint64 `json:"id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`

	Output     string         `json:"output,omitempty"`
	ExitCode   *int           `json:"exit_code,omitempty"`
	TerminalID string         `json:"terminal_id,omitempty"`
	Entries    []sftp.Entry   `json:"entries,omitempty"`
	Health     *health.Report `json:"health,omitempty"`
	Closed     int            `json:"closed,omitempty"`
}

// event is a push frame.
type event struct {
	Event      string `json:"event"`
	TerminalID string `json:"terminal_id"`
	Data       string `json:"data,omitempty"` // base64
}

const defaultExecTimeout = 60 * time.Second

// client serves one WebSocket connection.
type client struct {
	ws   *websocket.Conn
	sess Session
	cfg  func() *config.Config
	log  *slog.Logger

	// The websocket allows one concurrent writer; terminal events and
	// responses share this mutex.
	writeMu sync.Mutex
}

func newClient(ws *websocket.Conn, sess Session, cfg func() *config.Config, log *slog.Logger) *client {
	return &client{ws: ws, sess: sess, cfg: cfg, log: log}
}

func (c *client) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(v)
}

func (c *client) run() {
	defer func() {
		c.sess.Close()
		c.ws.Close()
	}()

	for {
		var req request
		if err := c.ws.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("websocket read error", "error", err)
			}
			return
		}
		c.dispatch(req)
	}
}

func (c *client) dispatch(req request) {
	resp := response{ID: req.ID, OK: true}

	var err error
	switch req.Op {
	case "connect":
		err = c.handleConnect(req)
	case "exec":
		err = c.handleExec(req, &resp, false)
	case "exec_fast":
		err = c.handleExec(req, &resp, true)
	case "open_terminal":
		resp.TerminalID, err = c.handleOpenTerminal(req)
	case "input":
		err = c.handleInput(req)
	case "resize":
		err = c.sess.ResizeTerminal(req.TerminalID, req.Cols, req.Rows)
	case "close_terminal":
		err = c.sess.CloseTerminal(req.TerminalID)
	case "close_all":
		resp.Closed = c.sess.CloseAllTerminals()
	case "sftp_list":
		resp.Entries, err = c.sess.ListDir(req.Path)
	case "health":
		report := c.sess.Health()
		resp.Health = &report
	case "disconnect":
		c.sess.Disconnect()
	default:
		err = fmt.Errorf("unknown op %q", req.Op)
	}

	if err != nil {
		resp.OK = false
		resp.Error = err.Error()
	}
	if werr := c.writeJSON(resp); werr != nil {
		c.log.Warn("response write failed", "op", req.Op, "error", werr)
	}
}

// handleConnect resolves the target from the request or config and dials.
func (c *client) handleConnect(req request) error {
	p := transport.Params{
		Host:     req.Host,
		Port:     req.Port,
		User:     req.User,
		Password: req.Password,
	}

	cfg := c.cfg()
	lookup := req.Server
	if lookup == "" {
		lookup = req.Host
	}
	if srv, ok := cfg.FindServer(lookup); ok {
		if p.Host == "" {
			p.Host = srv.Host
		}
		if p.Port == 0 {
			p.Port = srv.Port
		}
		if p.User == "" {
			p.User = srv.User
		}
		p.KeyPath = srv.Auth.KeyPath
		p.KeyPassphrase = srv.Passphrase()
		p.UseAgent = srv.Auth.Type == "agent"
		if p.Password == "" {
			if pw, err := srv.Password(); err == nil {
				p.Password = pw
			}
		}
	}

	p.DialTimeout = cfg.Connection.DialTimeout
	p.KeepaliveInterval = cfg.Connection.KeepaliveInterval
	p.KnownHostsPath = cfg.Connection.KnownHostsPath
	p.InsecureHostKey = cfg.Connection.InsecureHostKey

	if p.Host == "" {
		return fmt.Errorf("no host given and %q not found in config", lookup)
	}
	return c.sess.Connect(p)
}

func (c *client) handleExec(req request, resp *response, fast bool) error {
	timeout := defaultExecTimeout
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var res transport.ExecResult
	var err error
	switch {
	case fast && req.AsUser != "":
		res, err = c.sess.ExecuteFastPathAs(ctx, req.AsUser, req.Command)
	case fast:
		res, err = c.sess.ExecuteFastPath(ctx, req.Command)
	default:
		res, err = c.sess.Execute(ctx, req.Command)
	}
	if err != nil {
		return err
	}
	resp.Output = string(res.Output)
	resp.ExitCode = res.ExitCode
	return nil
}

// handleOpenTerminal opens a terminal, minting an id when the client did
// not pick one, and returns the id in use.
func (c *client) handleOpenTerminal(req request) (string, error) {
	id := req.TerminalID
	if id == "" {
		id = uuid.NewString()
	}
	sub := session.Subscriber{
		OnData: func(id string, data []byte) {
			ev := event{
				Event:      "terminal_data",
				TerminalID: id,
				Data:       base64.StdEncoding.EncodeToString(data),
			}
			if err := c.writeJSON(ev); err != nil {
				c.log.Debug("terminal data push failed", "terminal_id", id, "error", err)
			}
		},
		OnClosed: func(id string) {
			if err := c.writeJSON(event{Event: "terminal_closed", TerminalID: id}); err != nil {
				c.log.Debug("terminal closed push failed", "terminal_id", id, "error", err)
			}
		},
	}
	if err := c.sess.OpenTerminal(id, req.Cols, req.Rows, sub); err != nil {
		return "", err
	}
	return id, nil
}

func (c *client) handleInput(req request) error {
	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		return fmt.Errorf("decode input: %w", err)
	}
	return c.sess.SendTerminalInput(req.TerminalID, data)
}
