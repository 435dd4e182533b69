package ipc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/segun-io/ada/internal/apperr"
	"github.com/segun-io/ada/internal/eventbus"
	"github.com/segun-io/ada/internal/runtimeconfig"
	"github.com/segun-io/ada/internal/sessionmgr"
)

// maxLineBytes bounds a single wire message; a client sending more than
// this without a newline is misbehaving and gets disconnected rather than
// allowed to grow the server's read buffer unbounded.
const maxLineBytes = 16 * 1024 * 1024

// Server is the daemon's control-plane listener: one connection per
// client, each multiplexing request/response traffic with the client's
// event bus subscription over the same socket.
type Server struct {
	mgr       *sessionmgr.Manager
	bus       *eventbus.Bus
	cfg       *runtimeconfig.Config
	logger    *slog.Logger
	startedAt time.Time
	version   string

	onShutdown func()

	listener  net.Listener
	wg        sync.WaitGroup
	closed    chan struct{}
	closeOnce sync.Once

	connMu sync.Mutex
	conns  map[net.Conn]struct{}
}

// New constructs a Server. onShutdown is invoked on its own goroutine 50ms
// after a shutdown request is dispatched, leaving time for the "ok"
// response to be written, to actually stop the daemon process.
func New(mgr *sessionmgr.Manager, bus *eventbus.Bus, cfg *runtimeconfig.Config, version string, logger *slog.Logger, onShutdown func()) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		mgr:        mgr,
		bus:        bus,
		cfg:        cfg,
		logger:     logger,
		startedAt:  time.Now(),
		version:    version,
		onShutdown: onShutdown,
		closed:     make(chan struct{}),
		conns:      make(map[net.Conn]struct{}),
	}
}

// Start binds 127.0.0.1:0 and begins accepting connections in the
// background, returning the assigned port.
func (s *Server) Start() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("bind ipc listener: %w", err)
	}
	s.listener = ln

	go s.acceptLoop()

	port := ln.Addr().(*net.TCPAddr).Port
	s.logger.Info("ipc server listening", "port", port)
	return port, nil
}

// Close stops accepting new connections, disconnects every live client,
// and waits for in-flight connection handlers to finish. Safe to call more
// than once.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.listener != nil {
			err = s.listener.Close()
		}

		s.connMu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.connMu.Unlock()
	})
	s.wg.Wait()
	return err
}

// PublishDiscovery writes <data_dir>/daemon/port and <data_dir>/daemon/pid,
// the sole mechanism out-of-process clients use to find a running daemon.
// Both are written atomically; a companion process is responsible for
// cleaning up stale files.
func PublishDiscovery(dataDir string, port int) error {
	daemonDir := filepath.Join(dataDir, "daemon")
	if err := os.MkdirAll(daemonDir, 0o755); err != nil {
		return fmt.Errorf("create daemon dir: %w", err)
	}
	if err := atomicWriteFile(filepath.Join(daemonDir, "port"), strconv.Itoa(port)); err != nil {
		return fmt.Errorf("write port file: %w", err)
	}
	if err := atomicWriteFile(filepath.Join(daemonDir, "pid"), strconv.Itoa(os.Getpid())); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

func atomicWriteFile(path, content string) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
				s.logger.Warn("ipc accept error", "error", err)
				return
			}
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// connWriter serializes writes to a client connection between the
// request/response loop and the event-forwarding goroutine, which share
// the same underlying socket.
type connWriter struct {
	mu   sync.Mutex
	conn net.Conn
	enc  *json.Encoder
}

func (w *connWriter) writeMessage(msg Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(msg)
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	s.connMu.Lock()
	s.conns[conn] = struct{}{}
	s.connMu.Unlock()
	defer func() {
		s.connMu.Lock()
		delete(s.conns, conn)
		s.connMu.Unlock()
	}()

	writer := &connWriter{conn: conn, enc: json.NewEncoder(conn)}

	sub := s.bus.Subscribe()
	defer sub.Unsubscribe()

	done := make(chan struct{})
	go s.forwardEvents(sub, writer, done)
	defer close(done)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			s.logger.Warn("ipc: malformed message", "error", err)
			continue
		}
		if msg.Type != MessageRequest || msg.Request == nil {
			continue
		}

		resp := s.dispatch(msg.Request)
		if writeErr := writer.writeMessage(Message{Type: MessageResponse, ID: msg.ID, Response: &resp}); writeErr != nil {
			s.logger.Warn("ipc: failed to write response", "error", writeErr)
			return
		}
	}
}

// forwardEvents relays every bus event to the client until either the bus
// subscription or the connection's request loop ends.
func (s *Server) forwardEvents(sub *eventbus.Subscription, writer *connWriter, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			wireEvent, ok := translateEvent(ev)
			if !ok {
				continue
			}
			if err := writer.writeMessage(Message{Type: MessageEvent, Event: &wireEvent}); err != nil {
				return
			}
		}
	}
}

func translateEvent(ev eventbus.Event) (Event, bool) {
	switch ev.Type {
	case eventbus.EventTerminalOutput:
		if ev.TerminalOutput == nil {
			return Event{}, false
		}
		return Event{Type: EvtTerminalOutput, TerminalID: ev.TerminalOutput.TerminalID, Data: ev.TerminalOutput.Data}, true
	case eventbus.EventTerminalStatus:
		if ev.TerminalStatus == nil {
			return Event{}, false
		}
		return Event{Type: EvtTerminalStatus, TerminalID: ev.TerminalStatus.TerminalID, ProjectID: ev.TerminalStatus.ProjectID, Status: ev.TerminalStatus.Status}, true
	case eventbus.EventAgentStatus:
		if ev.AgentStatus == nil {
			return Event{}, false
		}
		return Event{Type: EvtAgentStatus, TerminalID: ev.AgentStatus.TerminalID, Status: ev.AgentStatus.Status}, true
	case eventbus.EventHookEvent:
		if ev.HookEvent == nil {
			return Event{}, false
		}
		return Event{
			Type:       EvtHookEvent,
			TerminalID: ev.HookEvent.TerminalID,
			ProjectID:  ev.HookEvent.ProjectID,
			Agent:      ev.HookEvent.Agent,
			Event:      ev.HookEvent.Event,
			Payload:    ev.HookEvent.Payload,
		}, true
	default:
		return Event{}, false
	}
}

func errorResponse(err error) Response {
	return Response{Type: RespError, Message: fmt.Sprintf("%s: %s", apperr.KindOf(err), err.Error())}
}

func (s *Server) dispatch(req *Request) Response {
	switch req.Type {
	case ReqPing:
		return Response{Type: RespPong}

	case ReqStatus:
		return Response{
			Type:         RespDaemonStatus,
			PID:          os.Getpid(),
			Port:         s.cfg.DaemonPort,
			UptimeSecs:   int64(time.Since(s.startedAt).Seconds()),
			SessionCount: len(s.mgr.ListSessions()),
			Version:      s.version,
		}

	case ReqListSessions:
		sessions := s.mgr.ListSessions()
		out := make([]TerminalInfo, 0, len(sessions))
		for _, t := range sessions {
			out = append(out, toWireTerminal(t))
		}
		return Response{Type: RespSessions, Sessions: out}

	case ReqGetSession:
		t, err := s.mgr.GetSession(req.TerminalID)
		if err != nil {
			return errorResponse(err)
		}
		info := toWireTerminal(t)
		return Response{Type: RespSession, Session: &info}

	case ReqCreateSession:
		if req.Request == nil {
			return errorResponse(apperr.InvalidRequest("missing create_session request body"))
		}
		t, err := s.mgr.CreateSession(fromWireCreateRequest(*req.Request))
		if err != nil {
			return errorResponse(err)
		}
		info := toWireTerminal(t)
		return Response{Type: RespSession, Session: &info}

	case ReqMarkSessionStopped:
		status, err := s.mgr.MarkSessionStopped(req.TerminalID)
		if err != nil {
			return errorResponse(err)
		}
		return Response{Type: RespTerminalStatusResponse, TerminalID: req.TerminalID, Status: string(status)}

	case ReqCloseSession:
		if err := s.mgr.CloseSession(req.TerminalID); err != nil {
			return errorResponse(err)
		}
		return Response{Type: RespOk}

	case ReqWriteToSession:
		if err := s.mgr.WriteToSession(req.TerminalID, []byte(req.Data)); err != nil {
			return errorResponse(err)
		}
		return Response{Type: RespOk}

	case ReqResizeSession:
		if err := s.mgr.ResizeSession(req.TerminalID, req.Cols, req.Rows); err != nil {
			return errorResponse(err)
		}
		return Response{Type: RespOk}

	case ReqRestartSession:
		t, err := s.mgr.RestartSession(req.TerminalID)
		if err != nil {
			return errorResponse(err)
		}
		info := toWireTerminal(t)
		return Response{Type: RespSession, Session: &info}

	case ReqSwitchSessionAgent:
		if req.Command == nil {
			return errorResponse(apperr.InvalidRequest("missing command"))
		}
		t, err := s.mgr.SwitchSessionAgent(req.TerminalID, req.ClientID, *req.Command)
		if err != nil {
			return errorResponse(err)
		}
		info := toWireTerminal(t)
		return Response{Type: RespSession, Session: &info}

	case ReqGetHistory:
		scrollback, err := s.mgr.GetHistory(req.TerminalID)
		if err != nil {
			return errorResponse(err)
		}
		history := []string{}
		if scrollback != "" {
			history = []string{scrollback}
		}
		return Response{Type: RespHistory, TerminalID: req.TerminalID, History: history}

	case ReqGetRuntimeConfig:
		var override *string
		if o := s.cfg.ShellOverride(); o != "" {
			override = &o
		}
		return Response{Type: RespRuntimeConfig, Config: &RuntimeConfig{
			AdaHome:          s.cfg.AdaHome,
			DataDir:          s.cfg.DataDir,
			DaemonPort:       s.cfg.DaemonPort,
			NotificationPort: s.cfg.NotificationPort,
			ShellOverride:    override,
		}}

	case ReqSetShellOverride:
		shell := ""
		if req.Shell != nil {
			shell = *req.Shell
		}
		if err := s.cfg.SetShellOverride(shell); err != nil {
			return errorResponse(apperr.IO(err))
		}
		s.mgr.SetShellOverride(shell)
		return Response{Type: RespOk}

	case ReqShutdown:
		// The delay lets the ok response flush before the process exits;
		// the daemon must be gone within 100ms of answering.
		if s.onShutdown != nil {
			go func() {
				time.Sleep(50 * time.Millisecond)
				s.onShutdown()
			}()
		}
		return Response{Type: RespOk}

	default:
		return errorResponse(apperr.InvalidRequest(fmt.Sprintf("unknown request type: %s", req.Type)))
	}
}

func toWireTerminal(t sessionmgr.Terminal) TerminalInfo {
	return TerminalInfo{
		ID:           t.ID,
		ProjectID:    t.ProjectID,
		Name:         t.Name,
		ClientID:     t.ClientID,
		WorkingDir:   t.WorkingDir,
		Branch:       t.Branch,
		WorktreePath: t.WorktreePath,
		FolderPath:   t.FolderPath,
		IsMain:       t.IsMain,
		Mode:         t.Mode,
		Command:      t.Command,
		Shell:        t.Shell,
		Cols:         t.Cols,
		Rows:         t.Rows,
		Status:       string(t.Status),
		AgentStatus:  string(t.AgentStatus),
		CreatedAt:    t.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func fromWireCreateRequest(r CreateSessionRequest) sessionmgr.CreateRequest {
	return sessionmgr.CreateRequest{
		ID:           r.TerminalID,
		ProjectID:    r.ProjectID,
		Name:         r.Name,
		ClientID:     r.ClientID,
		WorkingDir:   r.WorkingDir,
		Branch:       r.Branch,
		WorktreePath: r.WorktreePath,
		FolderPath:   r.FolderPath,
		IsMain:       r.IsMain,
		Mode:         r.Mode,
		Command:      r.Command,
		Cols:         r.Cols,
		Rows:         r.Rows,
	}
}
