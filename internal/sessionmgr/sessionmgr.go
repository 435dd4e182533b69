// Package sessionmgr is the session registry: it owns the in-memory map of
// every live and recently-ended terminal, spawns and tears down the PTY
// behind each one, and is the single place that turns a session lifecycle
// transition into a persisted meta.json update and an event bus publish.
//
// Every public method that touches both the registry and the filesystem or
// a PTY follows the same short-lock idiom: clone what's needed under the
// registry lock, release the lock, then do the blocking work. Holding the
// registry lock across I/O would stall every other session's operations.
package sessionmgr

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/segun-io/ada/internal/apperr"
	"github.com/segun-io/ada/internal/envshape"
	"github.com/segun-io/ada/internal/eventbus"
	"github.com/segun-io/ada/internal/persistence"
	"github.com/segun-io/ada/internal/ptyproc"
)

// Status is a session's lifecycle state.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
)

// AgentStatus is the uniform agent-activity state mirrored from hook
// callbacks; it is independent of Status, which tracks the PTY itself.
type AgentStatus string

const (
	AgentIdle       AgentStatus = "idle"
	AgentWorking    AgentStatus = "working"
	AgentPermission AgentStatus = "permission"
)

// Terminal is the full in-memory record for one session: the durable
// fields persistence.Meta also carries, plus the runtime-only status
// fields that are never written to disk.
type Terminal struct {
	ID           string
	ProjectID    string
	Name         string
	ClientID     string
	WorkingDir   string
	Branch       *string
	WorktreePath *string
	FolderPath   *string
	IsMain       bool
	Mode         persistence.Mode
	Command      persistence.CommandSpec
	Shell        *string
	Cols         uint16
	Rows         uint16
	Status       Status
	AgentStatus  AgentStatus
	CreatedAt    time.Time
}

// CreateRequest is the caller-supplied shape for CreateSession.
type CreateRequest struct {
	ID           string
	ProjectID    string
	Name         string
	ClientID     string
	WorkingDir   string
	Branch       *string
	WorktreePath *string
	FolderPath   *string
	IsMain       bool
	Mode         persistence.Mode
	Command      persistence.CommandSpec
	Cols         uint16
	Rows         uint16
}

// entry is the registry's internal bookkeeping for one session. pty is nil
// for a session that is Stopped.
type entry struct {
	terminal    Terminal
	pty         *ptyproc.Handle
	persistence *persistence.Persistence
}

// Manager is the session registry. Construct with New.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*entry

	sessionsDir      string
	wrapperDir       string
	adaBinDir        string
	adaHome          string
	notificationPort int
	bus              *eventbus.Bus
	logger           *slog.Logger

	shellMu       sync.RWMutex
	shellOverride string
}

// New constructs a Manager rooted at dataDir/sessions, materializes the
// shell and agent wrappers under adaHome, and recovers any sessions left on
// disk from a previous daemon run.
func New(dataDir, adaHome string, bus *eventbus.Bus, notificationPort int, shellOverride string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}

	sessionsDir := filepath.Join(dataDir, "sessions")
	if err := os.MkdirAll(sessionsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}

	wrapperDir, err := envshape.SetupShellWrappers(adaHome)
	if err != nil {
		return nil, fmt.Errorf("set up shell wrappers: %w", err)
	}

	m := &Manager{
		sessions:         make(map[string]*entry),
		sessionsDir:      sessionsDir,
		wrapperDir:       wrapperDir,
		adaBinDir:        filepath.Join(adaHome, "bin"),
		adaHome:          adaHome,
		notificationPort: notificationPort,
		bus:              bus,
		logger:           logger,
		shellOverride:    shellOverride,
	}

	if _, err := envshape.SetupAgentWrappers(adaHome, logger); err != nil {
		logger.Warn("failed to set up agent wrappers", "error", err)
	}

	m.loadFromDisk()
	return m, nil
}

func (m *Manager) shell() string {
	m.shellMu.RLock()
	defer m.shellMu.RUnlock()
	return m.shellOverride
}

// SetShellOverride updates the shell new PTYs are spawned under; it does
// not affect sessions already running.
func (m *Manager) SetShellOverride(shell string) {
	m.shellMu.Lock()
	defer m.shellMu.Unlock()
	m.shellOverride = shell
}

// ListSessions returns a snapshot of every session's current Terminal
// record, in no particular order.
func (m *Manager) ListSessions() []Terminal {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Terminal, 0, len(m.sessions))
	for _, e := range m.sessions {
		out = append(out, e.terminal)
	}
	return out
}

// GetSession returns one session's current Terminal record.
func (m *Manager) GetSession(terminalID string) (Terminal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.sessions[terminalID]
	if !ok {
		return Terminal{}, apperr.TerminalNotFound(terminalID)
	}
	return e.terminal, nil
}

// CreateSession validates the request, spawns a PTY, and registers the new
// session. A duplicate id is rejected with invalid_request rather than
// overwriting the existing session.
func (m *Manager) CreateSession(req CreateRequest) (Terminal, error) {
	if _, err := os.Stat(req.WorkingDir); err != nil {
		return Terminal{}, apperr.InvalidRequest(fmt.Sprintf("working directory does not exist: %s", req.WorkingDir))
	}

	if req.Cols == 0 {
		req.Cols = ptyproc.DefaultCols
	}
	if req.Rows == 0 {
		req.Rows = ptyproc.DefaultRows
	}

	terminal := Terminal{
		ID:           req.ID,
		ProjectID:    req.ProjectID,
		Name:         req.Name,
		ClientID:     req.ClientID,
		WorkingDir:   req.WorkingDir,
		Branch:       req.Branch,
		WorktreePath: req.WorktreePath,
		FolderPath:   req.FolderPath,
		IsMain:       req.IsMain,
		Mode:         req.Mode,
		Command:      req.Command,
		Cols:         req.Cols,
		Rows:         req.Rows,
		Status:       StatusStarting,
		AgentStatus:  AgentIdle,
		CreatedAt:    time.Now().UTC(),
	}

	// Reserve the id under the write lock before any filesystem or PTY
	// work; two racing creates for the same id linearize here and exactly
	// one survives.
	m.mu.Lock()
	if _, exists := m.sessions[req.ID]; exists {
		m.mu.Unlock()
		return Terminal{}, apperr.InvalidRequest(fmt.Sprintf("session already exists: %s", req.ID))
	}
	m.sessions[req.ID] = &entry{terminal: terminal}
	m.mu.Unlock()

	persist, err := persistence.New(m.sessionsDir, buildMeta(terminal))
	if err != nil {
		m.mu.Lock()
		delete(m.sessions, req.ID)
		m.mu.Unlock()
		return Terminal{}, err
	}

	pty, err := m.spawnPTY(&terminal, persist)
	if err != nil {
		persist.Close()
		m.mu.Lock()
		delete(m.sessions, req.ID)
		m.mu.Unlock()
		_ = os.RemoveAll(filepath.Join(m.sessionsDir, req.ID))
		return Terminal{}, err
	}
	terminal.Status = StatusRunning

	m.mu.Lock()
	m.sessions[req.ID] = &entry{
		terminal:    terminal,
		pty:         pty,
		persistence: persist,
	}
	m.mu.Unlock()

	m.emitStatus(terminal)
	return terminal, nil
}

// WriteToSession forwards data to the session's PTY. The entry's PTY
// handle is cloned under a short read lock so concurrent writes to other
// sessions are never blocked by this one's I/O.
func (m *Manager) WriteToSession(terminalID string, data []byte) error {
	pty, err := m.livePTY(terminalID)
	if err != nil {
		return err
	}
	_, err = pty.Write(data)
	return err
}

// ResizeSession changes a running session's PTY dimensions and persists
// the new size.
func (m *Manager) ResizeSession(terminalID string, cols, rows uint16) error {
	m.mu.RLock()
	e, ok := m.sessions[terminalID]
	if !ok {
		m.mu.RUnlock()
		return apperr.TerminalNotFound(terminalID)
	}
	pty := e.pty
	persist := e.persistence
	m.mu.RUnlock()

	if pty == nil {
		return apperr.New(apperr.KindTerminalError, "terminal PTY is not running")
	}
	if err := pty.Resize(cols, rows); err != nil {
		return apperr.IO(err)
	}

	m.mu.Lock()
	if e, ok := m.sessions[terminalID]; ok {
		e.terminal.Cols, e.terminal.Rows = cols, rows
	}
	m.mu.Unlock()

	if persist != nil {
		return persist.UpdateDimensions(cols, rows)
	}
	return nil
}

func (m *Manager) livePTY(terminalID string) (*ptyproc.Handle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.sessions[terminalID]
	if !ok {
		return nil, apperr.TerminalNotFound(terminalID)
	}
	if e.pty == nil {
		return nil, apperr.New(apperr.KindTerminalError, "terminal PTY is not running")
	}
	return e.pty, nil
}

// CloseSession permanently tears down a session: it signals the reader
// goroutine to stop, marks persistence ended, removes the on-disk
// directory, then emits the final stopped status. A main session is
// refused — it can only be marked stopped or restarted. The directory is
// removed before the final status event, so a client reacting to
// "stopped" by re-fetching history may already find it gone; that narrow
// race is accepted rather than leaving the directory behind.
func (m *Manager) CloseSession(terminalID string) error {
	m.mu.Lock()
	e, ok := m.sessions[terminalID]
	if !ok {
		m.mu.Unlock()
		return apperr.TerminalNotFound(terminalID)
	}
	if e.terminal.IsMain {
		m.mu.Unlock()
		return apperr.InvalidRequest("Cannot close the main terminal")
	}
	delete(m.sessions, terminalID)
	m.mu.Unlock()

	if e.pty != nil {
		e.pty.Shutdown()
	}
	if e.persistence != nil {
		_ = e.persistence.MarkEnded()
		_ = e.persistence.Close()
	}

	_ = os.RemoveAll(filepath.Join(m.sessionsDir, terminalID))

	e.terminal.Status = StatusStopped
	m.emitStatus(e.terminal)
	return nil
}

// MarkSessionStopped transitions a session to Stopped without removing its
// on-disk directory, used when a client reports its own PTY already
// exited. It is idempotent: calling it on an already-stopped session is a
// no-op that returns the current status rather than an error, matching the
// reader goroutine's own stopped transition (exactly one of the two wins;
// the other observes the same terminal state).
func (m *Manager) MarkSessionStopped(terminalID string) (Status, error) {
	m.mu.Lock()
	e, ok := m.sessions[terminalID]
	if !ok {
		m.mu.Unlock()
		return "", apperr.TerminalNotFound(terminalID)
	}
	if e.terminal.Status == StatusStopped {
		m.mu.Unlock()
		return StatusStopped, nil
	}

	pty := e.pty
	e.pty = nil
	e.terminal.Status = StatusStopped
	persist := e.persistence
	terminal := e.terminal
	m.mu.Unlock()

	if persist != nil {
		_ = persist.MarkEnded()
	}

	go func() {
		if pty != nil {
			pty.Shutdown()
		}
		m.emitStatus(terminal)
	}()
	return StatusStopped, nil
}

// UpdateAgentStatus mirrors a hook-derived agent status into the session's
// in-memory record. Unknown terminal ids are silently ignored — a hook
// firing for a session that already closed is not an error.
func (m *Manager) UpdateAgentStatus(terminalID string, status AgentStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[terminalID]; ok {
		e.terminal.AgentStatus = status
	}
}

// RestartSession tears down the current PTY (if any) and spawns a fresh one
// with the same identity, command, and working directory, resetting
// scrollback. The terminal id, project, client, and command are preserved.
func (m *Manager) RestartSession(terminalID string) (Terminal, error) {
	m.mu.Lock()
	e, ok := m.sessions[terminalID]
	if !ok {
		m.mu.Unlock()
		return Terminal{}, apperr.TerminalNotFound(terminalID)
	}

	oldPTY := e.pty
	e.pty = nil
	e.terminal.Status = StatusStarting
	e.terminal.CreatedAt = time.Now().UTC()
	persist := e.persistence
	terminal := e.terminal
	m.mu.Unlock()

	if oldPTY != nil {
		oldPTY.Shutdown()
	}

	if persist != nil {
		if err := persist.Reset(buildMeta(terminal)); err != nil {
			return Terminal{}, err
		}
	}

	pty, err := m.spawnPTY(&terminal, persist)
	if err != nil {
		return Terminal{}, err
	}
	terminal.Status = StatusRunning

	m.mu.Lock()
	if e, ok := m.sessions[terminalID]; ok {
		e.terminal = terminal
		e.pty = pty
	}
	m.mu.Unlock()

	m.emitStatus(terminal)
	return terminal, nil
}

// SwitchSessionAgent restarts the session under a new client/command pair
// — used when the user picks a different coding agent for an existing
// terminal slot rather than opening a new one.
func (m *Manager) SwitchSessionAgent(terminalID, clientID string, command persistence.CommandSpec) (Terminal, error) {
	m.mu.Lock()
	e, ok := m.sessions[terminalID]
	if !ok {
		m.mu.Unlock()
		return Terminal{}, apperr.TerminalNotFound(terminalID)
	}

	oldPTY := e.pty
	e.pty = nil
	e.terminal.ClientID = clientID
	e.terminal.Command = command
	e.terminal.Status = StatusStarting
	e.terminal.CreatedAt = time.Now().UTC()
	persist := e.persistence
	terminal := e.terminal
	m.mu.Unlock()

	if oldPTY != nil {
		oldPTY.Shutdown()
	}

	if persist != nil {
		if err := persist.Reset(buildMeta(terminal)); err != nil {
			return Terminal{}, err
		}
	}

	pty, err := m.spawnPTY(&terminal, persist)
	if err != nil {
		return Terminal{}, err
	}
	terminal.Status = StatusRunning
	terminal.AgentStatus = AgentIdle

	m.mu.Lock()
	if e, ok := m.sessions[terminalID]; ok {
		e.terminal = terminal
		e.pty = pty
	}
	m.mu.Unlock()

	m.emitStatus(terminal)
	return terminal, nil
}

// GetHistory returns the session's scrollback as a single chunk, empty if
// none has been written yet.
func (m *Manager) GetHistory(terminalID string) (string, error) {
	m.mu.RLock()
	e, ok := m.sessions[terminalID]
	m.mu.RUnlock()
	if !ok {
		return "", apperr.TerminalNotFound(terminalID)
	}
	if e.persistence == nil {
		return "", nil
	}
	return persistence.ReadScrollback(e.persistence.SessionDir()), nil
}

func buildMeta(terminal Terminal) persistence.Meta {
	return persistence.Meta{
		TerminalID:   terminal.ID,
		ProjectID:    terminal.ProjectID,
		Name:         terminal.Name,
		ClientID:     terminal.ClientID,
		WorkingDir:   terminal.WorkingDir,
		Branch:       terminal.Branch,
		WorktreePath: terminal.WorktreePath,
		FolderPath:   terminal.FolderPath,
		IsMain:       terminal.IsMain,
		Mode:         terminal.Mode,
		Command:      terminal.Command,
		Shell:        terminal.Shell,
		Cols:         terminal.Cols,
		Rows:         terminal.Rows,
		CreatedAt:    terminal.CreatedAt,
		LastActivity: terminal.CreatedAt,
	}
}

// spawnPTY detects the active shell, builds the filtered environment, and
// starts the PTY, wiring its reader callback to persistence and the event
// bus. It fills in terminal.Shell with the resolved shell path as a side
// effect.
func (m *Manager) spawnPTY(terminal *Terminal, persist *persistence.Persistence) (*ptyproc.Handle, error) {
	// The settings file the Claude wrapper injects must exist before the
	// agent can start; a user may have deleted it since daemon boot.
	if err := envshape.EnsureClaudeSettings(m.adaHome); err != nil {
		m.logger.Warn("failed to ensure Claude settings", "error", err)
	}

	shell := ptyproc.DetectShell(m.shell())
	shellPath := shell.Path
	terminal.Shell = &shellPath

	env := envshape.BuildTerminalEnv(envshape.TerminalEnvParams{
		Shell:            shell,
		WrapperDir:       m.wrapperDir,
		AdaHome:          m.adaHome,
		AdaBinDir:        m.adaBinDir,
		TerminalID:       terminal.ID,
		ProjectID:        terminal.ProjectID,
		NotificationPort: m.notificationPort,
	})

	cfg := ptyproc.SpawnConfig{
		ID:         terminal.ID,
		Shell:      shell,
		BashRCFile: filepath.Join(m.wrapperDir, "bash", ".bashrc"),
		Command:    ptyproc.CommandSpec{Command: terminal.Command.Command, Args: terminal.Command.Args, Env: terminal.Command.Env},
		Dir:        terminal.WorkingDir,
		Env:        env,
		Cols:       terminal.Cols,
		Rows:       terminal.Rows,
	}

	return ptyproc.Spawn(cfg, m.logger, func(id string, data []byte) {
		m.onOutput(id, data, persist)
	}, func(id string, _ error) {
		m.onExit(id)
	})
}

// onOutput is the reader callback: persist first, then fan out. A
// persistence failure is logged, not fatal — the bus event still carries
// the bytes to any live client.
func (m *Manager) onOutput(terminalID string, data []byte, persist *persistence.Persistence) {
	if persist != nil {
		if err := persist.WriteOutput(data); err != nil {
			m.logger.Warn("failed to persist terminal output", "terminal_id", terminalID, "error", err)
		}
	}
	m.bus.Publish(eventbus.Event{
		Type: eventbus.EventTerminalOutput,
		TerminalOutput: &eventbus.TerminalOutput{
			TerminalID: terminalID,
			Data:       string(data),
		},
	})
}

// onExit runs once the reader goroutine has ended on its own (EOF or a
// read error); it is never invoked for a shutdown the manager itself
// initiated via CloseSession; that path emits its own final status. It
// shares the stopped transition's idempotence with MarkSessionStopped:
// whichever of the two observes the session first wins, the other is a
// no-op.
func (m *Manager) onExit(terminalID string) {
	m.mu.Lock()
	e, ok := m.sessions[terminalID]
	if !ok || e.terminal.Status == StatusStopped {
		m.mu.Unlock()
		return
	}
	e.pty = nil
	e.terminal.Status = StatusStopped
	if e.persistence != nil {
		_ = e.persistence.MarkEnded()
	}
	terminal := e.terminal
	m.mu.Unlock()

	m.emitStatus(terminal)
}

func (m *Manager) emitStatus(terminal Terminal) {
	m.bus.Publish(eventbus.Event{
		Type: eventbus.EventTerminalStatus,
		TerminalStatus: &eventbus.TerminalStatus{
			TerminalID: terminal.ID,
			ProjectID:  terminal.ProjectID,
			Status:     string(terminal.Status),
		},
	})
}

// loadFromDisk recovers every session directory under sessionsDir on
// daemon start. A session whose meta has no EndedAt is assumed to have
// been running when the daemon last stopped and its PTY is respawned; one
// that failed to restart (or was already marked ended) is recovered
// Stopped, preserving its scrollback for later GetHistory calls.
func (m *Manager) loadFromDisk() {
	dirEntries, err := os.ReadDir(m.sessionsDir)
	if err != nil {
		return
	}

	for _, de := range dirEntries {
		if !de.IsDir() {
			continue
		}
		sessionDir := filepath.Join(m.sessionsDir, de.Name())
		meta, ok := persistence.LoadMeta(sessionDir)
		if !ok {
			m.logger.Warn("skipping session with missing or corrupt meta.json", "dir", sessionDir)
			continue
		}

		terminal := Terminal{
			ID:           meta.TerminalID,
			ProjectID:    meta.ProjectID,
			Name:         meta.Name,
			ClientID:     meta.ClientID,
			WorkingDir:   meta.WorkingDir,
			Branch:       meta.Branch,
			WorktreePath: meta.WorktreePath,
			FolderPath:   meta.FolderPath,
			IsMain:       meta.IsMain,
			Mode:         meta.Mode,
			Command:      meta.Command,
			Shell:        meta.Shell,
			Cols:         meta.Cols,
			Rows:         meta.Rows,
			Status:       StatusStopped,
			AgentStatus:  AgentIdle,
			CreatedAt:    meta.CreatedAt,
		}

		persist, err := persistence.OpenExisting(m.sessionsDir, meta)
		if err != nil {
			m.logger.Warn("failed to reopen session from disk", "terminal_id", meta.TerminalID, "error", err)
			continue
		}

		var pty *ptyproc.Handle
		if meta.EndedAt == nil {
			p, err := m.spawnPTY(&terminal, persist)
			if err != nil {
				m.logger.Warn("failed to restart session from disk", "terminal_id", meta.TerminalID, "error", err)
			} else {
				pty = p
				terminal.Status = StatusRunning
			}
		}

		m.mu.Lock()
		m.sessions[terminal.ID] = &entry{
			terminal:    terminal,
			pty:         pty,
			persistence: persist,
		}
		m.mu.Unlock()
	}
}
