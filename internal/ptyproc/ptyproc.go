// Package ptyproc spawns agent processes inside pseudo-terminals and runs
// the dedicated reader goroutine that turns PTY output into persisted
// scrollback and bus events.
//
// Each live PTY gets exactly one reader goroutine. Shutdown is cooperative:
// a shutdown flag is checked before every read, and the goroutine is never
// joined — it exits on its own once the flag is observed or the master is
// closed and the kernel read returns EOF. Joining a goroutine blocked in a
// PTY read can deadlock, so callers drop the handle instead.
package ptyproc

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/user"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/creack/pty"
)

// DefaultCols and DefaultRows are the PTY dimensions used when a session
// doesn't request explicit ones.
const (
	DefaultCols = 120
	DefaultRows = 30
)

// Shell describes the login shell a session's PTY is spawned under.
type Shell struct {
	Path      string
	Name      string
	LoginArgs []string
}

// DetectShell honors an explicit override, else consults the OS user
// database for the caller's login shell, else falls back to /bin/bash.
func DetectShell(override string) Shell {
	path := override
	if path == "" {
		if p, ok := lookupUserShell(); ok {
			path = p
		}
	}
	if path == "" {
		path = "/bin/bash"
	}

	name := path
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		name = path[idx+1:]
	}

	loginArgs := []string{"-l"}
	if name == "fish" {
		loginArgs = []string{"--login"}
	}

	return Shell{Path: path, Name: name, LoginArgs: loginArgs}
}

// lookupUserShell consults /etc/passwd for the current user's login
// shell. On any platform where /etc/passwd can't be read, detection falls
// through to the bash default.
func lookupUserShell() (string, bool) {
	u, err := user.Current()
	if err != nil {
		return "", false
	}

	data, err := os.ReadFile("/etc/passwd")
	if err != nil {
		return "", false
	}

	prefix := u.Username + ":"
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, prefix) {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) == 0 {
			return "", false
		}
		shell := fields[len(fields)-1]
		if shell == "" {
			return "", false
		}
		return shell, true
	}
	return "", false
}

// CommandSpec is the argv to execute inside the login shell.
type CommandSpec struct {
	Command string
	Args    []string
	Env     map[string]string
}

// FormatCommandLine renders a CommandSpec as a single shell-escaped string
// suitable for `<shell> -c <line>`.
func FormatCommandLine(spec CommandSpec) string {
	parts := make([]string, 0, 1+len(spec.Args))
	parts = append(parts, shellEscape(spec.Command))
	for _, a := range spec.Args {
		parts = append(parts, shellEscape(a))
	}
	return strings.Join(parts, " ")
}

// shellEscape single-quotes input, escaping embedded single quotes the
// POSIX-portable way: close the quote, emit an escaped quote, reopen.
func shellEscape(input string) string {
	if input == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(input, "'", `'\''`) + "'"
}

// SpawnConfig holds everything needed to spawn a PTY-backed process.
type SpawnConfig struct {
	ID         string
	Shell      Shell
	BashRCFile string // only used when Shell.Name == "bash"
	Command    CommandSpec
	Dir        string
	Env        map[string]string
	Cols       uint16
	Rows       uint16
}

// OutputFunc receives one successful read's worth of bytes.
type OutputFunc func(id string, data []byte)

// ExitFunc is called at most once, when the reader goroutine exits on its
// own (EOF or a read error) rather than from a Shutdown the caller
// requested. readErr is nil on a clean EOF.
type ExitFunc func(id string, readErr error)

// Handle is a live PTY pair plus the state needed to write, resize, and
// cancel it. The zero value is not usable.
type Handle struct {
	id     string
	file   *os.File
	cmd    *exec.Cmd
	mu     sync.Mutex // serializes writes and resizes
	logger *slog.Logger

	shutdown atomic.Bool
	done     chan struct{}
}

// Done is closed once the reader goroutine has returned. It exists so
// observers can wait for the reader without joining it; Shutdown itself
// never blocks on it.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Spawn opens a PTY pair, execs cfg.Command inside cfg.Shell, and starts a
// dedicated reader goroutine for the master side. Goroutines have no
// names, so the terminal id is carried through every log line the reader
// emits instead.
//
// onOutput is invoked synchronously from the reader goroutine for every
// successful read; onExit is invoked at most once, when the reader loop
// ends on its own, receiving the terminating read error or nil on a clean
// EOF. It is not invoked when the loop ends because of Shutdown.
func Spawn(cfg SpawnConfig, logger *slog.Logger, onOutput OutputFunc, onExit ExitFunc) (*Handle, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// bash accepts long options such as --rcfile only before its
	// single-letter options, so the rc file goes ahead of the login args.
	var args []string
	if cfg.Shell.Name == "bash" && cfg.BashRCFile != "" {
		args = append(args, "--rcfile", cfg.BashRCFile)
	}
	args = append(args, cfg.Shell.LoginArgs...)
	commandLine := FormatCommandLine(cfg.Command)
	args = append(args, "-c", commandLine)

	cmd := exec.Command(cfg.Shell.Path, args...)
	cmd.Dir = cfg.Dir

	// Overlay the session command's env on top of the shaped environment
	// before flattening; duplicate entries in the env slice would resolve
	// first-wins in libc, not last-wins.
	merged := make(map[string]string, len(cfg.Env)+len(cfg.Command.Env))
	for k, v := range cfg.Env {
		merged[k] = v
	}
	for k, v := range cfg.Command.Env {
		merged[k] = v
	}
	env := make([]string, 0, len(merged))
	for k, v := range merged {
		env = append(env, k+"="+v)
	}
	cmd.Env = env

	logger.Info("spawn_pty: opening PTY", "terminal_id", cfg.ID, "shell", cfg.Shell.Path, "cols", cfg.Cols, "rows", cfg.Rows)

	rows, cols := cfg.Rows, cfg.Cols
	if rows == 0 {
		rows = DefaultRows
	}
	if cols == 0 {
		cols = DefaultCols
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		logger.Error("spawn_pty: failed to open PTY or spawn command", "terminal_id", cfg.ID, "error", err)
		return nil, fmt.Errorf("spawn pty: %w", err)
	}

	h := &Handle{id: cfg.ID, file: ptmx, cmd: cmd, logger: logger, done: make(chan struct{})}

	go h.readLoop(onOutput, onExit)

	logger.Info("spawn_pty: completed successfully", "terminal_id", cfg.ID)
	return h, nil
}

func (h *Handle) readLoop(onOutput OutputFunc, onExit ExitFunc) {
	defer close(h.done)
	buf := make([]byte, 4096)
	var exitErr error

	for {
		if h.shutdown.Load() {
			h.logger.Info("pty-reader: shutdown flag set, exiting", "terminal_id", h.id)
			break
		}

		n, err := h.file.Read(buf)
		if n > 0 {
			onOutput(h.id, append([]byte(nil), buf[:n]...))
		}
		if err != nil {
			// Linux reports a closed slave side as EIO rather than EOF.
			if err == io.EOF || errors.Is(err, syscall.EIO) {
				h.logger.Info("pty-reader: EOF received, exiting", "terminal_id", h.id)
			} else if !h.shutdown.Load() {
				h.logger.Warn("pty-reader: PTY read error", "terminal_id", h.id, "error", err)
				exitErr = err
			}
			break
		}
	}

	// A shutdown the manager initiated (close/restart/switch) emits its own
	// final status; running the exit transition here too would race the
	// replacement PTY a restart is about to install.
	if h.shutdown.Load() {
		return
	}
	onExit(h.id, exitErr)
}

// Write sends input bytes to the PTY, serialized against concurrent
// resizes.
func (h *Handle) Write(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.file.Write(p)
}

// Resize changes the PTY's dimensions.
func (h *Handle) Resize(cols, rows uint16) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return pty.Setsize(h.file, &pty.Winsize{Rows: rows, Cols: cols})
}

// Shutdown marks the handle for cancellation and closes the master side,
// which wakes a blocked reader with EOF/ErrClosed. It does not wait for the
// reader goroutine to observe this — callers must never join it, per the
// package's cancellation contract.
func (h *Handle) Shutdown() {
	h.shutdown.Store(true)
	h.file.Close()
	if h.cmd.Process != nil {
		_ = h.cmd.Process.Kill()
	}
}
