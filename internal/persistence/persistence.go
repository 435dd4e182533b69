// Package persistence manages the on-disk representation of a session: a
// meta.json describing it and an append-only scrollback.bin capturing every
// byte its PTY produced. Every session directory is self-contained under
// <sessions_dir>/<id>/.
package persistence

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/segun-io/ada/internal/apperr"
)

// MaxScrollbackBytes is the soft cap a session's scrollback.bin is rotated
// down from once a write would exceed it.
const MaxScrollbackBytes = 5 * 1024 * 1024

// KeepAfterRotate is how much tail data survives a rotation.
const KeepAfterRotate = 4 * 1024 * 1024

// FlushEveryBytes is the write threshold at which the scrollback writer is
// flushed and meta.json resaved.
const FlushEveryBytes = 4096

// CommandSpec is the argv executed inside the session's login shell.
type CommandSpec struct {
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Env     map[string]string `json:"env,omitempty"`
}

// Mode identifies how a session's working directory relates to a project.
type Mode string

const (
	ModeMain          Mode = "main"
	ModeFolder        Mode = "folder"
	ModeCurrentBranch Mode = "current_branch"
	ModeWorktree      Mode = "worktree"
)

// Meta is the serialized record for a single session, the durable half of
// its in-memory Terminal record. Runtime-only fields (status, agent_status,
// PTY handles, the reader goroutine, the shutdown flag) are never persisted.
type Meta struct {
	TerminalID      string      `json:"terminal_id"`
	ProjectID       string      `json:"project_id"`
	Name            string      `json:"name"`
	ClientID        string      `json:"client_id"`
	WorkingDir      string      `json:"working_dir"`
	Branch          *string     `json:"branch,omitempty"`
	WorktreePath    *string     `json:"worktree_path,omitempty"`
	FolderPath      *string     `json:"folder_path,omitempty"`
	IsMain          bool        `json:"is_main"`
	Mode            Mode        `json:"mode"`
	Command         CommandSpec `json:"command"`
	Shell           *string     `json:"shell,omitempty"`
	Cols            uint16      `json:"cols"`
	Rows            uint16      `json:"rows"`
	CreatedAt       time.Time   `json:"created_at"`
	LastActivity    time.Time   `json:"last_activity"`
	EndedAt         *time.Time  `json:"ended_at,omitempty"`
	ScrollbackBytes int         `json:"scrollback_bytes"`
}

// Persistence owns a session's scrollback file and meta.json, serializing
// all disk access for that one session behind its mutex.
type Persistence struct {
	mu sync.Mutex

	sessionDir      string
	scrollback      *os.File
	writer          *bufio.Writer
	bytesWritten    int
	bytesSinceFlush int

	Meta Meta
}

// New creates <base_dir>/<id>/, truncates scrollback.bin, and writes the
// initial meta.json.
func New(baseDir string, meta Meta) (*Persistence, error) {
	return open(baseDir, meta, true)
}

// OpenExisting reopens a session directory in append mode, preserving the
// scrollback byte count already recorded in meta.
func OpenExisting(baseDir string, meta Meta) (*Persistence, error) {
	return open(baseDir, meta, false)
}

func open(baseDir string, meta Meta, truncate bool) (*Persistence, error) {
	sessionDir := filepath.Join(baseDir, meta.TerminalID)
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		return nil, apperr.IO(err)
	}

	f, err := openScrollback(sessionDir, truncate)
	if err != nil {
		return nil, apperr.IO(err)
	}

	bytesWritten := 0
	if !truncate {
		bytesWritten = meta.ScrollbackBytes
	}

	p := &Persistence{
		sessionDir:   sessionDir,
		scrollback:   f,
		writer:       bufio.NewWriter(f),
		bytesWritten: bytesWritten,
		Meta:         meta,
	}

	if err := p.saveMeta(); err != nil {
		return nil, err
	}
	return p, nil
}

func openScrollback(sessionDir string, truncate bool) (*os.File, error) {
	path := filepath.Join(sessionDir, "scrollback.bin")
	flags := os.O_CREATE | os.O_WRONLY
	if truncate {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_APPEND
	}
	return os.OpenFile(path, flags, 0o644)
}

// SessionDir returns the directory this persistence handle owns.
func (p *Persistence) SessionDir() string {
	return p.sessionDir
}

// WriteOutput appends data to scrollback.bin, rotating first if the write
// would exceed MaxScrollbackBytes. Flushes and resaves meta.json every
// FlushEveryBytes.
func (p *Persistence) WriteOutput(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.bytesWritten+len(data) > MaxScrollbackBytes {
		if err := p.rotateScrollback(); err != nil {
			return err
		}
	}

	if _, err := p.writer.Write(data); err != nil {
		return apperr.IO(err)
	}

	p.bytesWritten += len(data)
	p.bytesSinceFlush += len(data)
	p.Meta.ScrollbackBytes = p.bytesWritten
	p.Meta.LastActivity = time.Now().UTC()

	if p.bytesSinceFlush >= FlushEveryBytes {
		if err := p.writer.Flush(); err != nil {
			return apperr.IO(err)
		}
		if err := p.saveMeta(); err != nil {
			return err
		}
		p.bytesSinceFlush = 0
	}

	return nil
}

// MarkEnded flushes the scrollback writer, stamps EndedAt, and saves meta.
func (p *Persistence) MarkEnded() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now().UTC()
	p.Meta.EndedAt = &now
	if err := p.writer.Flush(); err != nil {
		return apperr.IO(err)
	}
	return p.saveMeta()
}

// Reset truncates scrollback.bin and replaces meta, used by restart and
// switch-agent.
func (p *Persistence) Reset(meta Meta) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	f, err := openScrollback(p.sessionDir, true)
	if err != nil {
		return apperr.IO(err)
	}
	if p.scrollback != nil {
		p.scrollback.Close()
	}

	p.scrollback = f
	p.writer = bufio.NewWriter(f)
	p.bytesWritten = 0
	p.bytesSinceFlush = 0
	p.Meta = meta
	return p.saveMeta()
}

// UpdateDimensions records a resize in meta.json without touching
// scrollback state.
func (p *Persistence) UpdateDimensions(cols, rows uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Meta.Cols = cols
	p.Meta.Rows = rows
	return p.saveMeta()
}

// MetaSnapshot returns a copy of the current meta, safe to read without
// racing concurrent writers.
func (p *Persistence) MetaSnapshot() Meta {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Meta
}

// Close flushes and releases the scrollback file handle.
func (p *Persistence) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.writer.Flush(); err != nil {
		return apperr.IO(err)
	}
	return p.scrollback.Close()
}

func (p *Persistence) rotateScrollback() error {
	if err := p.writer.Flush(); err != nil {
		return apperr.IO(err)
	}

	path := filepath.Join(p.sessionDir, "scrollback.bin")
	content, err := os.ReadFile(path)
	if err != nil {
		return apperr.IO(err)
	}

	keepFrom := len(content) - KeepAfterRotate
	if keepFrom < 0 {
		keepFrom = 0
	}
	truncated := truncateUTF8Safe(content[keepFrom:])

	if p.scrollback != nil {
		p.scrollback.Close()
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return apperr.IO(err)
	}

	p.scrollback = f
	p.writer = bufio.NewWriter(f)
	if _, err := p.writer.Write(truncated); err != nil {
		return apperr.IO(err)
	}
	p.bytesWritten = len(truncated)

	return nil
}

func (p *Persistence) saveMeta() error {
	path := filepath.Join(p.sessionDir, "meta.json")
	data, err := json.MarshalIndent(p.Meta, "", "  ")
	if err != nil {
		return apperr.New(apperr.KindSerializationError, err.Error())
	}
	return atomicWrite(path, data)
}

// atomicWrite writes to <path>.tmp then renames over the target so readers
// never observe a torn file.
func atomicWrite(path string, content []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadMeta parses <session_dir>/meta.json. A missing or corrupt file
// returns ok=false; callers should log and skip rather than treat it as
// fatal.
func LoadMeta(sessionDir string) (meta Meta, ok bool) {
	path := filepath.Join(sessionDir, "meta.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return Meta{}, false
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return Meta{}, false
	}
	return meta, true
}

// ReadScrollback returns the full scrollback.bin contents, lossily decoded
// as UTF-8. A missing file yields an empty string, not an error.
func ReadScrollback(sessionDir string) string {
	data, err := os.ReadFile(filepath.Join(sessionDir, "scrollback.bin"))
	if err != nil {
		return ""
	}
	return strings.ToValidUTF8(string(data), "�")
}

// truncateUTF8Safe advances the head of bytes by up to 3 positions looking
// for the first offset that yields a valid UTF-8 slice, falling back to the
// untrimmed slice if none do.
func truncateUTF8Safe(b []byte) []byte {
	limit := 4
	if len(b) < limit {
		limit = len(b)
	}
	for i := 0; i < limit; i++ {
		if utf8.Valid(b[i:]) {
			return b[i:]
		}
	}
	return b
}
