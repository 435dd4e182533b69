// Package ipc implements the daemon's wire protocol and the
// length-delimited JSON server that speaks it over a loopback TCP
// connection.
//
// Every line on the wire is one JSON-encoded Message terminated by '\n'.
// A Message is one of three shapes, carried by its Type field: a Request
// a client sends expecting exactly one Response sharing its ID, or an
// Event the daemon pushes unprompted as sessions change. Request and
// Response are themselves internally-tagged unions by the same
// convention — a flat struct with a Type discriminator and every
// variant's fields declared omitempty, which keeps decoding to a single
// json.Unmarshal with no custom UnmarshalJSON required.
package ipc

import (
	"github.com/segun-io/ada/internal/persistence"
)

// MessageType discriminates the outer Message envelope.
type MessageType string

const (
	MessageRequest  MessageType = "request"
	MessageResponse MessageType = "response"
	MessageEvent    MessageType = "event"
)

// Message is one line of the wire protocol.
type Message struct {
	Type     MessageType `json:"type"`
	ID       string      `json:"id,omitempty"`
	Request  *Request    `json:"request,omitempty"`
	Response *Response   `json:"response,omitempty"`
	Event    *Event      `json:"event,omitempty"`
}

// RequestType discriminates a Request's variant.
type RequestType string

const (
	ReqPing               RequestType = "ping"
	ReqStatus             RequestType = "status"
	ReqListSessions       RequestType = "list_sessions"
	ReqGetSession         RequestType = "get_session"
	ReqCreateSession      RequestType = "create_session"
	ReqMarkSessionStopped RequestType = "mark_session_stopped"
	ReqCloseSession       RequestType = "close_session"
	ReqWriteToSession     RequestType = "write_to_session"
	ReqResizeSession      RequestType = "resize_session"
	ReqRestartSession     RequestType = "restart_session"
	ReqSwitchSessionAgent RequestType = "switch_session_agent"
	ReqGetHistory         RequestType = "get_history"
	ReqGetRuntimeConfig   RequestType = "get_runtime_config"
	ReqSetShellOverride   RequestType = "set_shell_override"
	ReqShutdown           RequestType = "shutdown"
)

// CreateSessionRequest is the payload of a create_session Request.
type CreateSessionRequest struct {
	TerminalID   string                  `json:"terminal_id"`
	ProjectID    string                  `json:"project_id"`
	Name         string                  `json:"name"`
	ClientID     string                  `json:"client_id"`
	WorkingDir   string                  `json:"working_dir"`
	Branch       *string                 `json:"branch,omitempty"`
	WorktreePath *string                 `json:"worktree_path,omitempty"`
	FolderPath   *string                 `json:"folder_path,omitempty"`
	IsMain       bool                    `json:"is_main"`
	Mode         persistence.Mode        `json:"mode"`
	Command      persistence.CommandSpec `json:"command"`
	Cols         uint16                  `json:"cols"`
	Rows         uint16                  `json:"rows"`
}

// Request is every DaemonRequest variant flattened into one struct. Only
// the fields relevant to Type are populated.
type Request struct {
	Type RequestType `json:"type"`

	TerminalID string                   `json:"terminal_id,omitempty"`
	ClientID   string                   `json:"client_id,omitempty"`
	Data       string                   `json:"data,omitempty"`
	Cols       uint16                   `json:"cols,omitempty"`
	Rows       uint16                   `json:"rows,omitempty"`
	Command    *persistence.CommandSpec `json:"command,omitempty"`
	Request    *CreateSessionRequest    `json:"request,omitempty"`
	Shell      *string                  `json:"shell,omitempty"`
}

// ResponseType discriminates a Response's variant.
type ResponseType string

const (
	RespOk                     ResponseType = "ok"
	RespPong                   ResponseType = "pong"
	RespError                  ResponseType = "error"
	RespSessions               ResponseType = "sessions"
	RespSession                ResponseType = "session"
	RespHistory                ResponseType = "history"
	RespRuntimeConfig          ResponseType = "runtime_config"
	RespTerminalStatusResponse ResponseType = "terminal_status_response"
	RespDaemonStatus           ResponseType = "daemon_status"
)

// TerminalInfo is the wire representation of one session, the JSON shape
// every session-returning response carries.
type TerminalInfo struct {
	ID           string                  `json:"id"`
	ProjectID    string                  `json:"project_id"`
	Name         string                  `json:"name"`
	ClientID     string                  `json:"client_id"`
	WorkingDir   string                  `json:"working_dir"`
	Branch       *string                 `json:"branch,omitempty"`
	WorktreePath *string                 `json:"worktree_path,omitempty"`
	FolderPath   *string                 `json:"folder_path,omitempty"`
	IsMain       bool                    `json:"is_main"`
	Mode         persistence.Mode        `json:"mode"`
	Command      persistence.CommandSpec `json:"command"`
	Shell        *string                 `json:"shell,omitempty"`
	Cols         uint16                  `json:"cols"`
	Rows         uint16                  `json:"rows"`
	Status       string                  `json:"status"`
	AgentStatus  string                  `json:"agent_status"`
	CreatedAt    string                  `json:"created_at"`
}

// RuntimeConfig is the wire shape of the daemon's runtime configuration.
type RuntimeConfig struct {
	AdaHome          string  `json:"ada_home"`
	DataDir          string  `json:"data_dir"`
	DaemonPort       int     `json:"daemon_port"`
	NotificationPort int     `json:"notification_port"`
	ShellOverride    *string `json:"shell_override,omitempty"`
}

// Response is every DaemonResponse variant flattened into one struct.
type Response struct {
	Type ResponseType `json:"type"`

	Message string `json:"message,omitempty"`

	Sessions []TerminalInfo `json:"sessions,omitempty"`
	Session  *TerminalInfo  `json:"session,omitempty"`

	TerminalID string   `json:"terminal_id,omitempty"`
	History    []string `json:"history,omitempty"`
	Status     string   `json:"status,omitempty"`

	Config *RuntimeConfig `json:"config,omitempty"`

	PID          int    `json:"pid,omitempty"`
	Port         int    `json:"port,omitempty"`
	UptimeSecs   int64  `json:"uptime_secs,omitempty"`
	SessionCount int    `json:"session_count,omitempty"`
	Version      string `json:"version,omitempty"`
}

// EventType discriminates an Event's variant.
type EventType string

const (
	EvtTerminalOutput EventType = "terminal_output"
	EvtTerminalStatus EventType = "terminal_status"
	EvtAgentStatus    EventType = "agent_status"
	EvtHookEvent      EventType = "hook_event"
)

// Event is every DaemonEvent variant flattened into one struct, the shape
// pushed to clients subscribed to the event bus.
type Event struct {
	Type EventType `json:"type"`

	TerminalID string  `json:"terminal_id,omitempty"`
	ProjectID  string  `json:"project_id,omitempty"`
	Data       string  `json:"data,omitempty"`
	Status     string  `json:"status,omitempty"`
	Agent      string  `json:"agent,omitempty"`
	Event      string  `json:"event,omitempty"`
	Payload    *string `json:"payload,omitempty"`
}
