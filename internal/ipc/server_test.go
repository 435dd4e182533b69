package ipc

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/segun-io/ada/internal/eventbus"
	"github.com/segun-io/ada/internal/persistence"
	"github.com/segun-io/ada/internal/runtimeconfig"
	"github.com/segun-io/ada/internal/sessionmgr"
)

const requestTimeout = 5 * time.Second

type testDaemon struct {
	cfg    *runtimeconfig.Config
	server *Server

	shutdownCalled chan struct{}
}

// startTestDaemon wires a bus, manager, config, and server together the
// way cmd/adad does, minus the notification endpoint, and returns a
// connected client.
func startTestDaemon(t *testing.T) (*Client, *testDaemon) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	t.Setenv("ADA_LOG_DISABLE", "1")

	cfg, err := runtimeconfig.Load(nil)
	if err != nil {
		t.Fatalf("runtimeconfig.Load() error = %v", err)
	}

	bus := eventbus.New(nil)
	mgr, err := sessionmgr.New(cfg.DataDir, cfg.AdaHome, bus, 0, cfg.ShellOverride(), nil)
	if err != nil {
		t.Fatalf("sessionmgr.New() error = %v", err)
	}

	d := &testDaemon{cfg: cfg, shutdownCalled: make(chan struct{})}
	d.server = New(mgr, bus, cfg, "test", nil, func() {
		close(d.shutdownCalled)
	})

	port, err := d.server.Start()
	if err != nil {
		t.Fatalf("server.Start() error = %v", err)
	}
	cfg.DaemonPort = port
	t.Cleanup(func() { d.server.Close() })

	client, err := Dial(port)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { client.Close() })

	return client, d
}

func createReq(id string, command persistence.CommandSpec) Request {
	return Request{
		Type: ReqCreateSession,
		Request: &CreateSessionRequest{
			TerminalID: id,
			ProjectID:  "p1",
			Name:       "n",
			ClientID:   "shell",
			WorkingDir: "/tmp",
			Mode:       persistence.ModeMain,
			Command:    command,
			Cols:       80,
			Rows:       24,
		},
	}
}

func TestPing(t *testing.T) {
	client, _ := startTestDaemon(t)

	resp, err := client.Request(Request{Type: ReqPing}, requestTimeout)
	if err != nil {
		t.Fatalf("ping error = %v", err)
	}
	if resp.Type != RespPong {
		t.Errorf("response type = %q, want pong", resp.Type)
	}
}

func TestStatusReportsDaemonVitals(t *testing.T) {
	client, d := startTestDaemon(t)

	resp, err := client.Request(Request{Type: ReqStatus}, requestTimeout)
	if err != nil {
		t.Fatalf("status error = %v", err)
	}
	if resp.Type != RespDaemonStatus {
		t.Fatalf("response type = %q, want daemon_status", resp.Type)
	}
	if resp.PID != os.Getpid() {
		t.Errorf("pid = %d, want %d", resp.PID, os.Getpid())
	}
	if resp.Port != d.cfg.DaemonPort {
		t.Errorf("port = %d, want %d", resp.Port, d.cfg.DaemonPort)
	}
	if resp.Version != "test" {
		t.Errorf("version = %q, want test", resp.Version)
	}
}

func TestCreateSessionLifecycleOverWire(t *testing.T) {
	client, _ := startTestDaemon(t)

	resp, err := client.Request(createReq("t1", persistence.CommandSpec{Command: "/bin/echo", Args: []string{"hi"}}), requestTimeout)
	if err != nil {
		t.Fatalf("create_session error = %v", err)
	}
	if resp.Type != RespSession || resp.Session == nil {
		t.Fatalf("response = %+v, want session", resp)
	}
	if resp.Session.ID != "t1" || resp.Session.Status != "running" {
		t.Errorf("session = {ID:%q Status:%q}, want t1/running", resp.Session.ID, resp.Session.Status)
	}

	// The connection's bus subscription delivers output and the final
	// stopped transition without any extra subscribe step.
	sawOutput := false
	sawStopped := false
	deadline := time.After(5 * time.Second)
	for !sawOutput || !sawStopped {
		select {
		case ev := <-client.Events():
			if ev.TerminalID != "t1" {
				continue
			}
			switch ev.Type {
			case EvtTerminalOutput:
				if strings.Contains(ev.Data, "hi") {
					sawOutput = true
				}
			case EvtTerminalStatus:
				if ev.Status == "stopped" {
					sawStopped = true
				}
			}
		case <-deadline:
			t.Fatalf("timed out; sawOutput=%v sawStopped=%v", sawOutput, sawStopped)
		}
	}

	histResp, err := client.Request(Request{Type: ReqGetHistory, TerminalID: "t1"}, requestTimeout)
	if err != nil {
		t.Fatalf("get_history error = %v", err)
	}
	if histResp.Type != RespHistory {
		t.Fatalf("response type = %q, want history", histResp.Type)
	}
	joined := strings.Join(histResp.History, "")
	if !strings.Contains(joined, "hi") {
		t.Errorf("history = %q, want to contain hi", joined)
	}

	if resp, err := client.Request(Request{Type: ReqCloseSession, TerminalID: "t1"}, requestTimeout); err != nil || resp.Type != RespOk {
		t.Fatalf("close_session = (%+v, %v), want ok", resp, err)
	}
	if _, err := client.Request(Request{Type: ReqGetSession, TerminalID: "t1"}, requestTimeout); err == nil {
		t.Error("get_session after close succeeded, want error")
	}
}

func TestGetSessionNotFound(t *testing.T) {
	client, _ := startTestDaemon(t)

	resp, err := client.Request(Request{Type: ReqGetSession, TerminalID: "missing"}, requestTimeout)
	if err == nil {
		t.Fatal("expected error response")
	}
	if resp.Type != RespError || !strings.Contains(resp.Message, "terminal_not_found") {
		t.Errorf("response = %+v, want terminal_not_found error", resp)
	}
}

func TestMarkSessionStoppedOverWire(t *testing.T) {
	client, _ := startTestDaemon(t)

	if _, err := client.Request(createReq("t1", persistence.CommandSpec{Command: "/bin/sleep", Args: []string{"30"}}), requestTimeout); err != nil {
		t.Fatalf("create_session error = %v", err)
	}

	resp, err := client.Request(Request{Type: ReqMarkSessionStopped, TerminalID: "t1"}, requestTimeout)
	if err != nil {
		t.Fatalf("mark_session_stopped error = %v", err)
	}
	if resp.Type != RespTerminalStatusResponse || resp.TerminalID != "t1" || resp.Status != "stopped" {
		t.Errorf("response = %+v, want terminal_status_response t1/stopped", resp)
	}

	// The entry survives: get_session still answers.
	getResp, err := client.Request(Request{Type: ReqGetSession, TerminalID: "t1"}, requestTimeout)
	if err != nil {
		t.Fatalf("get_session error = %v", err)
	}
	if getResp.Session.Status != "stopped" {
		t.Errorf("status = %q, want stopped", getResp.Session.Status)
	}
}

func TestShellOverrideRoundTrip(t *testing.T) {
	client, _ := startTestDaemon(t)

	shell := "/bin/sh"
	if resp, err := client.Request(Request{Type: ReqSetShellOverride, Shell: &shell}, requestTimeout); err != nil || resp.Type != RespOk {
		t.Fatalf("set_shell_override = (%+v, %v), want ok", resp, err)
	}

	resp, err := client.Request(Request{Type: ReqGetRuntimeConfig}, requestTimeout)
	if err != nil {
		t.Fatalf("get_runtime_config error = %v", err)
	}
	if resp.Type != RespRuntimeConfig || resp.Config == nil {
		t.Fatalf("response = %+v, want runtime_config", resp)
	}
	if resp.Config.ShellOverride == nil || *resp.Config.ShellOverride != "/bin/sh" {
		t.Errorf("shell_override = %v, want /bin/sh", resp.Config.ShellOverride)
	}

	// Persisted: a fresh config load over the same home sees the value.
	reloaded, err := runtimeconfig.Load(nil)
	if err != nil {
		t.Fatalf("runtimeconfig.Load() error = %v", err)
	}
	if reloaded.ShellOverride() != "/bin/sh" {
		t.Errorf("persisted shell override = %q, want /bin/sh", reloaded.ShellOverride())
	}
}

func TestShutdownInvokesCallback(t *testing.T) {
	client, d := startTestDaemon(t)

	resp, err := client.Request(Request{Type: ReqShutdown}, requestTimeout)
	if err != nil || resp.Type != RespOk {
		t.Fatalf("shutdown = (%+v, %v), want ok", resp, err)
	}

	select {
	case <-d.shutdownCalled:
	case <-time.After(time.Second):
		t.Fatal("shutdown callback not invoked")
	}
}

func TestUnknownRequestTypeIsError(t *testing.T) {
	client, _ := startTestDaemon(t)

	resp, err := client.Request(Request{Type: "frobnicate"}, requestTimeout)
	if err == nil {
		t.Fatal("expected error response")
	}
	if resp.Type != RespError || !strings.Contains(resp.Message, "unknown request type") {
		t.Errorf("response = %+v, want unknown-request error", resp)
	}
}

func TestPublishDiscoveryWritesPortAndPID(t *testing.T) {
	dataDir := t.TempDir()

	if err := PublishDiscovery(dataDir, 4321); err != nil {
		t.Fatalf("PublishDiscovery() error = %v", err)
	}

	portData, err := os.ReadFile(filepath.Join(dataDir, "daemon", "port"))
	if err != nil {
		t.Fatalf("read port file: %v", err)
	}
	if string(portData) != "4321" {
		t.Errorf("port file = %q, want 4321", portData)
	}

	pidData, err := os.ReadFile(filepath.Join(dataDir, "daemon", "pid"))
	if err != nil {
		t.Fatalf("read pid file: %v", err)
	}
	if string(pidData) != strconv.Itoa(os.Getpid()) {
		t.Errorf("pid file = %q, want %d", pidData, os.Getpid())
	}
}
