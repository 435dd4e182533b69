package sessionmgr

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/segun-io/ada/internal/apperr"
	"github.com/segun-io/ada/internal/eventbus"
	"github.com/segun-io/ada/internal/persistence"
)

func newTestManager(t *testing.T) (*Manager, *eventbus.Bus, string) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("ADA_LOG_DISABLE", "1")

	dataDir := t.TempDir()
	adaHome := t.TempDir()
	bus := eventbus.New(nil)

	m, err := New(dataDir, adaHome, bus, 0, "", nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return m, bus, filepath.Join(dataDir, "sessions")
}

func echoRequest(id string) CreateRequest {
	return CreateRequest{
		ID:         id,
		ProjectID:  "p1",
		Name:       "n",
		ClientID:   "shell",
		WorkingDir: "/tmp",
		IsMain:     false,
		Mode:       persistence.ModeMain,
		Command:    persistence.CommandSpec{Command: "/bin/echo", Args: []string{"hi"}},
		Cols:       80,
		Rows:       24,
	}
}

func sleepRequest(id string) CreateRequest {
	req := echoRequest(id)
	req.Command = persistence.CommandSpec{Command: "/bin/sleep", Args: []string{"30"}}
	return req
}

// waitForStopped blocks until a stopped TerminalStatus for id crosses the
// bus, or fails the test after timeout.
func waitForStopped(t *testing.T, sub *eventbus.Subscription, id string, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-sub.Events():
			if ev.Type == eventbus.EventTerminalStatus &&
				ev.TerminalStatus.TerminalID == id &&
				ev.TerminalStatus.Status == string(StatusStopped) {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s to stop", id)
		}
	}
}

func TestCreateWriteHistoryClose(t *testing.T) {
	m, bus, sessionsDir := newTestManager(t)
	sub := bus.Subscribe()
	defer sub.Unsubscribe()

	terminal, err := m.CreateSession(echoRequest("t1"))
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if terminal.Status != StatusRunning {
		t.Errorf("Status = %q, want running", terminal.Status)
	}
	if terminal.Shell == nil || *terminal.Shell == "" {
		t.Error("Shell not recorded on create")
	}

	waitForStopped(t, sub, "t1", 5*time.Second)

	history, err := m.GetHistory("t1")
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if !strings.Contains(history, "hi") {
		t.Errorf("history = %q, want to contain \"hi\"", history)
	}

	if err := m.CloseSession("t1"); err != nil {
		t.Fatalf("CloseSession() error = %v", err)
	}
	if _, err := m.GetSession("t1"); apperr.KindOf(err) != apperr.KindTerminalNotFound {
		t.Errorf("GetSession after close = %v, want terminal_not_found", err)
	}
	if _, err := os.Stat(filepath.Join(sessionsDir, "t1")); !os.IsNotExist(err) {
		t.Errorf("session dir still present after close: %v", err)
	}
}

func TestCreateRejectsMissingWorkingDir(t *testing.T) {
	m, _, _ := newTestManager(t)

	req := echoRequest("t1")
	req.WorkingDir = "/nonexistent/definitely/not/here"
	if _, err := m.CreateSession(req); apperr.KindOf(err) != apperr.KindInvalidRequest {
		t.Errorf("CreateSession with bad dir = %v, want invalid_request", err)
	}
}

func TestCreateDuplicateIDRejected(t *testing.T) {
	m, _, _ := newTestManager(t)

	if _, err := m.CreateSession(sleepRequest("t1")); err != nil {
		t.Fatalf("first CreateSession() error = %v", err)
	}
	t.Cleanup(func() { _ = m.CloseSession("t1") })

	if _, err := m.CreateSession(sleepRequest("t1")); apperr.KindOf(err) != apperr.KindInvalidRequest {
		t.Errorf("duplicate CreateSession = %v, want invalid_request", err)
	}

	if got := len(m.ListSessions()); got != 1 {
		t.Errorf("session count = %d, want exactly one survivor", got)
	}
}

func TestCloseIsCancellationNotJoin(t *testing.T) {
	m, _, sessionsDir := newTestManager(t)

	if _, err := m.CreateSession(sleepRequest("t3")); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	start := time.Now()
	if err := m.CloseSession("t3"); err != nil {
		t.Fatalf("CloseSession() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("CloseSession took %v, want <=100ms", elapsed)
	}

	for _, s := range m.ListSessions() {
		if s.ID == "t3" {
			t.Error("t3 still listed after close")
		}
	}
	if _, err := os.Stat(filepath.Join(sessionsDir, "t3")); !os.IsNotExist(err) {
		t.Errorf("session dir still present: %v", err)
	}
}

func TestMainSessionUnclosable(t *testing.T) {
	m, _, sessionsDir := newTestManager(t)

	req := sleepRequest("t4")
	req.IsMain = true
	if _, err := m.CreateSession(req); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	err := m.CloseSession("t4")
	if apperr.KindOf(err) != apperr.KindInvalidRequest {
		t.Fatalf("CloseSession on main = %v, want invalid_request", err)
	}
	if !strings.Contains(err.Error(), "main terminal") {
		t.Errorf("error message = %q, want to name the main terminal", err)
	}

	status, err := m.MarkSessionStopped("t4")
	if err != nil {
		t.Fatalf("MarkSessionStopped() error = %v", err)
	}
	if status != StatusStopped {
		t.Errorf("status = %q, want stopped", status)
	}

	terminal, err := m.GetSession("t4")
	if err != nil {
		t.Fatalf("GetSession after mark stopped: %v", err)
	}
	if terminal.Status != StatusStopped {
		t.Errorf("Status = %q, want stopped", terminal.Status)
	}
	if _, err := os.Stat(filepath.Join(sessionsDir, "t4")); err != nil {
		t.Errorf("session dir should survive mark stopped: %v", err)
	}
}

func TestMarkSessionStoppedIdempotent(t *testing.T) {
	m, _, _ := newTestManager(t)

	if _, err := m.CreateSession(sleepRequest("t1")); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	for i := 0; i < 2; i++ {
		status, err := m.MarkSessionStopped("t1")
		if err != nil {
			t.Fatalf("MarkSessionStopped() call %d error = %v", i+1, err)
		}
		if status != StatusStopped {
			t.Errorf("call %d status = %q, want stopped", i+1, status)
		}
	}
}

func TestRestartPreservesIdentity(t *testing.T) {
	m, bus, _ := newTestManager(t)
	sub := bus.Subscribe()
	defer sub.Unsubscribe()

	if _, err := m.CreateSession(echoRequest("t5")); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	waitForStopped(t, sub, "t5", 5*time.Second)

	terminal, err := m.RestartSession("t5")
	if err != nil {
		t.Fatalf("RestartSession() error = %v", err)
	}
	if terminal.ID != "t5" || terminal.Status != StatusRunning {
		t.Errorf("restarted terminal = {ID:%q Status:%q}, want t5/running", terminal.ID, terminal.Status)
	}
	t.Cleanup(func() { _ = m.CloseSession("t5") })
}

func TestSwitchAgentResetsScrollbackAndCommand(t *testing.T) {
	m, bus, _ := newTestManager(t)
	sub := bus.Subscribe()
	defer sub.Unsubscribe()

	req := echoRequest("t5")
	req.Command = persistence.CommandSpec{Command: "/bin/echo", Args: []string{"first-output"}}
	if _, err := m.CreateSession(req); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	waitForStopped(t, sub, "t5", 5*time.Second)

	if history, _ := m.GetHistory("t5"); !strings.Contains(history, "first-output") {
		t.Fatalf("pre-switch history = %q, want to contain first-output", history)
	}

	terminal, err := m.SwitchSessionAgent("t5", "claude", persistence.CommandSpec{Command: "/bin/echo", Args: []string{"second-output"}})
	if err != nil {
		t.Fatalf("SwitchSessionAgent() error = %v", err)
	}
	if terminal.ClientID != "claude" {
		t.Errorf("ClientID = %q, want claude", terminal.ClientID)
	}
	if terminal.AgentStatus != AgentIdle {
		t.Errorf("AgentStatus = %q, want idle after switch", terminal.AgentStatus)
	}

	waitForStopped(t, sub, "t5", 5*time.Second)

	history, err := m.GetHistory("t5")
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if strings.Contains(history, "first-output") {
		t.Errorf("history = %q, want pre-switch scrollback cleared", history)
	}
	if !strings.Contains(history, "second-output") {
		t.Errorf("history = %q, want post-switch output", history)
	}
}

func TestUpdateAgentStatus(t *testing.T) {
	m, _, _ := newTestManager(t)

	if _, err := m.CreateSession(sleepRequest("t1")); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	t.Cleanup(func() { _ = m.CloseSession("t1") })

	m.UpdateAgentStatus("t1", AgentWorking)
	terminal, err := m.GetSession("t1")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if terminal.AgentStatus != AgentWorking {
		t.Errorf("AgentStatus = %q, want working", terminal.AgentStatus)
	}

	// Unknown ids are ignored, not an error.
	m.UpdateAgentStatus("no-such-terminal", AgentIdle)
}

func TestRecoveryStoppedSessionKeepsHistory(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("ADA_LOG_DISABLE", "1")

	dataDir := t.TempDir()
	adaHome := t.TempDir()

	m1, err := New(dataDir, adaHome, eventbus.New(nil), 0, "", nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	sub := m1.bus.Subscribe()
	defer sub.Unsubscribe()

	if _, err := m1.CreateSession(echoRequest("t6")); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	waitForStopped(t, sub, "t6", 5*time.Second)

	// A fresh manager over the same data dir stands in for a daemon
	// restart: the ended session comes back stopped with its scrollback.
	m2, err := New(dataDir, adaHome, eventbus.New(nil), 0, "", nil)
	if err != nil {
		t.Fatalf("second New() error = %v", err)
	}

	terminal, err := m2.GetSession("t6")
	if err != nil {
		t.Fatalf("GetSession after recovery: %v", err)
	}
	if terminal.Status != StatusStopped {
		t.Errorf("recovered Status = %q, want stopped", terminal.Status)
	}
	history, err := m2.GetHistory("t6")
	if err != nil {
		t.Fatalf("GetHistory after recovery: %v", err)
	}
	if !strings.Contains(history, "hi") {
		t.Errorf("recovered history = %q, want bytes flushed before restart", history)
	}
}

func TestRecoveryRespawnsUnendedSession(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("ADA_LOG_DISABLE", "1")

	dataDir := t.TempDir()
	adaHome := t.TempDir()

	m1, err := New(dataDir, adaHome, eventbus.New(nil), 0, "", nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := m1.CreateSession(sleepRequest("t6")); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	// Simulated crash: the first manager is abandoned without closing the
	// session, leaving meta.json with ended_at unset.
	m2, err := New(dataDir, adaHome, eventbus.New(nil), 0, "", nil)
	if err != nil {
		t.Fatalf("second New() error = %v", err)
	}
	t.Cleanup(func() {
		_, _ = m1.MarkSessionStopped("t6")
		_, _ = m2.MarkSessionStopped("t6")
	})

	terminal, err := m2.GetSession("t6")
	if err != nil {
		t.Fatalf("GetSession after recovery: %v", err)
	}
	if terminal.Status != StatusRunning {
		t.Errorf("recovered Status = %q, want running respawn", terminal.Status)
	}
}
