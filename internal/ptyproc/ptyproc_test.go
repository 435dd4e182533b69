package ptyproc

import (
	"strings"
	"sync"
	"testing"
	"time"
)

func TestDetectShellHonorsOverride(t *testing.T) {
	shell := DetectShell("/bin/zsh")
	if shell.Path != "/bin/zsh" {
		t.Errorf("Path = %q, want override honored", shell.Path)
	}
	if shell.Name != "zsh" {
		t.Errorf("Name = %q, want zsh", shell.Name)
	}
	if len(shell.LoginArgs) != 1 || shell.LoginArgs[0] != "-l" {
		t.Errorf("LoginArgs = %v, want [-l]", shell.LoginArgs)
	}
}

func TestDetectShellFishLoginArg(t *testing.T) {
	shell := DetectShell("/usr/local/bin/fish")
	if len(shell.LoginArgs) != 1 || shell.LoginArgs[0] != "--login" {
		t.Errorf("LoginArgs = %v, want [--login]", shell.LoginArgs)
	}
}

func TestShellEscape(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "''"},
		{"hello", "'hello'"},
		{"it's", `'it'\''s'`},
	}
	for _, tt := range tests {
		if got := shellEscape(tt.in); got != tt.want {
			t.Errorf("shellEscape(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatCommandLine(t *testing.T) {
	got := FormatCommandLine(CommandSpec{Command: "/bin/echo", Args: []string{"hi there"}})
	want := "'/bin/echo' 'hi there'"
	if got != want {
		t.Errorf("FormatCommandLine() = %q, want %q", got, want)
	}
}

func TestSpawnEchoProducesOutputThenExits(t *testing.T) {
	var mu sync.Mutex
	var output []byte
	exited := make(chan error, 1)

	h, err := Spawn(SpawnConfig{
		ID:      "t1",
		Shell:   DetectShell("/bin/sh"),
		Command: CommandSpec{Command: "/bin/echo", Args: []string{"hello world"}},
		Dir:     "/tmp",
		Cols:    80,
		Rows:    24,
	}, nil, func(id string, data []byte) {
		mu.Lock()
		output = append(output, data...)
		mu.Unlock()
	}, func(id string, readErr error) {
		exited <- readErr
	})
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}

	select {
	case err := <-exited:
		if err != nil {
			t.Errorf("reader exited with error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reader to exit")
	}

	mu.Lock()
	got := string(output)
	mu.Unlock()
	if !strings.Contains(got, "hello world") {
		t.Errorf("output = %q, want to contain %q", got, "hello world")
	}

	h.Shutdown()
}

func TestShutdownStopsLongRunningProcess(t *testing.T) {
	exitCalled := make(chan error, 1)

	h, err := Spawn(SpawnConfig{
		ID:      "t2",
		Shell:   DetectShell("/bin/sh"),
		Command: CommandSpec{Command: "/bin/sleep", Args: []string{"30"}},
		Dir:     "/tmp",
		Cols:    80,
		Rows:    24,
	}, nil, func(id string, data []byte) {}, func(id string, readErr error) {
		exitCalled <- readErr
	})
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}

	start := time.Now()
	h.Shutdown()

	select {
	case <-h.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("reader did not exit after Shutdown")
	}

	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Shutdown took %v, want near-immediate", elapsed)
	}

	// A caller-requested shutdown suppresses the exit callback; the
	// manager paths that call Shutdown emit their own final status.
	select {
	case err := <-exitCalled:
		t.Errorf("onExit fired after Shutdown with err = %v, want suppressed", err)
	default:
	}
}
