package runtimeconfig

import (
	"os"
	"path/filepath"
	"testing"
)

// setupTestHome points os.UserHomeDir's resolution at a fresh tmp dir for
// the duration of the test by overriding HOME, mirroring the pattern the
// rest of this codebase uses for config-directory isolation.
func setupTestHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_DATA_HOME", filepath.Join(home, ".local", "share"))
	t.Setenv("ADA_DEV_MODE", "1")
	return home
}

func TestLoadCreatesDirectories(t *testing.T) {
	home := setupTestHome(t)

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	wantHome := filepath.Join(home, ".ada-dev")
	if cfg.AdaHome != wantHome {
		t.Errorf("AdaHome = %q, want %q", cfg.AdaHome, wantHome)
	}
	if _, err := os.Stat(cfg.AdaHome); err != nil {
		t.Errorf("AdaHome not created: %v", err)
	}
	if _, err := os.Stat(cfg.DataDir); err != nil {
		t.Errorf("DataDir not created: %v", err)
	}
}

func TestSetShellOverridePersistsAcrossLoad(t *testing.T) {
	setupTestHome(t)

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if err := cfg.SetShellOverride("/usr/bin/fish"); err != nil {
		t.Fatalf("SetShellOverride() error = %v", err)
	}

	reloaded, err := Load(nil)
	if err != nil {
		t.Fatalf("second Load() error = %v", err)
	}
	if reloaded.ShellOverride() != "/usr/bin/fish" {
		t.Errorf("ShellOverride() = %q, want %q", reloaded.ShellOverride(), "/usr/bin/fish")
	}
}

func TestLoadWithCorruptSettingsFallsBackToDefault(t *testing.T) {
	home := setupTestHome(t)

	configDir := filepath.Join(home, ".ada-dev", "config")
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(configDir, "runtime.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write corrupt settings: %v", err)
	}

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ShellOverride() != "" {
		t.Errorf("ShellOverride() = %q, want empty default", cfg.ShellOverride())
	}
}
