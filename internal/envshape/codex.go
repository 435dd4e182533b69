package envshape

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// EnsureCodexConfig reconciles ~/.codex/config.toml so Codex's `notify`
// array invokes the daemon's notify hook. Three cases:
//
//  1. No config file, or no notify key: write notify = [hook].
//  2. notify already points at our hook: leave untouched.
//  3. notify points at something else: chain it — generate a wrapper
//     script that calls both the foreign notify command and our hook,
//     and point notify at the wrapper instead of clobbering it.
func EnsureCodexConfig(hooksDir string) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	codexDir := filepath.Join(home, ".codex")
	if err := os.MkdirAll(codexDir, 0o755); err != nil {
		return err
	}
	configPath := filepath.Join(codexDir, "config.toml")
	ourHook := filepath.Join(hooksDir, "codex-notify.sh")

	raw := map[string]any{}
	if data, err := os.ReadFile(configPath); err == nil {
		if _, err := toml.Decode(string(data), &raw); err != nil {
			backupCorruptFile(configPath)
			raw = map[string]any{}
		}
	}

	existingNotify, _ := raw["notify"].([]any)
	existingArgv := make([]string, 0, len(existingNotify))
	for _, v := range existingNotify {
		if s, ok := v.(string); ok {
			existingArgv = append(existingArgv, s)
		}
	}

	switch {
	case len(existingArgv) == 0:
		raw["notify"] = []string{ourHook}
	case len(existingArgv) == 1 && existingArgv[0] == ourHook:
		return nil
	case argvIsChainWrapper(existingArgv, hooksDir):
		return nil
	default:
		wrapperPath, err := createCodexChainedWrapper(hooksDir, existingArgv, ourHook)
		if err != nil {
			return fmt.Errorf("create codex chained notify wrapper: %w", err)
		}
		raw["notify"] = []string{wrapperPath}
	}

	return writeTOMLAtomic(configPath, raw)
}

func argvIsChainWrapper(argv []string, hooksDir string) bool {
	return len(argv) == 1 && argv[0] == filepath.Join(hooksDir, "codex-notify-wrapper.sh")
}

// createCodexChainedWrapper writes a script that forwards Codex's single
// JSON argument to the pre-existing notify command and to our own hook, so
// reconciling a user's custom notify setup never silently disables it.
func createCodexChainedWrapper(hooksDir string, foreignArgv []string, ourHook string) (string, error) {
	path := filepath.Join(hooksDir, "codex-notify-wrapper.sh")

	script := "#!/bin/bash\n" +
		"# Ada chained Codex notify wrapper - forwards to the prior notify command\n" +
		"# and to the Ada hook, so reconciling notify never disables an existing setup.\n\n" +
		shellEscapeArgv(foreignArgv) + ` "$1" || true
` + shellEscapeArgv([]string{ourHook}) + ` "$1" || true
exit 0
`
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		return "", err
	}
	return path, nil
}

func shellEscapeArgv(argv []string) string {
	out := ""
	for i, a := range argv {
		if i > 0 {
			out += " "
		}
		out += shellQuote(a)
	}
	return out
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	out := "'"
	for _, r := range s {
		if r == '\'' {
			out += `'\''`
		} else {
			out += string(r)
		}
	}
	return out + "'"
}

func backupCorruptFile(path string) {
	ts := time.Now().UTC().Format("20060102150405")
	_ = os.Rename(path, fmt.Sprintf("%s.bak.%s", path, ts))
}

func writeTOMLAtomic(path string, doc map[string]any) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := toml.NewEncoder(f).Encode(doc); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
