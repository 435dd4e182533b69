// Package envshape detects the user's login shell, materializes the
// wrapper and hook scripts every spawned agent runs through, reconciles
// each supported agent's own configuration so its hooks call back into
// the daemon, and builds the filtered environment map every PTY is
// spawned with.
package envshape

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/segun-io/ada/internal/ptyproc"
)

// allowedEnvVars is the inherited-variable allowlist: login/session
// identity, version managers, proxies, and locale. Everything else from
// the daemon's own environment stays out of spawned PTYs.
var allowedEnvVars = map[string]struct{}{
	"PATH": {}, "HOME": {}, "USER": {}, "SHELL": {}, "TERM": {}, "TMPDIR": {}, "LANG": {},
	"SSH_AUTH_SOCK": {}, "SSH_AGENT_PID": {},
	"NVM_DIR": {}, "NVM_BIN": {}, "NVM_INC": {},
	"PYENV_ROOT": {}, "PYENV_SHELL": {},
	"RBENV_ROOT": {}, "RBENV_SHELL": {},
	"CARGO_HOME": {}, "RUSTUP_HOME": {},
	"GOPATH": {}, "GOROOT": {}, "GOBIN": {},
	"BUN_INSTALL": {},
	"HTTP_PROXY": {}, "HTTPS_PROXY": {}, "NO_PROXY": {},
	"http_proxy": {}, "https_proxy": {}, "no_proxy": {},
	"__CF_USER_TEXT_ENCODING":    {},
	"Apple_PubSub_Socket_Render": {},
	"LC_ALL": {}, "LC_CTYPE": {}, "LC_MESSAGES": {},
}

var allowedPrefixes = []string{"ADA_", "LC_"}

// TerminalEnvParams carries everything BuildTerminalEnv needs beyond the
// ambient process environment.
type TerminalEnvParams struct {
	Shell            ptyproc.Shell
	WrapperDir       string
	AdaHome          string
	AdaBinDir        string
	TerminalID       string
	ProjectID        string
	NotificationPort int
}

// BuildTerminalEnv constructs the environment map a spawned PTY inherits:
// the filtered allowlist of the daemon's own environment, then the
// mandatory Ada variables, with zsh's ZDOTDIR redirection applied when the
// detected shell is zsh.
func BuildTerminalEnv(p TerminalEnvParams) map[string]string {
	env := make(map[string]string)

	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if _, allowed := allowedEnvVars[key]; allowed || hasAllowedPrefix(key) {
			env[key] = value
		}
	}

	if p.Shell.Name == "zsh" {
		origZdotdir := os.Getenv("ZDOTDIR")
		if origZdotdir == "" {
			origZdotdir, _ = os.UserHomeDir()
		}
		env["ADA_ORIG_ZDOTDIR"] = origZdotdir
		env["ZDOTDIR"] = filepath.Join(p.WrapperDir, "zsh")
	}

	env["ADA_HOME"] = p.AdaHome
	env["ADA_BIN_DIR"] = p.AdaBinDir
	env["ADA_TERMINAL_ID"] = p.TerminalID
	env["ADA_PROJECT_ID"] = p.ProjectID
	env["ADA_NOTIFICATION_PORT"] = strconv.Itoa(p.NotificationPort)
	env["TERM"] = "xterm-256color"
	env["SHELL"] = p.Shell.Path

	adaBin := p.AdaBinDir
	if existing, ok := env["PATH"]; ok {
		env["PATH"] = adaBin + ":" + existing
	} else {
		env["PATH"] = adaBin
	}

	return env
}

func hasAllowedPrefix(key string) bool {
	for _, prefix := range allowedPrefixes {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}
