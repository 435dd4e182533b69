package envshape

import (
	"os"
	"path/filepath"
)

const zshZprofile = `# Ada shell wrapper - sources user config then adds Ada modifications

if [[ -f "${ADA_ORIG_ZDOTDIR}/.zprofile" ]]; then
    source "${ADA_ORIG_ZDOTDIR}/.zprofile"
fi

export PATH="${ADA_BIN_DIR}:${PATH}"
`

const zshZshrc = `export ZDOTDIR="${ADA_ORIG_ZDOTDIR}"

if [[ -f "${ZDOTDIR}/.zshrc" ]]; then
    source "${ZDOTDIR}/.zshrc"
fi
`

const bashRC = `if [[ -f /etc/profile ]]; then
    source /etc/profile
fi

if [[ -f ~/.bash_profile ]]; then
    source ~/.bash_profile
elif [[ -f ~/.bash_login ]]; then
    source ~/.bash_login
elif [[ -f ~/.profile ]]; then
    source ~/.profile
fi

if [[ -f ~/.bashrc ]]; then
    source ~/.bashrc
fi

export PATH="${ADA_BIN_DIR}:${PATH}"
`

// SetupShellWrappers writes the zsh and bash rc files under
// <ada_home>/shell-wrapper/. Idempotent: it overwrites on every call, which
// is what makes it safe to run on every daemon start.
func SetupShellWrappers(adaHome string) (string, error) {
	wrapperDir := filepath.Join(adaHome, "shell-wrapper")

	zshDir := filepath.Join(wrapperDir, "zsh")
	if err := os.MkdirAll(zshDir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(zshDir, ".zprofile"), []byte(zshZprofile), 0o644); err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(zshDir, ".zshrc"), []byte(zshZshrc), 0o644); err != nil {
		return "", err
	}

	bashDir := filepath.Join(wrapperDir, "bash")
	if err := os.MkdirAll(bashDir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(bashDir, ".bashrc"), []byte(bashRC), 0o644); err != nil {
		return "", err
	}

	return wrapperDir, nil
}
