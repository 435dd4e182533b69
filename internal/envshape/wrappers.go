package envshape

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// WrapperPaths are the directories SetupAgentWrappers materializes into.
type WrapperPaths struct {
	BinDir    string
	HooksDir  string
	PluginDir string
}

// SetupAgentWrappers writes the per-agent wrapper scripts, hook scripts, and
// the OpenCode plugin under adaHome, then reconciles each agent's own
// configuration file so its hooks call back into the daemon. Every step is
// idempotent and safe to run on every daemon start; a reconciliation
// failure for one agent is logged and does not abort the others.
func SetupAgentWrappers(adaHome string, logger interface {
	Warn(msg string, args ...any)
}) (WrapperPaths, error) {
	paths := WrapperPaths{
		BinDir:    filepath.Join(adaHome, "bin"),
		HooksDir:  filepath.Join(adaHome, "hooks"),
		PluginDir: filepath.Join(adaHome, "plugins"),
	}

	for _, dir := range []string{paths.BinDir, paths.HooksDir, paths.PluginDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return paths, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	if err := writeExecutable(filepath.Join(paths.HooksDir, "notify.sh"), claudeNotifyHook); err != nil {
		return paths, err
	}
	if err := writeExecutable(filepath.Join(paths.HooksDir, "codex-notify.sh"), codexNotifyHook); err != nil {
		return paths, err
	}
	if err := writeExecutable(filepath.Join(paths.HooksDir, "gemini-notify.sh"), geminiNotifyHook); err != nil {
		return paths, err
	}
	if err := writeExecutable(filepath.Join(paths.HooksDir, "cursor-notify.sh"), cursorNotifyHook); err != nil {
		return paths, err
	}
	if err := os.WriteFile(filepath.Join(paths.PluginDir, "ada-notify.js"), []byte(opencodePlugin), 0o644); err != nil {
		return paths, fmt.Errorf("write opencode plugin: %w", err)
	}

	if err := EnsureClaudeSettings(adaHome); err != nil {
		logger.Warn("failed to ensure Claude settings", "error", err)
	}
	if err := EnsureCodexConfig(paths.HooksDir); err != nil {
		logger.Warn("failed to ensure Codex config", "error", err)
	}
	if err := ensureHookSettingsFile(geminiSettingsPath(), buildGeminiHooks(filepath.Join(paths.HooksDir, "gemini-notify.sh"))); err != nil {
		logger.Warn("failed to ensure Gemini settings", "error", err)
	}
	if err := ensureHookSettingsFile(cursorHooksPath(), buildCursorHooks(filepath.Join(paths.HooksDir, "cursor-notify.sh"))); err != nil {
		logger.Warn("failed to ensure Cursor hooks", "error", err)
	}
	if err := ensureOpenCodePlugin(paths.PluginDir); err != nil {
		logger.Warn("failed to ensure OpenCode plugin", "error", err)
	}

	for _, cmd := range []string{"claude", "codex", "gemini", "cursor"} {
		if err := writeAgentWrapper(paths.BinDir, adaHome, cmd); err != nil {
			return paths, fmt.Errorf("write %s wrapper: %w", cmd, err)
		}
	}
	if err := writeOpenCodeWrapper(paths.BinDir); err != nil {
		return paths, fmt.Errorf("write opencode wrapper: %w", err)
	}

	return paths, nil
}

func writeExecutable(path, content string) error {
	if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// writeAgentWrapper renders the shared wrapper template. Only Claude gets a
// --settings injection block; Codex/Gemini/Cursor read their own config
// files directly, so their wrappers just resolve and exec the real binary.
func writeAgentWrapper(binDir, adaHome, command string) error {
	settingsBlock := ""
	if command == "claude" {
		settingsBlock = fmt.Sprintf(claudeSettingsBlockTemplate, adaHome)
	}

	wrapper := fmt.Sprintf(agentWrapperTemplate, command, adaHome, settingsBlock)
	return writeExecutable(filepath.Join(binDir, command), wrapper)
}

func writeOpenCodeWrapper(binDir string) error {
	return writeExecutable(filepath.Join(binDir, "opencode"), opencodeWrapperScript)
}

// agentWrapperTemplate takes exactly three Sprintf args: [1] the command
// name, [2] adaHome, [3] the (possibly empty) settings-injection block.
const agentWrapperTemplate = `#!/bin/bash
# Ada wrapper for %[1]s

REAL_CMD=$(which -a %[1]s 2>/dev/null | grep -v "%[2]s/bin" | head -1)

if [[ -z "$REAL_CMD" ]]; then
    for path in "$HOME/.local/bin/%[1]s" "/usr/local/bin/%[1]s" "/opt/homebrew/bin/%[1]s"; do
        if [[ -x "$path" ]]; then
            REAL_CMD="$path"
            break
        fi
    done
fi

if [[ -z "$REAL_CMD" ]]; then
    echo "Error: %[1]s not found" >&2
    exit 1
fi
%[3]s
exec "$REAL_CMD" "${SETTINGS_ARGS[@]}" "$@"
`

// claudeSettingsBlockTemplate re-validates claude-settings.json from inside
// the wrapper itself (belt-and-suspenders against the daemon having written
// a bad file, or the user having hand-edited it since).
const claudeSettingsBlockTemplate = `
SETTINGS_PATH="%s/claude-settings.json"
SETTINGS_ARGS=()
if [[ -f "$SETTINGS_PATH" ]]; then
    PYTHON_BIN=""
    if command -v python3 >/dev/null 2>&1; then
        PYTHON_BIN="python3"
    elif command -v python >/dev/null 2>&1; then
        PYTHON_BIN="python"
    fi

    if [[ -n "$PYTHON_BIN" ]]; then
        if "$PYTHON_BIN" - "$SETTINGS_PATH" <<'PY'
import json
import sys
try:
    with open(sys.argv[1], "r", encoding="utf-8") as handle:
        json.load(handle)
except Exception:
    sys.exit(1)
PY
        then
            SETTINGS_ARGS=("--settings" "$SETTINGS_PATH")
        else
            TS=$(date +%%s)
            mv "$SETTINGS_PATH" "$SETTINGS_PATH.bak.$TS" 2>/dev/null || true
            echo "Warning: invalid Claude settings JSON, running without hooks." >&2
        fi
    else
        SETTINGS_ARGS=("--settings" "$SETTINGS_PATH")
    fi
fi
`

const opencodeWrapperScript = `#!/bin/bash
# Ada wrapper for opencode
# Plugin is installed to ~/.config/opencode/plugin/ada-notify.js

REAL_CMD=$(which -a opencode 2>/dev/null | grep -v "$ADA_HOME/bin" | head -1)

if [[ -z "$REAL_CMD" ]]; then
    for path in "$HOME/.local/bin/opencode" "/usr/local/bin/opencode" "/opt/homebrew/bin/opencode"; do
        if [[ -x "$path" ]]; then
            REAL_CMD="$path"
            break
        fi
    done
fi

if [[ -z "$REAL_CMD" ]]; then
    echo "Error: opencode not found" >&2
    exit 1
fi

exec "$REAL_CMD" "$@"
`

// claudeNotifyHook logs and forwards Claude Code's full hook event
// vocabulary, mapping only the subset the daemon's AgentStatus cares about
// (see notifyhttp's event->status table) while still relaying every event
// raw for observability.
const claudeNotifyHook = `#!/bin/bash
# Ada agent notification hook for Claude Code
# Claude passes JSON on stdin.

LOG_FILE="${ADA_HOME:-$HOME/.ada}/logs/hooks.log"
mkdir -p "$(dirname "$LOG_FILE")"

read -r INPUT
JSON="$INPUT"

INPUT_LOG=$(echo "$INPUT" | head -c 2000)
echo "[$(date '+%Y-%m-%d %H:%M:%S')] [claude] RAW: $INPUT_LOG" >> "$LOG_FILE"

EVENT_TYPE=$(echo "$INPUT" | grep -oE '"hook_event_name"\s*:\s*"[^"]*"' | cut -d'"' -f4)
NOTIFICATION_TYPE=$(echo "$INPUT" | grep -oE '"notification_type"\s*:\s*"[^"]*"' | cut -d'"' -f4)

case "$EVENT_TYPE" in
    "SessionStart"|"UserPromptSubmit"|"PreToolUse"|"SubagentStart")
        EVENT="Start"
        ;;
    "SessionEnd"|"Stop")
        EVENT="Stop"
        ;;
    "PermissionRequest")
        EVENT="Permission"
        ;;
    "Notification")
        case "$NOTIFICATION_TYPE" in
            "permission_prompt") EVENT="Permission" ;;
            "idle_prompt") EVENT="Stop" ;;
            *) EVENT="" ;;
        esac
        ;;
    "PostToolUse"|"PostToolUseFailure"|"SubagentStop"|"PreCompact"|"Setup")
        EVENT=""
        ;;
    *)
        EVENT=""
        ;;
esac

if [[ -n "$ADA_TERMINAL_ID" ]]; then
    PORT="${ADA_NOTIFICATION_PORT:-9876}"
    ENCODED_PAYLOAD=$(printf '%s' "$JSON" | jq -sRr @uri 2>/dev/null || printf '%s' "$JSON" | sed 's/ /%20/g; s/"/%22/g; s/{/%7B/g; s/}/%7D/g; s/:/%3A/g; s/,/%2C/g')
    URL="http://127.0.0.1:${PORT}/hook/agent-event?terminal_id=${ADA_TERMINAL_ID}&project_id=${ADA_PROJECT_ID}&event=${EVENT:-raw}&agent=claude&payload=${ENCODED_PAYLOAD}"
    curl -s --max-time 2 --connect-timeout 1 "$URL" >> "$LOG_FILE" 2>&1
fi

exit 0
`

// codexNotifyHook receives its payload as $1 rather than stdin, matching
// Codex's notify contract (a single shell-escaped JSON argument).
const codexNotifyHook = `#!/bin/bash
# Ada agent notification hook for Codex
# Codex passes JSON as the first argument.

LOG_FILE="${ADA_HOME:-$HOME/.ada}/logs/hooks.log"
mkdir -p "$(dirname "$LOG_FILE")"

JSON="$1"
echo "[$(date '+%Y-%m-%d %H:%M:%S')] [codex] RAW: $(echo "$JSON" | head -c 3000)" >> "$LOG_FILE"

if command -v jq &>/dev/null; then
    EVENT_TYPE=$(echo "$JSON" | jq -r '.type // empty' 2>/dev/null)
else
    EVENT_TYPE=$(echo "$JSON" | grep -oE '"type"\s*:\s*"[^"]*"' | head -1 | cut -d'"' -f4)
fi

case "$EVENT_TYPE" in
    "agent-turn-complete") EVENT="Stop" ;;
    "approval-requested") EVENT="Permission" ;;
    *) EVENT="" ;;
esac

if [[ -n "$ADA_TERMINAL_ID" ]]; then
    PORT="${ADA_NOTIFICATION_PORT:-9876}"
    ENCODED_PAYLOAD=$(printf '%s' "$JSON" | jq -sRr @uri 2>/dev/null || printf '%s' "$JSON" | sed 's/ /%20/g; s/"/%22/g; s/{/%7B/g; s/}/%7D/g; s/:/%3A/g; s/,/%2C/g')
    URL="http://127.0.0.1:${PORT}/hook/agent-event?terminal_id=${ADA_TERMINAL_ID}&project_id=${ADA_PROJECT_ID}&event=${EVENT:-raw}&agent=codex&payload=${ENCODED_PAYLOAD}"
    curl -s --max-time 2 --connect-timeout 1 "$URL" >> "$LOG_FILE" 2>&1
fi

exit 0
`

const geminiNotifyHook = `#!/bin/bash
# Ada agent notification hook for Gemini CLI
# Gemini passes JSON on stdin.

LOG_FILE="${ADA_HOME:-$HOME/.ada}/logs/hooks.log"
mkdir -p "$(dirname "$LOG_FILE")"

read -r INPUT
EVENT_TYPE=$(echo "$INPUT" | grep -oE '"hook_event_name"\s*:\s*"[^"]*"' | cut -d'"' -f4)

case "$EVENT_TYPE" in
    "BeforeAgent") EVENT="Start" ;;
    "AfterAgent") EVENT="Stop" ;;
    "Notification") EVENT="Permission" ;;
    *) exit 0 ;;
esac

PORT="${ADA_NOTIFICATION_PORT:-9876}"
curl -s --max-time 2 --connect-timeout 1 \
    "http://127.0.0.1:${PORT}/hook/agent-event?terminal_id=${ADA_TERMINAL_ID}&event=${EVENT}" \
    &>/dev/null || true

exit 0
`

const cursorNotifyHook = `#!/bin/bash
# Ada agent notification hook for Cursor Agent
# Cursor passes JSON on stdin and expects a JSON reply.

LOG_FILE="${ADA_HOME:-$HOME/.ada}/logs/hooks.log"
mkdir -p "$(dirname "$LOG_FILE")"

read -r INPUT
EVENT_TYPE=$(echo "$INPUT" | grep -oE '"hook_event_name"\s*:\s*"[^"]*"' | cut -d'"' -f4)

case "$EVENT_TYPE" in
    "sessionStart") EVENT="Start" ;;
    "stop") EVENT="Stop" ;;
    "preToolUse") EVENT="Permission" ;;
    *)
        echo '{"status": "ok"}'
        exit 0
        ;;
esac

PORT="${ADA_NOTIFICATION_PORT:-9876}"
curl -s --max-time 2 --connect-timeout 1 \
    "http://127.0.0.1:${PORT}/hook/agent-event?terminal_id=${ADA_TERMINAL_ID}&event=${EVENT}" \
    &>/dev/null || true

echo '{"status": "ok"}'
exit 0
`

const opencodePlugin = `// Ada notification plugin for OpenCode.
// Placed in ~/.config/opencode/plugin/ where OpenCode loads it globally.

import { appendFileSync, mkdirSync, existsSync } from 'fs';
import { join, dirname } from 'path';
import { homedir } from 'os';

const ADA_HOME = process.env.ADA_HOME || join(homedir(), '.ada');
const LOG_FILE = join(ADA_HOME, 'logs', 'hooks.log');

function log(message) {
  try {
    const dir = dirname(LOG_FILE);
    if (!existsSync(dir)) mkdirSync(dir, { recursive: true });
    appendFileSync(LOG_FILE, ` + "`[${new Date().toISOString()}] [opencode] ${message}\\n`" + `);
  } catch {}
}

export const AdaNotifyPlugin = async ({ client }) => {
  if (!process?.env?.ADA_TERMINAL_ID) return {};
  if (globalThis.__adaOpencodeNotifyPlugin) return {};
  globalThis.__adaOpencodeNotifyPlugin = true;

  const port = process.env.ADA_NOTIFICATION_PORT || '9876';
  const terminalId = process.env.ADA_TERMINAL_ID;
  const projectId = process.env.ADA_PROJECT_ID || '';

  const notifyAda = async (event, reason, rawEvent) => {
    try {
      const payload = rawEvent ? encodeURIComponent(JSON.stringify(rawEvent)) : '';
      const url = ` + "`http://127.0.0.1:${port}/hook/agent-event?terminal_id=${terminalId}&project_id=${projectId}&event=${event}&agent=opencode&payload=${payload}`" + `;
      await fetch(url, { method: 'GET', signal: AbortSignal.timeout(2000) });
    } catch (e) {
      log(` + "`notify error: ${e.message}`" + `);
    }
  };

  return {
    event: async ({ event }) => {
      await notifyAda('raw', event.type, event);
      if (event.type === 'session.status') {
        const status = event.properties?.status?.type;
        if (status === 'busy') await notifyAda('Start', 'session.status.busy', event);
        if (status === 'idle') await notifyAda('Stop', 'session.status.idle', event);
      }
      if (event.type === 'session.idle') await notifyAda('Stop', 'session.idle', event);
      if (event.type === 'session.error') await notifyAda('Stop', 'session.error', event);
    },
    'permission.ask': async (permission, output) => {
      await notifyAda('raw', 'permission.ask', { permission, output });
      if (output.status === 'ask') await notifyAda('Permission', 'permission.ask', { permission, output });
    },
  };
};
`

// --- Claude settings.json reconciliation ---

// EnsureClaudeSettings merges the notify.sh hook into every hook event
// Claude Code supports, preserving any other keys already present in the
// file and leaving a valid existing hook entry for an event untouched.
func EnsureClaudeSettings(adaHome string) error {
	settingsPath := filepath.Join(adaHome, "claude-settings.json")
	notifyPath := filepath.Join(adaHome, "hooks", "notify.sh")

	events := []string{
		"SessionStart", "SessionEnd", "UserPromptSubmit",
		"PreToolUse", "PostToolUse", "PostToolUseFailure",
		"PermissionRequest", "Notification", "Stop",
		"SubagentStart", "SubagentStop", "PreCompact", "Setup",
	}
	return ensureHookSettingsFile(settingsPath, buildHookEntries(notifyPath, events))
}

func buildGeminiHooks(notifyPath string) map[string]any {
	return buildHookEntries(notifyPath, []string{"BeforeAgent", "AfterAgent", "Notification"})
}

func buildCursorHooks(notifyPath string) map[string]any {
	return buildHookEntries(notifyPath, []string{"sessionStart", "stop", "preToolUse"})
}

func geminiSettingsPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".gemini", "settings.json")
}

func cursorHooksPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".cursor", "hooks.json")
}

func buildHookEntries(notifyPath string, events []string) map[string]any {
	entry := []any{
		map[string]any{
			"matcher": "",
			"hooks": []any{
				map[string]any{"type": "command", "command": fmt.Sprintf("bash %q", notifyPath)},
			},
		},
	}
	out := make(map[string]any, len(events))
	for _, e := range events {
		out[e] = entry
	}
	return out
}

// ensureHookSettingsFile merges the desired {event: hookEntry} pairs into
// the "hooks" object of the JSON file at path, preserving unrelated keys
// and any existing, structurally-valid hook entry for an event already
// present. A missing or corrupt file is treated as an empty object.
func ensureHookSettingsFile(path string, desired map[string]any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	root := map[string]any{}
	if data, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(data, &root)
	}

	hooksRaw, _ := root["hooks"].(map[string]any)
	if hooksRaw == nil {
		hooksRaw = map[string]any{}
	}

	changed := false
	for event, value := range desired {
		if existing, ok := hooksRaw[event]; !ok || !hookEntryValid(existing) {
			hooksRaw[event] = value
			changed = true
		}
	}
	if _, ok := root["hooks"]; !ok {
		changed = true
	}
	root["hooks"] = hooksRaw

	if !changed {
		return nil
	}

	data, err := json.MarshalIndent(root, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func hookEntryValid(v any) bool {
	entries, ok := v.([]any)
	if !ok || len(entries) == 0 {
		return false
	}
	for _, e := range entries {
		obj, ok := e.(map[string]any)
		if !ok {
			return false
		}
		if _, ok := obj["hooks"].([]any); !ok {
			return false
		}
	}
	return true
}

// ensureOpenCodePlugin copies the generated plugin file into OpenCode's
// global plugin directory, where OpenCode itself expects to find it.
func ensureOpenCodePlugin(adaPluginsDir string) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	dstDir := filepath.Join(home, ".config", "opencode", "plugin")
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return err
	}

	src := filepath.Join(adaPluginsDir, "ada-notify.js")
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dstDir, "ada-notify.js"), data, 0o644)
}
