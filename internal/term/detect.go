// Package term resolves the identity of the attached terminal and probes
// its dimensions. The identity triple (name, terminal id, session id)
// scopes upload status and identifier allocation.
package term

import (
	"os"
	"os/exec"
	"regexp"
	"strings"
)

// Identity names one terminal instance. Name is the terminal type, ID
// identifies the terminal instance (upload status scope), Session
// identifies the allocation session (database file scope).
type Identity struct {
	Name    string
	ID      string
	Session string
}

var badIdentChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

func sanitize(s string) string {
	return badIdentChars.ReplaceAllString(s, "_")
}

// InsideSSH reports whether the process runs in an ssh session, which
// makes direct streaming the preferred transport.
func InsideSSH() bool {
	return os.Getenv("SSH_CLIENT") != "" ||
		os.Getenv("SSH_TTY") != "" ||
		os.Getenv("SSH_CONNECTION") != ""
}

func insideTmux() bool {
	if os.Getenv("TMUX") == "" {
		return false
	}
	term := os.Getenv("TERM")
	return strings.Contains(term, "screen") || strings.Contains(term, "tmux")
}

func tmuxDisplayMessage(format string) (string, error) {
	out, err := exec.Command("tmux", "display-message", "-p", format).Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// DetectIdentity resolves the identity triple from the environment. Inside
// tmux the client pid and session id come from the tmux server, so every
// pane of one session shares a database while upload status follows the
// attached client. Outside tmux $TERM and $WINDOWID identify the terminal.
func DetectIdentity() Identity {
	if insideTmux() {
		data, err := tmuxDisplayMessage("#{client_termname}||||#{client_pid}||||#{pid}_#{session_id}")
		if err == nil {
			parts := strings.Split(data, "||||")
			if len(parts) == 3 {
				return Identity{
					Name:    sanitize(parts[0]),
					ID:      sanitize("tmux-client-" + parts[0] + "-" + parts[1]),
					Session: sanitize("tmux-" + parts[2]),
				}
			}
		}
	}

	name := os.Getenv("TERM")
	if name == "" {
		name = "unknown-terminal"
	}
	id := name + "-windowid-" + getenvDefault("WINDOWID", "unknown-window")
	id = sanitize(id)
	return Identity{Name: name, ID: id, Session: id}
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// ResolveIdentity fills missing parts of an explicitly configured identity
// from detection.
func ResolveIdentity(name, id, session string) Identity {
	if name != "" && id != "" && session != "" {
		return Identity{Name: name, ID: id, Session: session}
	}
	detected := DetectIdentity()
	if name == "" {
		name = detected.Name
	}
	if id == "" {
		id = detected.ID
	}
	if session == "" {
		session = detected.Session
	}
	return Identity{Name: name, ID: id, Session: session}
}
