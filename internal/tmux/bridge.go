// Package tmux is the outbound bridge to agent terminals. The engine never
// drives agents through tmux; the bridge only delivers operator responses
// into a pane and verifies that recorded panes still exist.
package tmux

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ErrPaneNotFound is returned when a recorded pane target no longer exists.
var ErrPaneNotFound = errors.New("tmux pane not found")

// CommandRunner executes tmux commands.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type defaultCommandRunner struct{}

func (defaultCommandRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		trimmed := strings.TrimSpace(string(out))
		if trimmed == "" {
			return nil, fmt.Errorf("run %s: %w", formatCommand(name, args), err)
		}
		return nil, fmt.Errorf("run %s: %w (%s)", formatCommand(name, args), err, trimmed)
	}
	return out, nil
}

// Options configures a bridge.
type Options struct {
	Runner CommandRunner
	// LookPath resolves the tmux binary; overridable for tests.
	LookPath func(string) (string, error)
}

// Bridge delivers text into tmux panes and inspects pane liveness.
type Bridge struct {
	runner   CommandRunner
	lookPath func(string) (string, error)
}

// New creates a tmux bridge with default dependencies where omitted.
func New(opts Options) *Bridge {
	runner := opts.Runner
	if runner == nil {
		runner = defaultCommandRunner{}
	}
	lookPath := opts.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	return &Bridge{runner: runner, lookPath: lookPath}
}

// Available reports whether a tmux binary is installed at all.
func (b *Bridge) Available() bool {
	if b == nil {
		return false
	}
	_, err := b.lookPath("tmux")
	return err == nil
}

// ListPanes returns the unique pane ids of every pane on the server. A tmux
// server that is not running means zero panes, not an error.
func (b *Bridge) ListPanes(ctx context.Context) ([]string, error) {
	if b == nil {
		return nil, errors.New("tmux bridge is nil")
	}

	out, err := b.runner.Run(ctx, "tmux", "list-panes", "-a", "-F", "#{pane_id}")
	if err != nil {
		if isNoTmuxServerError(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("list tmux panes: %w", err)
	}

	lines := strings.Split(string(out), "\n")
	panes := make([]string, 0, len(lines))
	for _, line := range lines {
		pane := strings.TrimSpace(line)
		if pane == "" {
			continue
		}
		panes = append(panes, pane)
	}
	return panes, nil
}

// HasPane reports whether the pane target currently resolves.
func (b *Bridge) HasPane(ctx context.Context, target string) (bool, error) {
	if b == nil {
		return false, errors.New("tmux bridge is nil")
	}
	target = strings.TrimSpace(target)
	if target == "" {
		return false, errors.New("pane target is required")
	}

	if _, err := b.runner.Run(ctx, "tmux", "display-message", "-pt", target, "#{pane_id}"); err != nil {
		if isMissingPaneError(err) || isNoTmuxServerError(err) {
			return false, nil
		}
		return false, fmt.Errorf("resolve tmux pane %s: %w", target, err)
	}
	return true, nil
}

// SendText delivers text into the target pane followed by Enter. Text is
// sent literally so that agent answers containing key names or semicolons
// arrive unmangled.
func (b *Bridge) SendText(ctx context.Context, target string, text string) error {
	if b == nil {
		return errors.New("tmux bridge is nil")
	}
	target = strings.TrimSpace(target)
	if target == "" {
		return errors.New("pane target is required")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("text is required")
	}

	if _, err := b.runner.Run(ctx, "tmux", "send-keys", "-t", target, "-l", text); err != nil {
		if isMissingPaneError(err) || isNoTmuxServerError(err) {
			return fmt.Errorf("%w: %s", ErrPaneNotFound, target)
		}
		return fmt.Errorf("send text to tmux pane %s: %w", target, err)
	}
	if _, err := b.runner.Run(ctx, "tmux", "send-keys", "-t", target, "Enter"); err != nil {
		return fmt.Errorf("send enter to tmux pane %s: %w", target, err)
	}
	return nil
}

func isNoTmuxServerError(err error) bool {
	if err == nil {
		return false
	}
	text := strings.ToLower(err.Error())
	return strings.Contains(text, "no server running") || strings.Contains(text, "failed to connect to server")
}

func isMissingPaneError(err error) bool {
	if err == nil {
		return false
	}
	text := strings.ToLower(err.Error())
	return strings.Contains(text, "can't find pane") ||
		strings.Contains(text, "can't find session") ||
		strings.Contains(text, "no such session")
}

func formatCommand(name string, args []string) string {
	parts := append([]string{strings.TrimSpace(name)}, args...)
	sanitized := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		sanitized = append(sanitized, part)
	}
	return strings.Join(sanitized, " ")
}

var _ CommandRunner = defaultCommandRunner{}
