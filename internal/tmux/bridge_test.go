package tmux

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
)

type fakeRunner struct {
	calls [][]string
	out   map[string][]byte
	errs  map[string]error
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	call := append([]string{name}, args...)
	f.calls = append(f.calls, call)
	key := strings.Join(call, " ")
	if err, ok := f.errs[key]; ok {
		return nil, err
	}
	return f.out[key], nil
}

func TestAvailableUsesLookPath(t *testing.T) {
	found := New(Options{LookPath: func(string) (string, error) { return "/usr/bin/tmux", nil }})
	if !found.Available() {
		t.Fatal("expected tmux to be available")
	}

	missing := New(Options{LookPath: func(string) (string, error) { return "", errors.New("not found") }})
	if missing.Available() {
		t.Fatal("expected tmux to be unavailable")
	}
}

func TestListPanes(t *testing.T) {
	runner := &fakeRunner{out: map[string][]byte{
		"tmux list-panes -a -F #{pane_id}": []byte("%1\n%4\n\n%7\n"),
	}}
	bridge := New(Options{Runner: runner})

	panes, err := bridge.ListPanes(context.Background())
	if err != nil {
		t.Fatalf("ListPanes: %v", err)
	}
	want := []string{"%1", "%4", "%7"}
	if !reflect.DeepEqual(panes, want) {
		t.Fatalf("panes = %v, want %v", panes, want)
	}
}

func TestListPanesNoServer(t *testing.T) {
	runner := &fakeRunner{errs: map[string]error{
		"tmux list-panes -a -F #{pane_id}": errors.New("run tmux list-panes: exit status 1 (no server running on /tmp/tmux-0/default)"),
	}}
	bridge := New(Options{Runner: runner})

	panes, err := bridge.ListPanes(context.Background())
	if err != nil {
		t.Fatalf("ListPanes: %v", err)
	}
	if len(panes) != 0 {
		t.Fatalf("panes = %v, want empty", panes)
	}
}

func TestHasPane(t *testing.T) {
	runner := &fakeRunner{
		out: map[string][]byte{"tmux display-message -pt %1 #{pane_id}": []byte("%1\n")},
		errs: map[string]error{
			"tmux display-message -pt %9 #{pane_id}": errors.New("exit status 1 (can't find pane: %9)"),
		},
	}
	bridge := New(Options{Runner: runner})

	ok, err := bridge.HasPane(context.Background(), "%1")
	if err != nil || !ok {
		t.Fatalf("HasPane(%%1) = %v, %v", ok, err)
	}
	ok, err = bridge.HasPane(context.Background(), "%9")
	if err != nil || ok {
		t.Fatalf("HasPane(%%9) = %v, %v", ok, err)
	}
	if _, err := bridge.HasPane(context.Background(), "  "); err == nil {
		t.Fatal("expected error for blank target")
	}
}

func TestSendTextSendsLiterallyThenEnter(t *testing.T) {
	runner := &fakeRunner{}
	bridge := New(Options{Runner: runner})

	if err := bridge.SendText(context.Background(), "%3", "yes; use -f Enter"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	want := [][]string{
		{"tmux", "send-keys", "-t", "%3", "-l", "yes; use -f Enter"},
		{"tmux", "send-keys", "-t", "%3", "Enter"},
	}
	if !reflect.DeepEqual(runner.calls, want) {
		t.Fatalf("calls = %v, want %v", runner.calls, want)
	}
}

func TestSendTextMissingPane(t *testing.T) {
	runner := &fakeRunner{errs: map[string]error{
		"tmux send-keys -t %9 -l hello": errors.New("exit status 1 (can't find pane: %9)"),
	}}
	bridge := New(Options{Runner: runner})

	err := bridge.SendText(context.Background(), "%9", "hello")
	if !errors.Is(err, ErrPaneNotFound) {
		t.Fatalf("err = %v, want ErrPaneNotFound", err)
	}
	if len(runner.calls) != 1 {
		t.Fatalf("calls = %d, want 1 (Enter never sent)", len(runner.calls))
	}
}

func TestSendTextValidatesInput(t *testing.T) {
	bridge := New(Options{Runner: &fakeRunner{}})

	if err := bridge.SendText(context.Background(), "", "hello"); err == nil {
		t.Fatal("expected error for blank target")
	}
	if err := bridge.SendText(context.Background(), "%1", "   "); err == nil {
		t.Fatal("expected error for blank text")
	}
}
