package picker

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

// fakeWalker installs a script that records its arguments and stdin and
// prints reply.
func fakeWalker(t *testing.T, reply string, code int) (string, string) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	dir := t.TempDir()
	record := filepath.Join(dir, "record")
	bin := filepath.Join(dir, "walker")
	script := "#!/bin/sh\necho \"$*\" > " + record + "\ncat >> " + record + "\n"
	if reply != "" {
		script += "printf '%s\\n' '" + reply + "'\n"
	}
	script += "exit " + strconv.Itoa(code) + "\n"
	if err := os.WriteFile(bin, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake walker: %v", err)
	}
	return bin, record
}

func TestChooseReturnsValue(t *testing.T) {
	bin, record := fakeWalker(t, "720p", 0)
	w := NewWalker(bin, nil)

	value, ok, err := w.Choose(context.Background(), "Select Video Quality", []Option{
		{Label: "Max", Value: "bestvideo"},
		{Label: "720p", Value: "bestvideo[height<=720]"},
	})
	if err != nil || !ok {
		t.Fatalf("Choose: %v %v", ok, err)
	}
	if value != "bestvideo[height<=720]" {
		t.Fatalf("unexpected value %q", value)
	}

	data, _ := os.ReadFile(record)
	if !strings.HasPrefix(string(data), "-d -p Select Video Quality\nMax\n720p") {
		t.Fatalf("unexpected invocation %q", data)
	}
}

func TestChooseCancelled(t *testing.T) {
	bin, _ := fakeWalker(t, "", 1)
	w := NewWalker(bin, nil)

	_, ok, err := w.Choose(context.Background(), "Select Video", []Option{{Label: "a", Value: "a"}})
	if err != nil || ok {
		t.Fatalf("expected silent cancel, got ok=%v err=%v", ok, err)
	}
}

func TestChooseUnknownSelection(t *testing.T) {
	bin, _ := fakeWalker(t, "something typed", 0)
	w := NewWalker(bin, nil)

	_, ok, err := w.Choose(context.Background(), "Select Video", []Option{{Label: "a", Value: "a"}})
	if err != nil || ok {
		t.Fatalf("expected no selection, got ok=%v err=%v", ok, err)
	}
}

func TestChooseSanitizesLabels(t *testing.T) {
	bin, _ := fakeWalker(t, "two lines", 0)
	w := NewWalker(bin, nil)

	value, ok, err := w.Choose(context.Background(), "p", []Option{{Label: "two\nlines", Value: "v"}})
	if err != nil || !ok || value != "v" {
		t.Fatalf("Choose = %q %v %v", value, ok, err)
	}
}

func TestPrompt(t *testing.T) {
	bin, record := fakeWalker(t, "rick astley", 0)
	w := NewWalker(bin, nil)

	query, ok, err := w.Prompt(context.Background(), "Search YouTube")
	if err != nil || !ok || query != "rick astley" {
		t.Fatalf("Prompt = %q %v %v", query, ok, err)
	}
	data, _ := os.ReadFile(record)
	if !strings.HasPrefix(string(data), "--dmenu --inputonly -p Search YouTube") {
		t.Fatalf("unexpected invocation %q", data)
	}
}

func TestMissingBinary(t *testing.T) {
	w := NewWalker(filepath.Join(t.TempDir(), "missing"), nil)
	if _, _, err := w.Prompt(context.Background(), "x"); err == nil {
		t.Fatalf("expected error for missing binary")
	}
}
