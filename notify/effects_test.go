package notify

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// recordingNotifier writes a script that appends its arguments to a file.
func recordingNotifier(t *testing.T) (string, string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	dir := t.TempDir()
	out := filepath.Join(dir, "calls")
	script := filepath.Join(dir, "notify-send")
	body := "#!/bin/sh\necho \"$@\" >> " + out + "\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return script, out
}

func TestExecDesktopNotifiesWithSavedPreference(t *testing.T) {
	script, out := recordingNotifier(t)
	store := &MemoryPreferences{}
	saved := DefaultPreferences()
	saved.DesktopNotifications = true
	if err := store.SavePreferences(context.Background(), saved); err != nil {
		t.Fatalf("save: %v", err)
	}

	d := NewExecDesktop()
	d.Command = script
	q := NewQueue(context.Background(), store, WithDesktop(d))
	q.Error("boom")

	require.Eventually(t, func() bool {
		b, err := os.ReadFile(out)
		return err == nil && strings.Contains(string(b), "boom")
	}, 2*time.Second, 20*time.Millisecond)
}

func TestExecDesktopDeniedWithoutBinary(t *testing.T) {
	d := &ExecDesktop{Command: filepath.Join(t.TempDir(), "missing")}
	if p := d.Permission(); p != PermissionDenied {
		t.Fatalf("expected denied, got %s", p)
	}
	q := NewQueue(context.Background(), &MemoryPreferences{}, WithDesktop(d))
	on, err := q.ToggleDesktopNotifications(context.Background())
	if err != nil || on {
		t.Fatalf("expected desktop notifications off, got %v %v", on, err)
	}
}

func TestMemoryPreferencesConcurrentSaves(t *testing.T) {
	store := &MemoryPreferences{}
	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func(n int) {
			defer func() { done <- struct{}{} }()
			p := DefaultPreferences()
			p.MaxToasts = n + 1
			_ = store.SavePreferences(context.Background(), p)
			_, _ = store.LoadPreferences(context.Background())
		}(i)
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	if _, err := store.LoadPreferences(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
}
