package notify

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"
)

// Tone is a short synthesized sound.
type Tone struct {
	Frequency float64
	Duration  time.Duration
}

var tones = map[Category]float64{
	CategorySuccess:   880,
	CategoryError:     220,
	CategoryWarning:   440,
	CategoryInfo:      660,
	CategoryTask:      587,
	CategoryMilestone: 1047,
	CategoryMention:   784,
	CategoryComment:   698,
	CategoryUpload:    523,
	CategoryLoading:   494,
}

// ToneFor returns the tone played for a new toast of category c.
func ToneFor(c Category) Tone {
	f, ok := tones[c]
	if !ok {
		f = 600
	}
	return Tone{Frequency: f, Duration: 150 * time.Millisecond}
}

// Sounder plays a tone. Failures are ignored by the queue.
type Sounder interface {
	Play(Tone) error
}

// Permission is the state of the platform notification capability.
type Permission string

const (
	PermissionDefault Permission = "default"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

// Desktop raises platform notifications.
type Desktop interface {
	Permission() Permission
	RequestPermission(ctx context.Context) Permission
	Notify(title, body string) error
}

// BellSounder rings the terminal bell. Terminals cannot change the pitch,
// so only the category specific tone cadence is kept.
type BellSounder struct {
	Out io.Writer

	mu sync.Mutex
}

func (b *BellSounder) Play(t Tone) error {
	if b.Out == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := io.WriteString(b.Out, "\a")
	return err
}

// ExecDesktop sends notifications through notify-send. Permission is granted
// while the binary is found on PATH; it is resolved on first use.
type ExecDesktop struct {
	Command string

	mu         sync.Mutex
	permission Permission
}

// NewExecDesktop returns a notifier using the notify-send binary.
func NewExecDesktop() *ExecDesktop {
	return &ExecDesktop{Command: "notify-send"}
}

func (d *ExecDesktop) Permission() Permission {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.permission == "" || d.permission == PermissionDefault {
		d.resolveLocked()
	}
	return d.permission
}

func (d *ExecDesktop) RequestPermission(context.Context) Permission {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resolveLocked()
	return d.permission
}

func (d *ExecDesktop) resolveLocked() {
	if _, err := exec.LookPath(d.Command); err != nil {
		d.permission = PermissionDenied
	} else {
		d.permission = PermissionGranted
	}
}

func (d *ExecDesktop) Notify(title, body string) error {
	if d.Permission() != PermissionGranted {
		return nil
	}
	cmd := exec.Command(d.Command, "--app-name=board-sync", title, body)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", d.Command, err)
	}
	go cmd.Wait()
	return nil
}
