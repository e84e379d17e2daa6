package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeSounder struct {
	mu    sync.Mutex
	tones []Tone
	fail  bool
	panic bool
}

func (s *fakeSounder) Play(t Tone) error {
	if s.panic {
		panic("audio device gone")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tones = append(s.tones, t)
	if s.fail {
		return errors.New("no audio")
	}
	return nil
}

type fakeDesktop struct {
	permission Permission
	grant      Permission
	requests   int
	titles     []string
}

func (d *fakeDesktop) Permission() Permission { return d.permission }

func (d *fakeDesktop) RequestPermission(context.Context) Permission {
	d.requests++
	d.permission = d.grant
	return d.permission
}

func (d *fakeDesktop) Notify(title, body string) error {
	d.titles = append(d.titles, title)
	return nil
}

func messages(q *Queue) []string {
	var out []string
	for _, t := range q.List() {
		out = append(out, t.Message)
	}
	return out
}

func TestCapEvictsOldestFirst(t *testing.T) {
	q := NewQueue(context.Background(), nil)
	for i := 1; i <= 7; i++ {
		q.Add(Options{Message: fmt.Sprint(i), Persistent: true})
	}
	require.Equal(t, []string{"3", "4", "5", "6", "7"}, messages(q))
}

func TestRemoveIsIdempotent(t *testing.T) {
	q := NewQueue(context.Background(), nil)
	id := q.Add(Options{Message: "saved", Duration: time.Hour})
	if !q.Remove(id) {
		t.Fatal("expected first remove to succeed")
	}
	if q.Remove(id) {
		t.Fatal("expected second remove to be a no-op")
	}
	if q.Remove("missing") {
		t.Fatal("expected unknown id to be ignored")
	}
	if len(q.List()) != 0 {
		t.Fatalf("expected empty queue, got %v", messages(q))
	}
}

func TestToastsExpireAfterDuration(t *testing.T) {
	q := NewQueue(context.Background(), nil)
	q.Add(Options{Message: "short", Duration: 20 * time.Millisecond})
	q.Add(Options{Message: "sticky", Persistent: true})
	require.Eventually(t, func() bool {
		return len(q.List()) == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"sticky"}, messages(q))
}

func TestEarlyRemovalCancelsTimer(t *testing.T) {
	q := NewQueue(context.Background(), nil)
	id := q.Add(Options{Message: "dismissed", Duration: 10 * time.Millisecond})
	q.Remove(id)
	q.Add(Options{Message: "later", Persistent: true})
	time.Sleep(40 * time.Millisecond)
	require.Equal(t, []string{"later"}, messages(q))
}

func TestDefaultDurations(t *testing.T) {
	q := NewQueue(context.Background(), nil)
	cases := map[Category]time.Duration{
		CategorySuccess:   3 * time.Second,
		CategoryInfo:      4 * time.Second,
		CategoryWarning:   5 * time.Second,
		CategoryError:     6 * time.Second,
		CategoryMilestone: 6 * time.Second,
	}
	for cat, want := range cases {
		id := q.Add(Options{Message: string(cat), Category: cat})
		got, ok := q.Get(id)
		if !ok || got.Duration != want || got.Persistent {
			t.Fatalf("%s: expected %s, got %+v", cat, want, got)
		}
		q.Remove(id)
	}
	id := q.Add(Options{Message: "saving", Category: CategoryLoading})
	if got, _ := q.Get(id); !got.Persistent || !got.ExpiresAt().IsZero() {
		t.Fatalf("expected loading toast to be persistent, got %+v", got)
	}
	if got, _ := q.Get(q.Add(Options{Message: "plain"})); got.Category != CategoryInfo {
		t.Fatalf("expected info default category, got %s", got.Category)
	}
}

func TestDedupeKeyKeepsOneEntry(t *testing.T) {
	q := NewQueue(context.Background(), nil)
	q.Add(Options{Message: "Reconnecting", DedupeKey: "connection", Persistent: true})
	q.Add(Options{Message: "other", Persistent: true})
	q.Add(Options{Message: "Connected", DedupeKey: "connection", Persistent: true})
	require.Equal(t, []string{"other", "Connected"}, messages(q))
}

func TestClearByCategory(t *testing.T) {
	q := NewQueue(context.Background(), nil)
	q.Add(Options{Message: "e1", Category: CategoryError, Persistent: true})
	q.Add(Options{Message: "ok", Category: CategorySuccess, Persistent: true})
	q.Add(Options{Message: "e2", Category: CategoryError, Persistent: true})
	if n := q.ClearByCategory(CategoryError); n != 2 {
		t.Fatalf("expected 2 removed, got %d", n)
	}
	require.Equal(t, []string{"ok"}, messages(q))
	q.Clear()
	if len(q.List()) != 0 {
		t.Fatal("expected clear to empty the queue")
	}
}

func TestLoweringMaxToastsTrimsAndPersists(t *testing.T) {
	store := &MemoryPreferences{}
	q := NewQueue(context.Background(), store)
	for i := 1; i <= 4; i++ {
		q.Add(Options{Message: fmt.Sprint(i), Persistent: true})
	}
	max := 2
	p, err := q.UpdatePreferences(context.Background(), PreferencesPatch{MaxToasts: &max})
	if err != nil {
		t.Fatalf("update preferences: %v", err)
	}
	if p.MaxToasts != 2 || !p.SoundEnabled {
		t.Fatalf("unexpected preferences %+v", p)
	}
	require.Equal(t, []string{"3", "4"}, messages(q))
	if store.Saves != 1 {
		t.Fatalf("expected one save, got %d", store.Saves)
	}

	reloaded := NewQueue(context.Background(), store)
	if reloaded.Preferences().MaxToasts != 2 {
		t.Fatalf("expected saved preferences to load, got %+v", reloaded.Preferences())
	}
}

func TestUpdatePreferencesRejectsInvalidValues(t *testing.T) {
	store := &MemoryPreferences{}
	q := NewQueue(context.Background(), store)
	zero := 0
	if _, err := q.UpdatePreferences(context.Background(), PreferencesPatch{MaxToasts: &zero}); !errors.Is(err, ErrInvalidPreferences) {
		t.Fatalf("expected ErrInvalidPreferences, got %v", err)
	}
	if err := q.SetPosition(context.Background(), "middle"); !errors.Is(err, ErrInvalidPreferences) {
		t.Fatalf("expected ErrInvalidPreferences, got %v", err)
	}
	if store.Saves != 0 {
		t.Fatalf("expected nothing saved, got %d saves", store.Saves)
	}
	if err := q.SetPosition(context.Background(), BottomLeft); err != nil {
		t.Fatalf("set position: %v", err)
	}
	if q.Preferences().Position != BottomLeft {
		t.Fatalf("unexpected position %s", q.Preferences().Position)
	}
}

func TestSoundFollowsPreferenceAndSwallowsFailures(t *testing.T) {
	s := &fakeSounder{fail: true}
	q := NewQueue(context.Background(), nil, WithSounder(s))
	q.Error("boom")
	if len(s.tones) != 1 || s.tones[0].Frequency != ToneFor(CategoryError).Frequency {
		t.Fatalf("expected error tone, got %+v", s.tones)
	}
	on, err := q.ToggleSound(context.Background())
	if err != nil || on {
		t.Fatalf("expected sound off, got %v %v", on, err)
	}
	q.Info("quiet")
	if len(s.tones) != 1 {
		t.Fatalf("expected no tone with sound disabled, got %d", len(s.tones))
	}

	panicky := NewQueue(context.Background(), nil, WithSounder(&fakeSounder{panic: true}))
	panicky.Success("still shown")
	require.Equal(t, []string{"still shown"}, messages(panicky))
}

func TestToggleDesktopAsksPermissionOnce(t *testing.T) {
	d := &fakeDesktop{permission: PermissionDefault, grant: PermissionGranted}
	q := NewQueue(context.Background(), nil, WithDesktop(d))
	on, err := q.ToggleDesktopNotifications(context.Background())
	if err != nil || !on {
		t.Fatalf("expected desktop notifications on, got %v %v", on, err)
	}
	q.Add(Options{Message: "assigned", Category: CategoryTask})
	if d.requests != 1 || len(d.titles) != 1 || d.titles[0] != "Task Update" {
		t.Fatalf("unexpected desktop calls: requests=%d titles=%v", d.requests, d.titles)
	}
	if on, _ := q.ToggleDesktopNotifications(context.Background()); on {
		t.Fatal("expected second toggle to disable")
	}
	if on, _ := q.ToggleDesktopNotifications(context.Background()); !on {
		t.Fatal("expected third toggle to enable")
	}
	if d.requests != 1 {
		t.Fatalf("expected permission prompt only once, got %d", d.requests)
	}
}

func TestToggleDesktopStaysOffWhenDenied(t *testing.T) {
	d := &fakeDesktop{permission: PermissionDefault, grant: PermissionDenied}
	q := NewQueue(context.Background(), nil, WithDesktop(d))
	on, err := q.ToggleDesktopNotifications(context.Background())
	if err != nil || on {
		t.Fatalf("expected desktop notifications off, got %v %v", on, err)
	}
	q.Info("hidden")
	if len(d.titles) != 0 {
		t.Fatalf("expected no desktop notification, got %v", d.titles)
	}
}

func TestPromiseReplacesLoadingToast(t *testing.T) {
	q := NewQueue(context.Background(), nil)
	v, err := Promise(context.Background(), q, func(context.Context) (int, error) {
		if list := q.List(); len(list) != 1 || list[0].Category != CategoryLoading {
			t.Errorf("expected loading toast while running, got %+v", list)
		}
		return 42, nil
	}, PromiseMessages{Loading: "Saving", Success: "Saved"})
	if err != nil || v != 42 {
		t.Fatalf("unexpected result %v %v", v, err)
	}
	list := q.List()
	if len(list) != 1 || list[0].Category != CategorySuccess || list[0].Message != "Saved" || list[0].Persistent {
		t.Fatalf("unexpected toasts %+v", list)
	}
}

func TestPromiseReturnsError(t *testing.T) {
	q := NewQueue(context.Background(), nil)
	boom := errors.New("api unavailable")
	_, err := Promise(context.Background(), q, func(context.Context) (struct{}, error) {
		return struct{}{}, boom
	}, PromiseMessages{Loading: "Saving", Success: "Saved"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected original error, got %v", err)
	}
	list := q.List()
	if len(list) != 1 || list[0].Category != CategoryError || list[0].Message != "api unavailable" {
		t.Fatalf("unexpected toasts %+v", list)
	}
}

func TestSubscribeReceivesChanges(t *testing.T) {
	q := NewQueue(context.Background(), nil)
	feed, stop := q.Subscribe()
	defer stop()
	id := q.Add(Options{Message: "hello", Persistent: true})
	q.Update(id, Options{Message: "hello again", Persistent: true})
	q.Remove(id)

	var kinds []ChangeKind
	for i := 0; i < 3; i++ {
		select {
		case c := <-feed:
			if c.Toast.ID != id {
				t.Fatalf("unexpected toast id %s", c.Toast.ID)
			}
			kinds = append(kinds, c.Kind)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for change")
		}
	}
	require.Equal(t, []ChangeKind{ChangeAdded, ChangeUpdated, ChangeRemoved}, kinds)
}
