package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"

	"board-sync/auth"
	"board-sync/connection"
	"board-sync/domain"
	"board-sync/internal/consts"
	"board-sync/notify"
	"board-sync/presence"
	"board-sync/reconcile"
)

type fakeBoard struct {
	moved []string
}

func (b *fakeBoard) Project() domain.Project { return domain.Project{ID: "p1", Name: "Launch"} }
func (b *fakeBoard) Tasks() []domain.Task {
	return []domain.Task{{ID: "t1", Title: "Plan", Column: "todo", Order: 1}}
}
func (b *fakeBoard) MoveTask(_ context.Context, taskID, column string, index int) (domain.Task, error) {
	if taskID != "t1" {
		return domain.Task{}, reconcile.ErrUnknownTask
	}
	b.moved = append(b.moved, column)
	return domain.Task{ID: taskID, Column: column, Order: float64(index)}, nil
}

type fixedStatus connection.Status

func (s fixedStatus) Status() connection.Status { return connection.Status(s) }

type staticAuth struct{}

func (staticAuth) Verify(token string) (auth.Identity, error) {
	if token != "a.b.c" {
		return auth.Identity{}, auth.ErrInvalidToken
	}
	return auth.Identity{UserID: "alice"}, nil
}

type flushRecorder struct{ *httptest.ResponseRecorder }

func (flushRecorder) Flush() {}

func setup(t *testing.T, a Authenticator) (*echo.Echo, *notify.Queue, *fakeBoard) {
	t.Helper()
	q := notify.NewQueue(context.Background(), &notify.MemoryPreferences{})
	t.Cleanup(q.Clear)
	tr := presence.NewTracker()
	tr.Online(domain.PresenceEntry{UserID: "bob", DisplayName: "Bob"})
	board := &fakeBoard{}
	e := echo.New()
	Register(e, Deps{
		Board:    board,
		Presence: tr,
		Toasts:   q,
		Status:   fixedStatus{State: connection.Connected},
		Auth:     a,
	})
	return e, q, board
}

func do(e *echo.Echo, method, target, body string, header http.Header) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHealthzReportsConnectionState(t *testing.T) {
	e := echo.New()
	Register(e, Deps{Status: fixedStatus{State: connection.Disconnected, Attempt: 5, LastError: errors.New("refused")}})
	rec := do(e, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var body healthResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.State != connection.Disconnected || body.Attempt != 5 || body.LastError != "refused" {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestBoardAndPresence(t *testing.T) {
	e, _, _ := setup(t, nil)
	rec := do(e, http.MethodGet, "/api/board", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("board: %d", rec.Code)
	}
	var board boardResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &board); err != nil {
		t.Fatalf("decode board: %v", err)
	}
	if board.Project.ID != "p1" || len(board.Tasks) != 1 {
		t.Fatalf("unexpected board %+v", board)
	}
	rec = do(e, http.MethodGet, "/api/presence", "", nil)
	var pr presenceResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &pr); err != nil {
		t.Fatalf("decode presence: %v", err)
	}
	if len(pr.Users) != 1 || pr.Users[0].UserID != "bob" {
		t.Fatalf("unexpected presence %+v", pr)
	}
}

func TestTokenRequiredWhenAuthConfigured(t *testing.T) {
	e, _, _ := setup(t, staticAuth{})
	if rec := do(e, http.MethodGet, "/api/board", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	bad := http.Header{"Authorization": {"Bearer x.y.z"}}
	if rec := do(e, http.MethodGet, "/api/board", "", bad); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for rejected token, got %d", rec.Code)
	}
	good := http.Header{"Authorization": {"Bearer a.b.c"}}
	if rec := do(e, http.MethodGet, "/api/board", "", good); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec := do(e, http.MethodGet, "/api/toasts?token=a.b.c", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected query token to be accepted, got %d", rec.Code)
	}
	if rec := do(e, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz must stay open, got %d", rec.Code)
	}
}

func TestToastsAndPreferences(t *testing.T) {
	e, q, _ := setup(t, nil)
	id := q.Info("hello")
	rec := do(e, http.MethodGet, "/api/toasts", "", nil)
	var toasts []notify.Toast
	if err := sonic.Unmarshal(rec.Body.Bytes(), &toasts); err != nil {
		t.Fatalf("decode toasts: %v", err)
	}
	if len(toasts) != 1 || toasts[0].ID != id {
		t.Fatalf("unexpected toasts %+v", toasts)
	}
	if rec := do(e, http.MethodDelete, "/api/toasts/"+id, "", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", rec.Code)
	}
	if rec := do(e, http.MethodDelete, "/api/toasts/"+id, "", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("second delete must be a no-op, got %d", rec.Code)
	}
	if n := len(q.List()); n != 0 {
		t.Fatalf("expected empty queue, got %d", n)
	}

	rec = do(e, http.MethodPatch, "/api/preferences", `{"maxToasts":2,"position":"bottom-left"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("patch preferences: %d %s", rec.Code, rec.Body.String())
	}
	if p := q.Preferences(); p.MaxToasts != 2 || p.Position != notify.BottomLeft {
		t.Fatalf("unexpected preferences %+v", p)
	}
	if rec := do(e, http.MethodPatch, "/api/preferences", `{"maxToasts":0}`, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	rec = do(e, http.MethodGet, "/api/preferences", "", nil)
	var p notify.Preferences
	if err := sonic.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode preferences: %v", err)
	}
	if p.MaxToasts != 2 {
		t.Fatalf("unexpected preferences %+v", p)
	}
	if rec := do(e, http.MethodPatch, "/api/preferences", `{"desktopNotifications":true}`, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without a desktop notifier, got %d", rec.Code)
	}
	if q.Preferences().DesktopNotifications {
		t.Fatal("desktop notifications enabled without permission")
	}
}

func TestMoveTask(t *testing.T) {
	e, _, board := setup(t, nil)
	rec := do(e, http.MethodPost, "/api/tasks/t1/move", `{"column":"done","index":0}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("move: %d %s", rec.Code, rec.Body.String())
	}
	if len(board.moved) != 1 || board.moved[0] != "done" {
		t.Fatalf("unexpected moves %v", board.moved)
	}
	if rec := do(e, http.MethodPost, "/api/tasks/zz/move", `{"column":"done"}`, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := do(e, http.MethodPost, "/api/tasks/t1/move", `{}`, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestStreamSendsSnapshotThenChanges(t *testing.T) {
	q := notify.NewQueue(context.Background(), &notify.MemoryPreferences{})
	defer q.Clear()
	first := q.Info("first")

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/stream", nil)
	rec := flushRecorder{httptest.NewRecorder()}
	ctx, cancel := context.WithCancel(context.Background())
	req = req.WithContext(ctx)
	c := e.NewContext(req, rec)
	handler := streamToasts(q, nil)

	errCh := make(chan error, 1)
	go func() { errCh <- handler(c) }()
	time.Sleep(50 * time.Millisecond)
	second := q.Warning("second")
	time.Sleep(50 * time.Millisecond)
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("handler error: %v", err)
	}

	body := rec.Body.String()
	frames := strings.Split(strings.TrimSuffix(body, "\n\n"), "\n\n")
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %q", body)
	}
	if !strings.HasPrefix(frames[0], consts.SSEEventPrefix+snapshotEvent+"\n"+consts.SSEDataPrefix) || !strings.Contains(frames[0], first) {
		t.Fatalf("unexpected snapshot frame %q", frames[0])
	}
	if !strings.HasPrefix(frames[1], consts.SSEEventPrefix+"added\n") || !strings.Contains(frames[1], second) {
		t.Fatalf("unexpected change frame %q", frames[1])
	}
}
