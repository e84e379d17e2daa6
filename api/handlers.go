// Package api is the local bridge a renderer uses to read board, presence and
// toast state and to follow toast changes over server-sent events.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"board-sync/auth"
	"board-sync/connection"
	"board-sync/domain"
	"board-sync/notify"
	"board-sync/reconcile"
)

type Board interface {
	Project() domain.Project
	Tasks() []domain.Task
	MoveTask(ctx context.Context, taskID, column string, index int) (domain.Task, error)
}

type Presence interface {
	Users() []domain.PresenceEntry
	Editing() map[string][]domain.Editor
}

type Toasts interface {
	List() []notify.Toast
	Remove(id string) bool
	Preferences() notify.Preferences
	UpdatePreferences(ctx context.Context, patch notify.PreferencesPatch) (notify.Preferences, error)
	Subscribe() (<-chan notify.Change, func())
}

type Status interface {
	Status() connection.Status
}

type Authenticator interface {
	Verify(token string) (auth.Identity, error)
}

// Deps are the components served by the bridge. A nil Auth serves every
// request without a token.
type Deps struct {
	Board    Board
	Presence Presence
	Toasts   Toasts
	Status   Status
	Auth     Authenticator
	Logger   *log.Logger
}

type boardResponse struct {
	Project domain.Project `json:"project"`
	Tasks   []domain.Task  `json:"tasks"`
}

type presenceResponse struct {
	Users   []domain.PresenceEntry     `json:"users"`
	Editing map[string][]domain.Editor `json:"editing"`
}

type healthResponse struct {
	State     connection.State `json:"state"`
	Attempt   int              `json:"attempt,omitempty"`
	LastError string           `json:"lastError,omitempty"`
}

type moveRequest struct {
	Column string `json:"column"`
	Index  int    `json:"index"`
}

// Register wires up all bridge routes on the provided Echo instance.
func Register(e *echo.Echo, deps Deps) {
	if deps.Logger == nil {
		deps.Logger = log.StandardLogger()
	}
	e.GET("/healthz", healthz(deps.Status))
	authed := requireToken(deps.Auth, deps.Logger)
	e.GET("/api/board", getBoard(deps.Board), authed)
	e.GET("/api/presence", getPresence(deps.Presence), authed)
	e.GET("/api/toasts", getToasts(deps.Toasts), authed)
	e.DELETE("/api/toasts/:id", deleteToast(deps.Toasts), authed)
	e.GET("/api/preferences", getPreferences(deps.Toasts), authed)
	e.PATCH("/api/preferences", patchPreferences(deps.Toasts), authed)
	e.POST("/api/tasks/:id/move", moveTask(deps.Board), authed)
	e.GET("/stream", streamToasts(deps.Toasts, deps.Logger), authed)
}

func requireToken(a Authenticator, logger *log.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if a == nil {
				return next(c)
			}
			token, err := auth.BearerFromHeader(c.Request().Header)
			if errors.Is(err, auth.ErrMissingAuthorization) {
				if q := c.QueryParam("token"); q != "" {
					token, err = auth.BearerFromString("Bearer " + q)
				}
			}
			if err != nil {
				return c.String(http.StatusUnauthorized, err.Error())
			}
			if _, err := a.Verify(token); err != nil {
				logger.WithError(err).Debug("bridge token rejected")
				return c.String(http.StatusUnauthorized, err.Error())
			}
			return next(c)
		}
	}
}

func healthz(s Status) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s == nil {
			return c.NoContent(http.StatusOK)
		}
		st := s.Status()
		resp := healthResponse{State: st.State, Attempt: st.Attempt}
		if st.LastError != nil {
			resp.LastError = st.LastError.Error()
		}
		code := http.StatusOK
		if st.State != connection.Connected {
			code = http.StatusServiceUnavailable
		}
		return c.JSON(code, resp)
	}
}

func getBoard(b Board) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, boardResponse{Project: b.Project(), Tasks: b.Tasks()})
	}
}

func getPresence(p Presence) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, presenceResponse{Users: p.Users(), Editing: p.Editing()})
	}
}

func getToasts(t Toasts) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, t.List())
	}
}

func deleteToast(t Toasts) echo.HandlerFunc {
	return func(c echo.Context) error {
		t.Remove(c.Param("id"))
		return c.NoContent(http.StatusNoContent)
	}
}

func getPreferences(t Toasts) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, t.Preferences())
	}
}

func patchPreferences(t Toasts) echo.HandlerFunc {
	return func(c echo.Context) error {
		var patch notify.PreferencesPatch
		if err := c.Bind(&patch); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		p, err := t.UpdatePreferences(c.Request().Context(), patch)
		if errors.Is(err, notify.ErrInvalidPreferences) {
			return c.String(http.StatusBadRequest, err.Error())
		}
		if errors.Is(err, notify.ErrDesktopNotPermitted) {
			return c.String(http.StatusForbidden, err.Error())
		}
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, p)
	}
}

func moveTask(b Board) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req moveRequest
		if err := c.Bind(&req); err != nil || req.Column == "" {
			return c.String(http.StatusBadRequest, "column and index are required")
		}
		task, err := b.MoveTask(c.Request().Context(), c.Param("id"), req.Column, req.Index)
		if errors.Is(err, reconcile.ErrUnknownTask) {
			return c.String(http.StatusNotFound, err.Error())
		}
		if err != nil {
			return c.String(http.StatusBadGateway, err.Error())
		}
		return c.JSON(http.StatusOK, task)
	}
}
