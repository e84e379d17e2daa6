package api

import (
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"board-sync/internal/consts"
)

const snapshotEvent = "snapshot"

// streamToasts writes the current toasts as a snapshot event, then one event
// per queue change named after its kind.
func streamToasts(t Toasts, logger *log.Logger) echo.HandlerFunc {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return func(c echo.Context) error {
		c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
		c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
		c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
		c.Response().Header().Set("X-Accel-Buffering", "no")
		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}
		ch, cancel := t.Subscribe()
		defer cancel()
		c.Response().WriteHeader(http.StatusOK)

		ctx := c.Request().Context()
		if err := writeEvent(c, snapshotEvent, t.List()); err != nil {
			logger.WithError(err).Debug("write toast snapshot")
			return nil
		}
		flusher.Flush()
		for {
			select {
			case <-ctx.Done():
				return nil
			case change, ok := <-ch:
				if !ok {
					return nil
				}
				if err := writeEvent(c, string(change.Kind), change.Toast); err != nil {
					logger.WithError(err).Debug("write toast change")
					return nil
				}
				flusher.Flush()
			}
		}
	}
}

func writeEvent(c echo.Context, name string, v any) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return err
	}
	w := c.Response()
	for _, part := range [][]byte{[]byte(consts.SSEEventPrefix + name + "\n"), []byte(consts.SSEDataPrefix), data, []byte("\n\n")} {
		if _, err := w.Write(part); err != nil {
			return err
		}
	}
	return nil
}
