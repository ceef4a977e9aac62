package middleware

import (
	"errors"
	"math/rand/v2"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// ErrorResponse is the JSON body of every error reply. Protocol is set on
// internal errors only and lets support find the matching log line.
type ErrorResponse struct {
	Error    string `json:"error"`
	Protocol int    `json:"protocol,omitempty"`
}

// NewProtocol returns a random five digit support correlation number.
func NewProtocol() int {
	return 10000 + rand.IntN(90000)
}

// HTTPErrorHandler renders echo.HTTPErrors with their status and message.
// Anything else, and every 5xx, becomes a generic internal error carrying a
// protocol number that is logged alongside the underlying error.
func HTTPErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		code := http.StatusInternalServerError
		body := ErrorResponse{Error: "internal server error"}

		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			if code < http.StatusInternalServerError {
				body.Error = http.StatusText(code)
				if msg, ok := he.Message.(string); ok {
					body.Error = msg
				}
			}
		}

		if code >= http.StatusInternalServerError {
			body.Protocol = NewProtocol()
			rid, _ := c.Get("request_id").(string)
			logger.Error().Err(err).
				Str("request_id", rid).
				Int("protocol", body.Protocol).
				Str("path", c.Request().URL.Path).
				Msg("internal error")
		}

		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(code)
		} else {
			werr = c.JSON(code, body)
		}
		if werr != nil {
			logger.Error().Err(werr).Msg("failed to write error response")
		}
	}
}
