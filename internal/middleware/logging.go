package middleware

import (
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/service-dispatch/internal/logger"
)

const ctxRequestID = "request_id"

// RequestID returns the id RequestLogging assigned to the request.
func RequestID(c echo.Context) string {
	id, _ := c.Get(ctxRequestID).(string)
	return id
}

// RequestLogging tags each request with an id, echoed in X-Request-ID,
// and logs its completion.  An incoming X-Request-ID is kept.
func RequestLogging(log *logger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			rid := req.Header.Get(echo.HeaderXRequestID)
			if rid == "" {
				rid = uuid.NewString()
			}
			c.Set(ctxRequestID, rid)
			c.Response().Header().Set(echo.HeaderXRequestID, rid)

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			args := []any{
				"request_id", rid,
				"method", req.Method,
				"path", req.URL.Path,
				"status", c.Response().Status,
				"duration_ms", time.Since(start).Milliseconds(),
			}
			if uid, ok := UserID(c); ok {
				args = append(args, "user_id", uid)
			}
			if c.Response().Status >= 500 {
				log.Error("HTTP request completed", args...)
			} else {
				log.Info("HTTP request completed", args...)
			}
			return nil
		}
	}
}
