package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/service-dispatch/internal/logger"
)

// Recovery turns a handler panic into a 500 and logs the stack.
func Recovery(log *logger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					log.Error("Panic recovered",
						"request_id", RequestID(c),
						"error", fmt.Sprint(r),
						"method", c.Request().Method,
						"path", c.Request().URL.Path,
						"stack", string(debug.Stack()),
					)
					if !c.Response().Committed {
						err = c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal server error"})
					}
				}
			}()
			return next(c)
		}
	}
}
