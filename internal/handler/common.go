// Package handler exposes the dispatch engine over HTTP.  Handlers bind
// and validate the request, call the engine and translate its errors.
package handler

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/service-dispatch/internal/logger"
	"github.com/iliyamo/service-dispatch/internal/middleware"
	"github.com/iliyamo/service-dispatch/internal/repository"
	"github.com/iliyamo/service-dispatch/internal/service"
)

// RequestValidator adapts go-playground/validator to echo.Validator and
// reports failures as service.ValidationErrors keyed by JSON field name.
type RequestValidator struct {
	validate *validator.Validate
}

// NewRequestValidator returns a validator that names fields after their
// json tags.
func NewRequestValidator() *RequestValidator {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &RequestValidator{validate: v}
}

// Validate implements echo.Validator.
func (rv *RequestValidator) Validate(i interface{}) error {
	err := rv.validate.Struct(i)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	out := make(service.ValidationErrors, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, service.ValidationError{Field: fe.Field(), Message: describe(fe)})
	}
	return out
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", fe.Field(), fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "lte", "max":
		return fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param())
	case "latitude":
		return fmt.Sprintf("%s must be a latitude between -90 and 90", fe.Field())
	case "longitude":
		return fmt.Sprintf("%s must be a longitude between -180 and 180", fe.Field())
	}
	return fe.Error()
}

// bindAndValidate decodes the JSON body into dst and validates it.
func bindAndValidate(c echo.Context, dst interface{}) error {
	if err := c.Bind(dst); err != nil {
		return service.ValidationErrors{{Field: "body", Message: "invalid request body"}}
	}
	return c.Validate(dst)
}

// getUserID returns the authenticated caller or an error when the route
// was not behind JWTAuth.
func getUserID(c echo.Context) (uint64, error) {
	id, ok := middleware.UserID(c)
	if !ok {
		return 0, errors.New("invalid user_id in context")
	}
	return id, nil
}

func pathID(c echo.Context, name string) (uint64, error) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		return 0, service.ValidationErrors{{Field: name, Message: "must be a positive integer"}}
	}
	return id, nil
}

func unauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
}

// writeError maps engine and repository errors onto HTTP responses.
func writeError(c echo.Context, log *logger.Logger, err error) error {
	var verrs service.ValidationErrors
	if errors.As(err, &verrs) {
		return c.JSON(http.StatusUnprocessableEntity, echo.Map{"error": "validation failed", "details": verrs})
	}

	switch {
	case errors.Is(err, repository.ErrPreconditionFailed):
		return c.JSON(http.StatusConflict, echo.Map{"error": "booking is not in a state that allows this action"})
	case errors.Is(err, repository.ErrBidAlreadyResolved):
		return c.JSON(http.StatusConflict, echo.Map{"error": "bid already resolved"})
	case errors.Is(err, repository.ErrAuctionClosed):
		return c.JSON(http.StatusConflict, echo.Map{"error": "booking is no longer accepting bids"})
	case errors.Is(err, repository.ErrAcceptFailed):
		return c.JSON(http.StatusConflict, echo.Map{"error": "booking could not be accepted"})
	case errors.Is(err, repository.ErrConflict):
		return c.JSON(http.StatusConflict, echo.Map{"error": "conflict"})
	case errors.Is(err, repository.ErrForbidden):
		return c.JSON(http.StatusForbidden, echo.Map{"error": "forbidden"})
	case errors.Is(err, repository.ErrNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "not found"})
	case errors.Is(err, service.ErrServiceUnavailable):
		log.Warn("store unavailable", "path", c.Path(), "request_id", middleware.RequestID(c), "error", err)
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "service unavailable"})
	}
	log.Error("request failed", "path", c.Path(), "request_id", middleware.RequestID(c), "error", err)
	return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
}
