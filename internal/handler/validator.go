package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/labcore/sample-custody/internal/middleware"
	"github.com/labcore/sample-custody/internal/model"
)

// Validator adapts go-playground/validator to echo.Validator.
type Validator struct {
	v *validator.Validate
}

// NewValidator returns the validator installed as echo's e.Validator.
func NewValidator() *Validator {
	return &Validator{v: validator.New(validator.WithRequiredStructEnabled())}
}

func (v *Validator) Validate(i interface{}) error {
	err := v.v.Struct(i)
	if err == nil {
		return nil
	}
	var fields validator.ValidationErrors
	if errors.As(err, &fields) {
		msgs := make([]string, 0, len(fields))
		for _, f := range fields {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", f.Field(), f.Tag()))
		}
		return fmt.Errorf("%w: %s", model.ErrInvalidInput, strings.Join(msgs, "; "))
	}
	return fmt.Errorf("%w: %v", model.ErrInvalidInput, err)
}

// bindBody decodes the JSON body into dst and validates it.
func bindBody(c echo.Context, dst interface{}) error {
	if err := c.Bind(dst); err != nil {
		return fmt.Errorf("%w: invalid request body", model.ErrInvalidInput)
	}
	if c.Echo().Validator == nil {
		return nil
	}
	return c.Validate(dst)
}

// pathUint parses a positive integer path parameter.
func pathUint(c echo.Context, name string) (uint64, error) {
	n, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("%w: invalid %s", model.ErrInvalidInput, name)
	}
	return n, nil
}

// actor returns the caller or writes 401.
func actor(c echo.Context) (model.Actor, bool) {
	a, ok := middleware.Actor(c)
	if !ok {
		_ = c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	return a, ok
}
