package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Limits for request parameters
const (
	DefaultSearchLimit = 20
	MaxSearchLimit     = 500
	MaxReindexIDs      = 1000
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// report yaml names so messages match the config file
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// Struct validates v against its `validate` tags and returns every
// violation joined into one error.
func Struct(v any) error {
	if v == nil {
		return errors.New("cannot validate nil")
	}
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	out := make([]error, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, formatFieldError(fe))
	}
	return errors.Join(out...)
}

func formatFieldError(e validator.FieldError) error {
	field := strings.TrimPrefix(e.Namespace(), strings.SplitN(e.Namespace(), ".", 2)[0]+".")
	switch e.Tag() {
	case "required":
		return fmt.Errorf("%s: field is required", field)
	case "min", "gte":
		return fmt.Errorf("%s: must be at least %s", field, e.Param())
	case "max", "lte":
		return fmt.Errorf("%s: must not exceed %s", field, e.Param())
	case "oneof":
		return fmt.Errorf("%s: must be one of [%s]", field, e.Param())
	case "url", "http_url":
		return fmt.Errorf("%s: must be a URL", field)
	case "hostname_port":
		return fmt.Errorf("%s: must be host:port", field)
	default:
		return fmt.Errorf("%s: validation failed (%s)", field, e.Tag())
	}
}

// ParseEntityID parses a positive entity id from a path segment.
func ParseEntityID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("id %q is not an integer", raw)
	}
	if id <= 0 {
		return 0, fmt.Errorf("id must be positive, got %d", id)
	}
	return id, nil
}

// ParseLimit parses an optional result limit, applying the default when
// empty and rejecting values outside [1, MaxSearchLimit].
func ParseLimit(raw string) (int, error) {
	if raw == "" {
		return DefaultSearchLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("limit %q is not an integer", raw)
	}
	if n < 1 || n > MaxSearchLimit {
		return 0, fmt.Errorf("limit must be in [1, %d], got %d", MaxSearchLimit, n)
	}
	return n, nil
}

// ValidateReindexIDs checks a maintenance request.
func ValidateReindexIDs(ids []int64) error {
	if len(ids) == 0 {
		return errors.New("at least one id is required")
	}
	if len(ids) > MaxReindexIDs {
		return fmt.Errorf("at most %d ids per request, got %d", MaxReindexIDs, len(ids))
	}
	for _, id := range ids {
		if id <= 0 {
			return fmt.Errorf("id must be positive, got %d", id)
		}
	}
	return nil
}
