// Package validation decodes JSON request bodies and checks them against struct tags.
package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"slices"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"golang.org/x/text/currency"

	"github.com/hanko-field/orders/internal/platform/httpx"
)

const defaultMaxBodyBytes = 1 << 20

var (
	// ErrEmptyBody is returned when a request carries no JSON payload.
	ErrEmptyBody = errors.New("validation: request body is empty")

	once     sync.Once
	instance *validator.Validate
)

// Error wraps the per-field failures of a struct.
type Error struct {
	Fields []httpx.FieldError
}

func (e *Error) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, field := range e.Fields {
		parts = append(parts, field.Field+": "+field.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func validate() *validator.Validate {
	once.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(field reflect.StructField) string {
			name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			if name == "" {
				return field.Name
			}
			return name
		})
		_ = v.RegisterValidation("currency", func(fl validator.FieldLevel) bool {
			_, err := currency.ParseISO(fl.Field().String())
			return err == nil
		})
		instance = v
	})
	return instance
}

// Struct validates v using its `validate` tags.
func Struct(v any) error {
	err := validate().Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fields := make([]httpx.FieldError, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, httpx.FieldError{Field: fieldPath(fe), Message: describe(fe)})
	}
	slices.SortStableFunc(fields, func(a, b httpx.FieldError) int { return strings.Compare(a.Field, b.Field) })
	return &Error{Fields: fields}
}

// DecodeJSON reads a single JSON object into dst, rejecting unknown fields and trailing data, then
// validates it.
func DecodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return ErrEmptyBody
	}
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, defaultMaxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return ErrEmptyBody
		}
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if decoder.More() {
		return errors.New("invalid JSON body: unexpected trailing data")
	}
	return Struct(dst)
}

// FieldErrors extracts field failures from err, if it is a validation error.
func FieldErrors(err error) ([]httpx.FieldError, bool) {
	var verr *Error
	if errors.As(err, &verr) {
		return verr.Fields, true
	}
	return nil, false
}

// fieldPath drops the top-level struct name so "createOrderRequest.items[0].quantity" reads
// "items[0].quantity".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return fe.Field()
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_without":
		return "is required"
	case "min":
		if fe.Kind() == reflect.Slice || fe.Kind() == reflect.String {
			return fmt.Sprintf("must contain at least %s", fe.Param())
		}
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		if fe.Kind() == reflect.Slice || fe.Kind() == reflect.String {
			return fmt.Sprintf("must contain at most %s", fe.Param())
		}
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "email":
		return "must be a valid email address"
	case "len":
		return fmt.Sprintf("must have length %s", fe.Param())
	case "currency":
		return "must be an ISO 4217 currency code"
	default:
		return "is invalid"
	}
}
