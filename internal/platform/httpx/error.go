package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"net/http"
	"strings"

	"github.com/hanko-field/orders/internal/platform/requestctx"
	"github.com/hanko-field/orders/internal/platform/textutil"
)

// FieldError names one invalid request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error is an API failure rendered as {"error": code, "message": ..., "status": ...}. Fields are
// listed under "errors" and Details are merged into the top level.
type Error struct {
	Code    string
	Message string
	Status  int
	Fields  []FieldError
	Details map[string]any
}

// NewError builds an Error. A zero status means 500.
func NewError(code, message string, status int) Error {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return Error{Code: clean(code, 80), Message: clean(message, 512), Status: status}
}

func (e Error) Error() string {
	return e.Code + ": " + e.Message
}

// WithFields attaches per-field validation failures.
func (e Error) WithFields(fields []FieldError) Error {
	e.Fields = append([]FieldError(nil), fields...)
	return e
}

// WithDetails attaches extra top-level members. Reserved members are not overwritten.
func (e Error) WithDetails(details map[string]any) Error {
	if len(details) > 0 {
		e.Details = maps.Clone(details)
	}
	return e
}

// Rule maps errors matching Target (via errors.Is) to a response. An empty Message exposes the
// matched error's text.
type Rule struct {
	Target  error
	Code    string
	Status  int
	Message string
}

// Rules is an ordered mapping table; the first matching rule wins.
type Rules []Rule

// Match returns the response for err, or false when no rule applies.
func (rs Rules) Match(err error) (Error, bool) {
	if err == nil {
		return Error{}, false
	}
	for _, rule := range rs {
		if rule.Target == nil || !errors.Is(err, rule.Target) {
			continue
		}
		message := rule.Message
		if message == "" {
			message = err.Error()
		}
		return NewError(rule.Code, message, rule.Status), true
	}
	return Error{}, false
}

// WriteError renders e, stamping the request and trace ids carried by ctx.
func WriteError(ctx context.Context, w http.ResponseWriter, e Error) {
	status := e.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	body := make(map[string]any, 6+len(e.Details))
	for k, v := range e.Details {
		body[k] = v
	}
	body["error"] = e.Code
	body["message"] = e.Message
	body["status"] = status
	if id := clean(requestctx.RequestID(ctx), 80); id != "" {
		body["request_id"] = id
	}
	if id := clean(requestctx.TraceID(ctx), 64); id != "" {
		body["trace_id"] = id
	}
	if len(e.Fields) > 0 {
		body["errors"] = e.Fields
	}
	WriteJSON(w, status, body)
}

// WriteJSON encodes payload with the given status.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

var lineBreaks = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ")

func clean(value string, limit int) string {
	return textutil.SanitizeText(lineBreaks.Replace(value), limit)
}
