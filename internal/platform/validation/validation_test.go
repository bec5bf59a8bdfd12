package validation

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lineRequest struct {
	ProductID string `json:"product_id" validate:"required"`
	Quantity  int    `json:"quantity" validate:"gt=0,lte=999"`
}

type orderRequest struct {
	Currency string        `json:"currency" validate:"omitempty,currency"`
	Items    []lineRequest `json:"items" validate:"required,min=1,dive"`
	Status   string        `json:"status" validate:"omitempty,oneof=confirmed cancelled"`
}

func TestDecodeJSONValid(t *testing.T) {
	req := httptest.NewRequest("POST", "/", strings.NewReader(`{"currency":"USD","items":[{"product_id":"p","quantity":2}]}`))

	var body orderRequest
	require.NoError(t, DecodeJSON(req, &body))
	assert.Equal(t, "USD", body.Currency)
	assert.Len(t, body.Items, 1)
}

func TestDecodeJSONRejectsUnknownFieldsAndTrailingData(t *testing.T) {
	for _, payload := range []string{
		`{"items":[{"product_id":"p","quantity":1}],"discount":10}`,
		`{"items":[{"product_id":"p","quantity":1}]} {}`,
		`not json`,
	} {
		req := httptest.NewRequest("POST", "/", strings.NewReader(payload))
		var body orderRequest
		err := DecodeJSON(req, &body)
		require.Error(t, err, payload)
		_, isValidation := FieldErrors(err)
		assert.False(t, isValidation, payload)
	}

	req := httptest.NewRequest("POST", "/", strings.NewReader(""))
	var body orderRequest
	assert.True(t, errors.Is(DecodeJSON(req, &body), ErrEmptyBody))
}

func TestDecodeJSONReportsFieldErrors(t *testing.T) {
	req := httptest.NewRequest("POST", "/", strings.NewReader(`{"currency":"XX","items":[{"product_id":"","quantity":0}],"status":"paid"}`))

	var body orderRequest
	err := DecodeJSON(req, &body)
	fields, ok := FieldErrors(err)
	require.True(t, ok, "expected validation error, got %v", err)

	got := map[string]string{}
	for _, field := range fields {
		got[field.Field] = field.Message
	}
	assert.Equal(t, "must be an ISO 4217 currency code", got["currency"])
	assert.Equal(t, "is required", got["items[0].product_id"])
	assert.Equal(t, "must be greater than 0", got["items[0].quantity"])
	assert.Equal(t, "must be one of [confirmed cancelled]", got["status"])
}

func TestStructRequiresItems(t *testing.T) {
	err := Struct(orderRequest{})
	fields, ok := FieldErrors(err)
	require.True(t, ok)
	require.Len(t, fields, 1)
	assert.Equal(t, "items", fields[0].Field)
	assert.Contains(t, err.Error(), "items: is required")
}
