package apperror

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorStringIncludesInternal(t *testing.T) {
	base := ErrDatabase.WithInternal(errors.New("connection refused"))
	assert.Contains(t, base.Error(), "database_error")
	assert.Contains(t, base.Error(), "connection refused")

	plain := ErrNotFound
	assert.Equal(t, "not_found: Resource not found", plain.Error())
}

func TestUnwrapExposesInternalError(t *testing.T) {
	inner := errors.New("boom")
	err := ErrInternal.WithInternal(inner)
	assert.True(t, errors.Is(err, inner))
}

func TestWithMessageDoesNotMutateCatalogEntry(t *testing.T) {
	custom := ErrBadRequest.WithMessage("image is required")
	assert.Equal(t, "image is required", custom.Message)
	assert.Equal(t, "Invalid request", ErrBadRequest.Message)
	assert.Equal(t, ErrBadRequest.Code, custom.Code)
}

func TestWithDetailsCarriesIntoEchoError(t *testing.T) {
	err := ErrValidation.WithDetails(map[string]any{"field": "max_parallel"})
	he := err.ToEchoError()
	assert.Equal(t, http.StatusUnprocessableEntity, he.Code)

	body, ok := he.Message.(map[string]any)
	require.True(t, ok)
	inner, ok := body["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "validation_error", inner["code"])
	assert.Equal(t, map[string]any{"field": "max_parallel"}, inner["details"])
}

func TestCatalogStatusMapping(t *testing.T) {
	cases := []struct {
		err    *Error
		status int
		code   string
	}{
		{ErrMissingToken, http.StatusUnauthorized, "missing_token"},
		{ErrInvalidToken, http.StatusUnauthorized, "invalid_token"},
		{ErrForbidden, http.StatusForbidden, "forbidden"},
		{ErrNotFound, http.StatusNotFound, "not_found"},
		{ErrConflict, http.StatusConflict, "conflict"},
		{ErrBadRequest, http.StatusBadRequest, "bad_request"},
		{ErrValidation, http.StatusUnprocessableEntity, "validation_error"},
		{ErrInternal, http.StatusInternalServerError, "internal_error"},
		{ErrDatabase, http.StatusInternalServerError, "database_error"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.status, tc.err.HTTPStatus, tc.code)
		assert.Equal(t, tc.code, tc.err.Code)
	}
}

func TestNewNotFoundNamesTheResource(t *testing.T) {
	err := NewNotFound("course", "c-123")
	assert.Equal(t, http.StatusNotFound, err.HTTPStatus)
	assert.Equal(t, "course 'c-123' not found", err.Message)
}

func TestNewInternalWrapsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := NewInternal("cannot write artifact root", cause)
	assert.Equal(t, http.StatusInternalServerError, err.HTTPStatus)
	assert.True(t, errors.Is(err, cause))
}
