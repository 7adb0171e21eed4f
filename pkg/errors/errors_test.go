package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatusCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"app error wins", New(ErrInternal, http.StatusTeapot, "brew"), http.StatusTeapot},
		{"namespace", fmt.Errorf("building: %w", ErrNamespaceNotFound), http.StatusNotFound},
		{"invalid input", ErrInvalidInput, http.StatusBadRequest},
		{"template", fmt.Errorf("loading: %w", ErrTemplateCorrupt), http.StatusUnprocessableEntity},
		{"no sheets", ErrNoSheetsFound, http.StatusUnprocessableEntity},
		{"timeout", ErrTimeout, http.StatusGatewayTimeout},
		{"deadline", fmt.Errorf("extracting records: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatusCode(tt.err))
		})
	}
}

func TestAppErrorUnwraps(t *testing.T) {
	err := Newf(ErrMissingField, 0, "placeholder %q", "studentName")
	assert.True(t, errors.Is(err, ErrMissingField))
	assert.Equal(t, `missing field: placeholder "studentName"`, err.Error())
	// A zero status code falls back to the sentinel mapping.
	assert.Equal(t, http.StatusUnprocessableEntity, HTTPStatusCode(err))
}
