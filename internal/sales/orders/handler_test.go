package orders

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRespondErrorMapping(t *testing.T) {
	h := NewHandler(slog.Default(), nil)

	cases := []struct {
		name string
		err  error
		code int
	}{
		{"not found", ErrNotFound, http.StatusNotFound},
		{"locked", ErrLocked, http.StatusForbidden},
		{"not draft", ErrNotDraft, http.StatusConflict},
		{"bad amount", fmt.Errorf("%w: line 1: quantity must be a positive number", ErrBadAmount), http.StatusBadRequest},
		{"location exclusive", ErrLocationExclusive, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.respondError(rec, tc.err)
			require.Equal(t, tc.code, rec.Code)
		})
	}
}
