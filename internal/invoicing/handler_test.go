package invoicing

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/meridian-erp/internal/recon"
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
		{"not voidable", ErrNotVoidable, http.StatusConflict},
		{"bad amount", fmt.Errorf("%w: line 1: quantity must be a number", ErrBadAmount), http.StatusBadRequest},
		{"zero quantity", fmt.Errorf("%w, got 0", recon.ErrNonPositive), http.StatusBadRequest},
		{"overpayment", ErrOverpayment, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.respondError(rec, tc.err)
			require.Equal(t, tc.code, rec.Code)
		})
	}
}
