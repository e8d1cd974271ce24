package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/arnavshah/rota-swap-go/pkg/ledger"
	"github.com/arnavshah/rota-swap-go/pkg/scheduler"
	"github.com/arnavshah/rota-swap-go/pkg/swap"
)

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("shift x: %w", ledger.ErrNotFound), http.StatusNotFound, "not_found"},
		{fmt.Errorf("bad: %w", ledger.ErrInvalidRequest), http.StatusBadRequest, "invalid_request"},
		{fmt.Errorf("swap 1: %w", swap.ErrAlreadyClaimed), http.StatusConflict, "already_claimed"},
		{fmt.Errorf("shift y: %w", ledger.ErrStaleShift), http.StatusConflict, "stale_shift"},
		{fmt.Errorf("scope a: %w", scheduler.ErrPassInProgress), http.StatusConflict, "pass_in_progress"},
		{fmt.Errorf("rev: %w", ledger.ErrConflict), http.StatusConflict, "conflict"},
		{fmt.Errorf("upsert: %w", ledger.ErrAdapterTimeout), http.StatusGatewayTimeout, "adapter_timeout"},
		{errors.New("disk full"), http.StatusInternalServerError, "internal"},
	}

	for _, tt := range tests {
		status, code := errorStatus(tt.err)
		if status != tt.status || code != tt.code {
			t.Errorf("errorStatus(%v) = %d %s, expected %d %s", tt.err, status, code, tt.status, tt.code)
		}
	}
}
