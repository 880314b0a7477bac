package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestCodeOfThroughWrapping(t *testing.T) {
	t.Parallel()

	base := New(CodeNonceReused, "nonce 7 already used")
	wrapped := fmt.Errorf("submit order: %w", base)

	if CodeOf(wrapped) != CodeNonceReused {
		t.Errorf("CodeOf = %s, want nonce_reused", CodeOf(wrapped))
	}
	if !Is(wrapped, CodeNonceReused) {
		t.Error("Is(wrapped, nonce_reused) = false")
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	t.Parallel()

	cases := map[Code]int{
		CodeValidation:          http.StatusBadRequest,
		CodeInvalidSignature:    http.StatusUnauthorized,
		CodeComplianceFailed:    http.StatusForbidden,
		CodePairNotFound:        http.StatusNotFound,
		CodeRateLimited:         http.StatusTooManyRequests,
		CodeChainUnavailable:    http.StatusBadGateway,
		CodeInternal:            http.StatusInternalServerError,
		CodeInsufficientBalance: http.StatusBadRequest,
	}
	for code, want := range cases {
		if got := New(code, "x").HTTPStatus(); got != want {
			t.Errorf("%s HTTPStatus = %d, want %d", code, got, want)
		}
	}
}

func TestFromUnknownError(t *testing.T) {
	t.Parallel()

	err := From(errors.New("boom"))
	if err.Code != CodeInternal {
		t.Errorf("Code = %s, want internal_error", err.Code)
	}
	if err.Unwrap() == nil {
		t.Error("cause lost")
	}
}
