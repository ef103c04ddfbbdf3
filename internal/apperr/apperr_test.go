package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		kind Kind
		want int
	}{
		{KindInvalid, http.StatusBadRequest},
		{KindQuota, http.StatusBadRequest},
		{KindUnauthorized, http.StatusUnauthorized},
		{KindForbidden, http.StatusForbidden},
		{KindNotFound, http.StatusNotFound},
		{KindConflict, http.StatusConflict},
		{KindRateLimited, http.StatusTooManyRequests},
		{KindTransport, http.StatusBadGateway},
		{KindInternal, http.StatusInternalServerError},
		{Kind("unknown"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := HTTPStatus(tc.kind); got != tc.want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", tc.kind, got, tc.want)
		}
	}
}

func TestFromSurvivesWrapping(t *testing.T) {
	base := Conflict("slot overlaps existing booking")
	wrapped := fmt.Errorf("book slot: %w", base)

	got := From(wrapped)
	if got.Kind != KindConflict {
		t.Fatalf("kind = %s, want %s", got.Kind, KindConflict)
	}
	if got.Message != "slot overlaps existing booking" {
		t.Fatalf("message = %q", got.Message)
	}
	if !IsKind(wrapped, KindConflict) {
		t.Error("IsKind should see through fmt.Errorf wrapping")
	}
	if IsKind(wrapped, KindNotFound) {
		t.Error("IsKind must not match a different kind")
	}
}

func TestFromUnclassifiedBecomesInternal(t *testing.T) {
	plain := errors.New("connection reset")
	got := From(plain)
	if got.Kind != KindInternal {
		t.Fatalf("kind = %s, want internal", got.Kind)
	}
	if got.Message != "internal error" {
		t.Fatalf("client message must stay generic, got %q", got.Message)
	}
	if !errors.Is(got, plain) {
		t.Error("cause must remain in the chain for logging")
	}
}

func TestQuotaHints(t *testing.T) {
	e := Quota("daily stream limit reached", true, true)
	if !e.NeedsUpgrade || !e.CanRequestEvent {
		t.Fatalf("hints lost: %+v", e)
	}
	if HTTPStatus(e.Kind) != http.StatusBadRequest {
		t.Error("quota errors respond 400")
	}
}

func TestRateLimitedRetryAfter(t *testing.T) {
	e := RateLimited("too many reactions", 42)
	if e.RetryAfter != 42 {
		t.Fatalf("RetryAfter = %d, want 42", e.RetryAfter)
	}
}

func TestUnwrapChain(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	e := Transport("pusher publish failed", cause)
	if !errors.Is(e, cause) {
		t.Error("Unwrap must expose the cause")
	}
	if KindOf(e) != KindTransport {
		t.Errorf("KindOf = %s", KindOf(e))
	}
}
