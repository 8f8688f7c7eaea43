package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestValidateMessageContent(t *testing.T) {
	if err := ValidateMessageContent("hello"); err != nil {
		t.Errorf("valid content rejected: %v", err)
	}
	if err := ValidateMessageContent("   "); err == nil {
		t.Error("whitespace-only content accepted")
	}
	if err := ValidateMessageContent(strings.Repeat("a", 100001)); err == nil {
		t.Error("oversized content accepted")
	}
	if err := ValidateMessageContent("bad \xff\xfe utf8"); err == nil {
		t.Error("invalid UTF-8 accepted")
	}
}

func TestValidateUserID(t *testing.T) {
	if err := ValidateUserID("user-123"); err != nil {
		t.Errorf("valid id rejected: %v", err)
	}
	bad := []string{
		"",
		strings.Repeat("x", 65),
		"has space",
		"has_underscore", // reserved: the conversation key separator
		"has.dot",
		"has/slash",
	}
	for _, id := range bad {
		if err := ValidateUserID(id); err == nil {
			t.Errorf("ValidateUserID(%q) accepted", id)
		}
	}
}

func TestSecurityHeaders(t *testing.T) {
	handler := SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
	if got := rec.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q", got)
	}
}
