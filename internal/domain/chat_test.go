package domain

import (
	"strings"
	"testing"
)

func TestSanitizeContent(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello world", "hello world"},
		{"escapes html", "<b>bold</b>", "&lt;b&gt;bold&lt;/b&gt;"},
		{"collapses space runs", "a   b\t\tc", "a b c"},
		{"trims around newlines", "line one  \n  line two", "line one\nline two"},
		{"strips outer whitespace", "  padded  ", "padded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeContent(tt.in); got != tt.want {
				t.Fatalf("SanitizeContent(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestValidateContent(t *testing.T) {
	if err := ValidateContent("fine"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := ValidateContent(""); err == nil {
		t.Fatal("expected error for empty content")
	}
	if err := ValidateContent("   \n\t "); err == nil {
		t.Fatal("expected error for whitespace-only content")
	}

	long := strings.Repeat("x", MaxContentLength+1)
	if err := ValidateContent(long); err == nil {
		t.Fatal("expected error for oversized content")
	}
	if !IsValidation(ValidateContent(long)) {
		t.Fatal("expected a validation error")
	}

	// Length is in code points, not bytes.
	multibyte := strings.Repeat("あ", MaxContentLength)
	if err := ValidateContent(multibyte); err != nil {
		t.Fatalf("unexpected error for max-length multibyte content: %v", err)
	}
}

func TestRoleAndStatusValid(t *testing.T) {
	for _, r := range []Role{RoleUser, RoleAssistant, RoleSystem} {
		if !r.Valid() {
			t.Fatalf("role %q should be valid", r)
		}
	}
	if Role("moderator").Valid() {
		t.Fatal("unknown role should be invalid")
	}

	for _, s := range []Status{StatusPending, StatusSent, StatusDelivered, StatusError} {
		if !s.Valid() {
			t.Fatalf("status %q should be valid", s)
		}
	}
	if Status("queued").Valid() {
		t.Fatal("unknown status should be invalid")
	}
}
