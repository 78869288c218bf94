package policy

import (
	"strings"
	"testing"
)

func TestRedactPII(t *testing.T) {
	input := "Email me at sam@example.com or +1 (555) 123-9876 and use 4242 4242 4242 4242."
	out, changed := RedactPII(input)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing marker %q: %q", marker, out)
		}
	}
}

func TestRedactPIIMasksSecrets(t *testing.T) {
	input := "set OPENAI key sk-abcdef0123456789abcdef01 in the env"
	out, changed := RedactPII(input)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	if !strings.Contains(out, "[REDACTED_SECRET]") {
		t.Fatalf("output missing secret marker: %q", out)
	}
	if strings.Contains(out, "abcdef0123456789") {
		t.Fatalf("secret survived redaction: %q", out)
	}
}

func TestRedactPIINoChange(t *testing.T) {
	input := "nothing sensitive in here"
	out, changed := RedactPII(input)
	if changed || out != input {
		t.Fatalf("RedactPII(%q) = %q, %v; want unchanged", input, out, changed)
	}
}
