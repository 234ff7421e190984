package domain

import "testing"

func TestValidRecipient(t *testing.T) {
	cases := []struct {
		name   string
		handle string
		want   bool
	}{
		{"plain", "ok_user", true},
		{"with marker", "@ok_user", true},
		{"min length", "abcde", true},
		{"max length", "a2345678901234567890123456789012", true},
		{"empty", "", false},
		{"marker only", "@", false},
		{"too short", "ab", false},
		{"too long", "a23456789012345678901234567890123", false},
		{"space", "ok user", false},
		{"dash", "ok-user", false},
		{"cyrillic", "пользователь", false},
		{"digits and underscore", "user_42", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ValidRecipient(tc.handle); got != tc.want {
				t.Fatalf("ValidRecipient(%q) = %v, want %v", tc.handle, got, tc.want)
			}
		})
	}
}

func TestNormalizeRecipientIdempotent(t *testing.T) {
	for _, handle := range []string{"ok_user", "@ok_user", "user_42"} {
		once := NormalizeRecipient(handle)
		twice := NormalizeRecipient(once)
		if once != twice {
			t.Fatalf("normalize not idempotent for %q: %q != %q", handle, once, twice)
		}
		if once[0] != '@' {
			t.Fatalf("normalize %q did not add marker: %q", handle, once)
		}
	}

	if got := NormalizeRecipient(""); got != "" {
		t.Fatalf("normalize empty = %q, want empty", got)
	}
}
