package auth

import (
	"testing"
)

func TestHashKey(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "key with whitespace trimmed",
			input:    "  broker-token  ",
			expected: HashKey("broker-token"),
		},
		{
			name:     "empty string",
			input:    "",
			expected: "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HashKey(tt.input); got != tt.expected {
				t.Errorf("HashKey() = %v, want %v", got, tt.expected)
			}
		})
	}

	if got := HashKey("broker-token"); len(got) != 64 {
		t.Errorf("HashKey() returned %d chars, want 64", len(got))
	}
}

func TestMatchKey(t *testing.T) {
	if !MatchKey("secret ", "secret") {
		t.Error("expected keys to match")
	}
	if MatchKey("secret", "other") {
		t.Error("expected keys not to match")
	}
}

func TestCallbackSigner(t *testing.T) {
	s := NewCallbackSigner("callback-secret")

	token := s.Sign("chronos-1")
	if len(token) != 64 {
		t.Fatalf("got token of %d chars, want 64", len(token))
	}
	if token != s.Sign("chronos-1") {
		t.Error("Sign() should be deterministic")
	}
	if !s.Verify("chronos-1", token) {
		t.Error("expected token to verify")
	}
	if s.Verify("chronos-2", token) {
		t.Error("token must not verify for another application")
	}
	if NewCallbackSigner("other").Verify("chronos-1", token) {
		t.Error("token must not verify under another secret")
	}
	if NewCallbackSigner("").Verify("chronos-1", NewCallbackSigner("").Sign("chronos-1")) {
		t.Error("an empty secret must reject every token")
	}
}
