package crypto

import (
	"encoding/base64"
	"encoding/hex"
	"testing"
)

func TestNewOpaqueTokenLength(t *testing.T) {
	tests := []struct {
		name  string
		bytes int
		want  int
	}{
		{"zero uses default", 0, RefreshTokenBytes},
		{"negative uses default", -1, RefreshTokenBytes},
		{"16 bytes", 16, 16},
		{"64 bytes", 64, 64},
	}
	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			tok, err := NewOpaqueToken(test.bytes)
			if err != nil {
				t.Fatalf("NewOpaqueToken() error = %v", err)
			}
			raw, err := base64.RawURLEncoding.DecodeString(tok.Value)
			if err != nil {
				t.Fatalf("token is not base64url: %v", err)
			}
			if len(raw) != test.want {
				t.Errorf("decoded length = %d, want %d", len(raw), test.want)
			}
		})
	}
}

func TestNewOpaqueTokenHash(t *testing.T) {
	tok, err := NewOpaqueToken(0)
	if err != nil {
		t.Fatalf("NewOpaqueToken() error = %v", err)
	}
	if tok.Hash != HashToken(tok.Value) {
		t.Error("Hash does not match HashToken(Value)")
	}
	if raw, err := hex.DecodeString(tok.Hash); err != nil || len(raw) != 32 {
		t.Errorf("Hash %q is not a hex sha256", tok.Hash)
	}
	if tok.Hash == tok.Value {
		t.Error("Hash equals Value")
	}
}

func TestNewOpaqueTokenUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		tok, err := NewOpaqueToken(0)
		if err != nil {
			t.Fatalf("NewOpaqueToken() error = %v", err)
		}
		if seen[tok.Value] {
			t.Fatalf("duplicate token after %d draws", i)
		}
		seen[tok.Value] = true
	}
}

func TestMatchToken(t *testing.T) {
	tok, _ := NewOpaqueToken(0)
	other, _ := NewOpaqueToken(0)

	tests := []struct {
		name  string
		token string
		hash  string
		want  bool
	}{
		{"match", tok.Value, tok.Hash, true},
		{"other token", other.Value, tok.Hash, false},
		{"empty token", "", tok.Hash, false},
		{"empty hash", tok.Value, "", false},
		{"hash presented as token", tok.Hash, tok.Hash, false},
	}
	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			if got := MatchToken(test.token, test.hash); got != test.want {
				t.Errorf("MatchToken() = %v, want %v", got, test.want)
			}
		})
	}
}
