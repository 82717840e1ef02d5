package token

import (
	"encoding/base64"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func mintToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestCodecDecode(t *testing.T) {
	codec := NewCodec()
	exp := time.Now().Add(time.Hour).Unix()

	tok := mintToken(t, jwt.MapClaims{
		"sub":   "user-42",
		"exp":   exp,
		"roles": []string{"editor", "viewer"},
		"role":  "admin",
		"email": "a@example.com",
	})

	claims, err := codec.Decode(tok)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if claims.Subject != "user-42" {
		t.Errorf("Expected subject user-42, got %q", claims.Subject)
	}
	if claims.Expiry != exp {
		t.Errorf("Expected expiry %d, got %d", exp, claims.Expiry)
	}
	for _, role := range []string{"editor", "viewer", "admin"} {
		if !claims.HasRole(role) {
			t.Errorf("Expected role %q in %v", role, claims.Roles)
		}
	}
	if claims.HasRole("owner") {
		t.Error("Unexpected role owner")
	}
	if claims.Extra["email"] != "a@example.com" {
		t.Errorf("Expected email in extra claims, got %v", claims.Extra)
	}
	if _, ok := claims.Extra["sub"]; ok {
		t.Error("Registered claims should not be duplicated into Extra")
	}
}

func TestCodecIgnoresHeaderAlgorithm(t *testing.T) {
	exp := time.Now().Add(time.Hour).Unix()
	payload := base64.RawURLEncoding.EncodeToString([]byte(fmt.Sprintf(`{"sub":"u1","exp":%d}`, exp)))

	tests := []struct {
		name   string
		header string
	}{
		{"no alg", `{"typ":"JWT"}`},
		{"unregistered alg", `{"alg":"ES256K","typ":"JWT"}`},
		{"none", `{"alg":"none"}`},
		{"registered alg", `{"alg":"HS256","typ":"JWT"}`},
	}

	codec := NewCodec()
	now := time.Now()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tok := base64.RawURLEncoding.EncodeToString([]byte(tt.header)) + "." + payload + ".sig"
			claims, err := codec.Decode(tok)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if claims.Subject != "u1" || claims.Expiry != exp {
				t.Errorf("Unexpected claims %+v", claims)
			}
			if codec.IsExpired(tok, now) {
				t.Error("Token with a future exp must not be expired")
			}
			if codec.ShouldRefresh(tok, now, 5*time.Minute) {
				t.Error("Token an hour from expiry must not need refreshing")
			}
		})
	}
}

func TestCodecDecodeErrors(t *testing.T) {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	notJSON := base64.RawURLEncoding.EncodeToString([]byte("not json"))

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"opaque", "tok1"},
		{"two segments", header + "." + notJSON},
		{"four segments", "a.b.c.d"},
		{"payload not json", header + "." + notJSON + ".sig"},
		{"payload not base64", header + ".!!!.sig"},
		{"payload not an object", header + "." + base64.RawURLEncoding.EncodeToString([]byte(`[1,2]`)) + ".sig"},
	}

	codec := NewCodec()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := codec.Decode(tt.token)
			if err == nil {
				t.Fatal("Expected decode error")
			}
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Errorf("Expected *DecodeError, got %T", err)
			}
			if !IsDecodeError(err) {
				t.Error("IsDecodeError should report true")
			}
		})
	}
}

func TestCodecIsExpired(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	codec := NewCodec()

	tests := []struct {
		name     string
		token    string
		expected bool
	}{
		{"future", mintToken(t, jwt.MapClaims{"exp": now.Unix() + 60}), false},
		{"exactly now", mintToken(t, jwt.MapClaims{"exp": now.Unix()}), false},
		{"past", mintToken(t, jwt.MapClaims{"exp": now.Unix() - 1}), true},
		{"missing exp", mintToken(t, jwt.MapClaims{"sub": "x"}), true},
		{"malformed", "not-a-token", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := codec.IsExpired(tt.token, now); got != tt.expected {
				t.Errorf("Expected IsExpired=%v, got %v", tt.expected, got)
			}
		})
	}
}

func TestCodecShouldRefreshBuffer(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	buffer := 300 * time.Second
	codec := NewCodec()

	tests := []struct {
		name     string
		expiryIn int64
		expected bool
	}{
		{"inside buffer", 250, true},
		{"on buffer edge", 300, true},
		{"just outside buffer", 301, false},
		{"well outside buffer", 3600, false},
		{"already expired", -10, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tok := mintToken(t, jwt.MapClaims{"exp": now.Unix() + tt.expiryIn})
			if got := codec.ShouldRefresh(tok, now, buffer); got != tt.expected {
				t.Errorf("Expected ShouldRefresh=%v for expiry in %ds, got %v", tt.expected, tt.expiryIn, got)
			}
		})
	}

	if !codec.ShouldRefresh("garbage", now, buffer) {
		t.Error("Undecodable tokens should always need refreshing")
	}
}
