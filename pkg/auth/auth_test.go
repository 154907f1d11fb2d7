package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestIssueAndVerify(t *testing.T) {
	issuer, err := NewIssuer("secret", time.Hour)
	if err != nil {
		t.Fatalf("NewIssuer() error = %v", err)
	}

	token, err := issuer.Issue("alice", "cell-a")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	claims, err := issuer.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if claims.Username != "alice" || claims.Cell != "cell-a" {
		t.Errorf("unexpected claims: %+v", claims)
	}
	if claims.ExpiresAt == nil {
		t.Error("expected expiry with a positive ttl")
	}
}

func TestVerifyRejects(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	issuer, _ := NewIssuer("secret", time.Minute, WithClock(func() time.Time { return now }))
	other, _ := NewIssuer("other-secret", time.Minute, WithClock(func() time.Time { return now }))

	forged, _ := other.Issue("alice", "cell-a")
	if _, err := issuer.Verify(forged); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken for wrong secret, got %v", err)
	}

	token, _ := issuer.Issue("alice", "cell-a")
	later, _ := NewIssuer("secret", time.Minute, WithClock(func() time.Time { return now.Add(2 * time.Minute) }))
	if _, err := later.Verify(token); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("expected ErrExpiredToken, got %v", err)
	}

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{Username: "alice", Cell: "cell-a"})
	unsigned, _ := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if _, err := issuer.Verify(unsigned); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken for alg none, got %v", err)
	}

	hs512 := jwt.NewWithClaims(jwt.SigningMethodHS512, Claims{Username: "alice", Cell: "cell-a"})
	signed, _ := hs512.SignedString([]byte("secret"))
	if _, err := issuer.Verify(signed); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken for HS512, got %v", err)
	}

	noCell := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{Username: "alice"})
	partial, _ := noCell.SignedString([]byte("secret"))
	if _, err := issuer.Verify(partial); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken without cell claim, got %v", err)
	}

	if _, err := issuer.Verify(""); !errors.Is(err, ErrMissingToken) {
		t.Errorf("expected ErrMissingToken, got %v", err)
	}
}

func TestZeroTTLNeverExpires(t *testing.T) {
	issuer, _ := NewIssuer("secret", 0)
	token, _ := issuer.Issue("canary", "sandbox")
	claims, err := issuer.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if claims.ExpiresAt != nil {
		t.Errorf("expected no expiry, got %v", claims.ExpiresAt)
	}
}

func TestNewIssuerRequiresSecret(t *testing.T) {
	if _, err := NewIssuer("", time.Hour); err == nil {
		t.Error("expected error for empty secret")
	}
}

func TestAPIKeys(t *testing.T) {
	key, err := NewAPIKey()
	if err != nil {
		t.Fatalf("NewAPIKey() error = %v", err)
	}
	if len(key) != 14 {
		t.Errorf("expected 14 character key, got %q", key)
	}

	another, _ := NewAPIKey()
	if key == another {
		t.Error("expected distinct keys")
	}

	hash, err := HashAPIKey(key)
	if err != nil {
		t.Fatalf("HashAPIKey() error = %v", err)
	}
	if !CheckAPIKey(hash, key) {
		t.Error("expected key to match its hash")
	}
	if CheckAPIKey(hash, another) {
		t.Error("expected other key not to match")
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header  string
		want    string
		wantErr bool
	}{
		{header: "Bearer abc", want: "abc"},
		{header: "bearer  abc ", want: "abc"},
		{header: "", wantErr: true},
		{header: "Basic abc", wantErr: true},
		{header: "Bearer", wantErr: true},
	}

	for _, tt := range tests {
		req := httptest.NewRequest("GET", "/validate", nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		got, err := BearerToken(req)
		if (err != nil) != tt.wantErr {
			t.Errorf("BearerToken(%q) error = %v, wantErr %v", tt.header, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("BearerToken(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}
