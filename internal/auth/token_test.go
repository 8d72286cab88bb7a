package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokenIssuer_RoundTrip(t *testing.T) {
	issuer, err := NewTokenIssuer("secret-0123456789abcdef0123456789", "academico")
	if err != nil {
		t.Fatalf("NewTokenIssuer() error = %v", err)
	}
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	token, err := issuer.Mint("sess-1", "user-1", 3, now, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}

	claims, err := issuer.Parse(token, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if claims.ID != "sess-1" || claims.Subject != "user-1" || claims.Issuer != "academico" || claims.Generation != 3 {
		t.Errorf("claims = %+v", claims.RegisteredClaims)
	}

	if _, err := issuer.Parse(token, now.Add(2*time.Hour)); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expired Parse() error = %v, want ErrInvalidToken", err)
	}
	if _, err := issuer.ParseIgnoringExpiry(token); err != nil {
		t.Errorf("ParseIgnoringExpiry() error = %v", err)
	}
}

func TestTokenIssuer_RejectsOtherAlgorithms(t *testing.T) {
	issuer, _ := NewTokenIssuer("secret-0123456789abcdef0123456789", "")
	now := time.Now()

	claims := jwt.RegisteredClaims{ID: "sess-1", Subject: "user-1", ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour))}
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, err := issuer.Parse(none, now); err == nil {
		t.Error("alg=none token must be rejected")
	}
	if _, err := issuer.ParseIgnoringExpiry(none); err == nil {
		t.Error("alg=none token must be rejected even when ignoring expiry")
	}
}

func TestTokenIssuer_RequiresSessionClaims(t *testing.T) {
	issuer, _ := NewTokenIssuer("secret-0123456789abcdef0123456789", "")
	now := time.Now()

	token, _ := issuer.Mint("", "user-1", 0, now, now.Add(time.Hour))
	if _, err := issuer.Parse(token, now); err == nil {
		t.Error("token without jti must be rejected")
	}
}

func TestNewTokenIssuer_RequiresSecret(t *testing.T) {
	if _, err := NewTokenIssuer("", "academico"); err == nil {
		t.Error("expected error for empty secret")
	}
}

func TestNormalizeEmail(t *testing.T) {
	tests := []struct{ in, want string }{
		{" Ana@Escola.COM.br ", "Ana@escola.com.br"},
		{"prof@MÜNCHEN.de", "prof@xn--mnchen-3ya.de"},
		{"sem-arroba", "sem-arroba"},
	}
	for _, tt := range tests {
		if got := NormalizeEmail(tt.in); got != tt.want {
			t.Errorf("NormalizeEmail(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
