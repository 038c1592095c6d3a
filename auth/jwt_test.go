package auth

import (
	"strings"
	"testing"
)

const testSecret = "01234567890123456789012345678901"

func TestNewIssuerRejectsShortSecret(t *testing.T) {
	if _, err := NewIssuer("too-short"); err == nil {
		t.Fatal("expected NewIssuer to refuse a secret under 32 bytes")
	}
}

func TestGenerateAndValidateRoundTrip(t *testing.T) {
	issuer, err := NewIssuer(testSecret)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}

	token, err := issuer.GenerateToken("admin")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if token == "" || !strings.Contains(token, ".") {
		t.Fatalf("expected a JWT-shaped token, got %q", token)
	}

	claims, err := issuer.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if claims.Role != "admin" {
		t.Errorf("expected role admin, got %s", claims.Role)
	}
}

func TestValidateTokenRejectsWrongSecret(t *testing.T) {
	issuerA, _ := NewIssuer(testSecret)
	issuerB, _ := NewIssuer("abcdefghijklmnopqrstuvwxyzabcdef")

	token, err := issuerA.GenerateToken("admin")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	if _, err := issuerB.ValidateToken(token); err == nil {
		t.Fatal("expected validation to fail against a different issuer's secret")
	}
}

func TestValidateTokenRejectsGarbage(t *testing.T) {
	issuer, _ := NewIssuer(testSecret)
	if _, err := issuer.ValidateToken("not-a-jwt"); err == nil {
		t.Fatal("expected validation to fail on a malformed token")
	}
}
