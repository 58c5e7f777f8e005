package tokens

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestConnectionTokenRoundTrip(t *testing.T) {
	s := NewSigner([]byte("test-secret"))

	tok, err := s.IssueConnectionToken("user-1", "node-a", "assign-1", "exec-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	claims, err := s.ValidateConnectionToken(tok, "exec-1")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.NodeID != "node-a" || claims.AssignmentID != "assign-1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestConnectionTokenExecutionMismatchRejected(t *testing.T) {
	s := NewSigner([]byte("test-secret"))
	tok, err := s.IssueConnectionToken("user-1", "node-a", "assign-1", "exec-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if _, err := s.ValidateConnectionToken(tok, "exec-2"); err != ErrExecutionMismatch {
		t.Fatalf("expected execution mismatch, got %v", err)
	}
	if _, err := s.ValidateConnectionToken(tok, "exec-1"); err != nil {
		t.Fatalf("matching execution should validate: %v", err)
	}
}

func TestConnectionTokenExpiredRejected(t *testing.T) {
	s := NewSigner([]byte("test-secret"))
	claims := ConnectionClaims{
		Subject: "user-1",
		NodeID:  "node-a",
		RegisteredClaims: jwt.RegisteredClaims{
			Audience:  jwt.ClaimStrings{AudienceConnection},
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-time.Hour)),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if _, err := s.ValidateConnectionToken(tok, ""); err == nil {
		t.Fatal("expected expired token to be rejected")
	}
}

func TestNoSecretRejectsEverything(t *testing.T) {
	s := NewSigner(nil)
	if _, err := s.IssueConnectionToken("u", "n", "a", ""); err != ErrNoSecret {
		t.Fatalf("expected ErrNoSecret, got %v", err)
	}
	if _, err := s.ValidateConnectionToken("whatever", ""); err != ErrNoSecret {
		t.Fatalf("expected ErrNoSecret, got %v", err)
	}
}

func TestProxyTokenRoundTrip(t *testing.T) {
	s := NewSigner([]byte("shared"))
	tok, err := s.IssueProxyToken("node-a", "node-b")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := s.ValidateProxyToken(tok)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.Subject != "node-a" || claims.NodeID != "node-b" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}
