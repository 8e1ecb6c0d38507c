package manager

import (
	"testing"
	"time"
)

func TestTokenManagerGenerateAndValidate(t *testing.T) {
	tm := NewTokenManager()

	jt, err := tm.GenerateToken("agent", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}

	role, err := tm.ValidateToken(jt.Token)
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if role != "agent" {
		t.Errorf("ValidateToken() role = %q, want %q", role, "agent")
	}

	if _, err := tm.ValidateToken("not-a-real-token"); err == nil {
		t.Error("ValidateToken() should reject an unknown token")
	}
}

func TestTokenManagerExpiry(t *testing.T) {
	tm := NewTokenManager()

	jt, err := tm.GenerateToken("manager", -time.Second)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}

	if _, err := tm.ValidateToken(jt.Token); err == nil {
		t.Error("ValidateToken() should reject an expired token")
	}

	tm.CleanupExpiredTokens()
	if len(tm.ListTokens()) != 0 {
		t.Error("CleanupExpiredTokens() should have removed the expired token")
	}
}

func TestTokenManagerRevoke(t *testing.T) {
	tm := NewTokenManager()

	jt, err := tm.GenerateToken("agent", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}

	tm.RevokeToken(jt.Token)
	if _, err := tm.ValidateToken(jt.Token); err == nil {
		t.Error("ValidateToken() should reject a revoked token")
	}
}
