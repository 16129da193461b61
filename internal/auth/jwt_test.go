package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/CanuteTheGreat/horcrux-sub008/internal/config"
)

func newTestManager(secret string) *JWTManager {
	return NewJWTManager(config.AuthConfig{
		JWTSecret:     secret,
		TokenExpiry:   15 * time.Minute,
		RefreshExpiry: 24 * time.Hour,
	})
}

func TestGenerateAndVerify(t *testing.T) {
	m := newTestManager("test-secret")

	pair, err := m.Generate("user-1", "admin", "operator")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("expected both tokens to be issued")
	}
	if pair.TokenType != "Bearer" {
		t.Errorf("TokenType = %s, want Bearer", pair.TokenType)
	}
	if time.Until(pair.ExpiresAt) > 15*time.Minute {
		t.Errorf("ExpiresAt %v further out than the configured expiry", pair.ExpiresAt)
	}

	claims, err := m.Verify(pair.AccessToken)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.UserID != "user-1" || claims.Username != "admin" || claims.Role != "operator" {
		t.Errorf("claims = %+v", claims)
	}
	if claims.Issuer != "horcrux" {
		t.Errorf("Issuer = %s, want horcrux", claims.Issuer)
	}
}

func TestVerifyRejectsBadTokens(t *testing.T) {
	m := newTestManager("test-secret")
	pair, err := m.Generate("user-1", "admin", "operator")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if _, err := m.Verify("not-a-token"); err == nil {
		t.Error("Verify accepted garbage")
	}

	other := newTestManager("different-secret")
	if _, err := other.Verify(pair.AccessToken); err == nil {
		t.Error("Verify accepted a token signed with another secret")
	}

	tampered := pair.AccessToken[:len(pair.AccessToken)-2] + "xx"
	if _, err := m.Verify(tampered); err == nil {
		t.Error("Verify accepted a tampered signature")
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	m := NewJWTManager(config.AuthConfig{
		JWTSecret:     "test-secret",
		TokenExpiry:   -time.Minute,
		RefreshExpiry: time.Hour,
	})
	pair, err := m.Generate("user-1", "admin", "operator")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	_, err = m.Verify(pair.AccessToken)
	if err == nil {
		t.Fatal("Verify accepted an expired token")
	}
	if !strings.Contains(err.Error(), "expired") {
		t.Errorf("error = %v, want an expiry cause", err)
	}
}

func TestVerifyRefreshToken(t *testing.T) {
	m := newTestManager("test-secret")
	pair, err := m.Generate("user-1", "admin", "operator")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	userID, err := m.VerifyRefreshToken(pair.RefreshToken)
	if err != nil {
		t.Fatalf("VerifyRefreshToken: %v", err)
	}
	if userID != "user-1" {
		t.Errorf("userID = %s, want user-1", userID)
	}

	// An access token must not pass as a refresh token.
	if _, err := m.VerifyRefreshToken(pair.AccessToken); err == nil {
		t.Error("VerifyRefreshToken accepted an access token")
	}
}
