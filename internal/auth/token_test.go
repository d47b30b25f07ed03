package auth

import (
	"testing"
	"time"
)

func TestIssueAndParseToken(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, Claims{
		Sub:  "user-1",
		Name: "avery",
		JTI:  "jti-1",
		Exp:  time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	claims, err := ParseToken(secret, issued)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.Sub != "user-1" || claims.Name != "avery" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestParseTokenRejectsExpired(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, Claims{
		Sub:  "user-1",
		Name: "avery",
		JTI:  "jti-1",
		Exp:  time.Now().Add(-time.Minute).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	_, err = ParseToken(secret, issued)
	if err == nil {
		t.Fatal("expected ParseToken() to fail for expired token")
	}
}

func TestParseTokenRejectsWrongSecret(t *testing.T) {
	issued, err := IssueToken([]byte("secret"), Claims{
		Sub:  "user-1",
		Name: "avery",
		JTI:  "jti-1",
		Exp:  time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	if _, err := ParseToken([]byte("other"), issued); err == nil {
		t.Fatal("expected ParseToken() to fail for a forged signature")
	}
}

func TestInviteTokenRoundTrip(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueInviteToken(secret, InviteClaims{
		DocumentID: "doc-1",
		Role:       "editor",
		Exp:        time.Now().Add(72 * time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueInviteToken() error = %v", err)
	}
	claims, err := ParseInviteToken(secret, issued)
	if err != nil {
		t.Fatalf("ParseInviteToken() error = %v", err)
	}
	if claims.DocumentID != "doc-1" || claims.Role != "editor" {
		t.Fatalf("unexpected invite claims: %+v", claims)
	}
}

func TestParseInviteTokenRejectsExpired(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueInviteToken(secret, InviteClaims{
		DocumentID: "doc-1",
		Role:       "viewer",
		Exp:        time.Now().Add(-time.Second).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueInviteToken() error = %v", err)
	}
	if _, err := ParseInviteToken(secret, issued); err == nil {
		t.Fatal("expected ParseInviteToken() to fail for expired invite")
	}
}

func TestParseInviteTokenRejectsAccessToken(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, Claims{
		Sub:  "user-1",
		Name: "avery",
		JTI:  "jti-1",
		Exp:  time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	if _, err := ParseInviteToken(secret, issued); err == nil {
		t.Fatal("expected ParseInviteToken() to reject an access token")
	}
}
