package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Claims struct {
	Sub  string `json:"sub"`
	Name string `json:"name"`
	JTI  string `json:"jti"`
	Exp  int64  `json:"exp"`
}

// InviteClaims is the payload of a stateless invite token. Validity is
// signature plus expiry only; nothing is tracked server-side.
type InviteClaims struct {
	Typ        string `json:"typ"`
	DocumentID string `json:"documentId"`
	Role       string `json:"role"`
	Exp        int64  `json:"exp"`
}

const inviteType = "invite"

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

func IssueToken(secret []byte, claims Claims) (string, error) {
	payloadBytes, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(payloadBytes)
	signature := sign(secret, payload)
	return payload + "." + signature, nil
}

func ParseToken(secret []byte, token string) (Claims, error) {
	decoded, err := verify(secret, token)
	if err != nil {
		return Claims{}, err
	}

	var claims Claims
	if err := json.Unmarshal(decoded, &claims); err != nil {
		return Claims{}, ErrInvalidToken
	}
	if claims.Sub == "" || claims.Name == "" || claims.JTI == "" || claims.Exp == 0 {
		return Claims{}, ErrInvalidToken
	}
	if time.Now().Unix() >= claims.Exp {
		return Claims{}, ErrExpiredToken
	}
	return claims, nil
}

func IssueInviteToken(secret []byte, claims InviteClaims) (string, error) {
	claims.Typ = inviteType
	payloadBytes, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal invite claims: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(payloadBytes)
	signature := sign(secret, payload)
	return payload + "." + signature, nil
}

// ParseInviteToken rejects access tokens passed where an invite is expected;
// the typ discriminator keeps the two shapes from being interchangeable even
// though they share one signing secret.
func ParseInviteToken(secret []byte, token string) (InviteClaims, error) {
	decoded, err := verify(secret, token)
	if err != nil {
		return InviteClaims{}, err
	}

	var claims InviteClaims
	if err := json.Unmarshal(decoded, &claims); err != nil {
		return InviteClaims{}, ErrInvalidToken
	}
	if claims.Typ != inviteType || claims.DocumentID == "" || claims.Role == "" || claims.Exp == 0 {
		return InviteClaims{}, ErrInvalidToken
	}
	if time.Now().Unix() >= claims.Exp {
		return InviteClaims{}, ErrExpiredToken
	}
	return claims, nil
}

func verify(secret []byte, token string) ([]byte, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return nil, ErrInvalidToken
	}
	payload := parts[0]
	signature := parts[1]

	expected := sign(secret, payload)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return nil, ErrInvalidToken
	}

	decoded, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return nil, ErrInvalidToken
	}
	return decoded, nil
}

func sign(secret []byte, payload string) string {
	sum := hmac.New(sha256.New, secret)
	_, _ = sum.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(sum.Sum(nil))
}

func HashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return fmt.Sprintf("%x", sum)
}
