// Package auth verifies the bearer tokens that carry a caller's team and
// branch assignment. Tokens are issued by the identity provider; IssueToken
// exists for tooling and tests.
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

	"github.com/google/uuid"

	"querydesk/api/internal/query"
)

type Claims struct {
	Sub      string     `json:"sub"`
	Name     string     `json:"name"`
	Team     query.Team `json:"team"`
	Branches []string   `json:"branches,omitempty"`
	JTI      string     `json:"jti"`
	Exp      int64      `json:"exp"`
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

func IssueToken(secret []byte, claims Claims) (string, error) {
	if claims.JTI == "" {
		claims.JTI = uuid.NewString()
	}
	claims.Team = query.NormalizeTeam(string(claims.Team))
	payloadBytes, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(payloadBytes)
	return payload + "." + sign(secret, payload), nil
}

func ParseToken(secret []byte, token string) (Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return Claims{}, ErrInvalidToken
	}
	payload := parts[0]
	signature := parts[1]

	expected := sign(secret, payload)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return Claims{}, ErrInvalidToken
	}

	decoded, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}

	var claims Claims
	if err := json.Unmarshal(decoded, &claims); err != nil {
		return Claims{}, ErrInvalidToken
	}
	claims.Team = query.NormalizeTeam(string(claims.Team))
	if claims.Sub == "" || claims.Exp == 0 || !claims.Team.Valid() {
		return Claims{}, ErrInvalidToken
	}
	if time.Now().Unix() >= claims.Exp {
		return Claims{}, ErrExpiredToken
	}
	return claims, nil
}

// Actor is the display identity recorded on writes.
func (c Claims) Actor() string {
	if c.Name != "" {
		return c.Name
	}
	return c.Sub
}

func sign(secret []byte, payload string) string {
	sum := hmac.New(sha256.New, secret)
	_, _ = sum.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(sum.Sum(nil))
}
