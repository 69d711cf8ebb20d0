// Package auth decodes the short-lived contest tokens issued by the
// platform. Issuance lives elsewhere; Sign exists for tooling and tests.
package auth

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"contest-live-service/internal/domain"
	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrExpiredToken     = fmt.Errorf("%w: token has expired", domain.ErrUnauthorized)
	ErrInvalidSignature = fmt.Errorf("%w: invalid token signature", domain.ErrUnauthorized)
	ErrInvalidToken     = fmt.Errorf("%w: malformed token", domain.ErrUnauthorized)
)

// Claims is what a contest token grants its bearer.
type Claims struct {
	UserID      string      `json:"user_id"`
	WalletID    string      `json:"wallet_id"`
	Name        string      `json:"name"`
	ContestID   string      `json:"contest_id"`
	Kind        domain.Kind `json:"kind"`
	QuestionSet []int       `json:"question_set,omitempty"`
	StartTime   int64       `json:"start_time"`
	EndTime     int64       `json:"end_time"`
	jwt.RegisteredClaims
}

// Participant returns the identity fields of the claims.
func (c Claims) Participant() domain.Participant {
	return domain.Participant{UserID: c.UserID, Name: c.Name, WalletID: c.WalletID}
}

// AllowsQuestion reports whether the token scopes its bearer to questionID.
// An empty question set allows every question.
func (c Claims) AllowsQuestion(questionID int) bool {
	return len(c.QuestionSet) == 0 || slices.Contains(c.QuestionSet, questionID)
}

// Gate validates HS256 contest tokens.
type Gate struct {
	secret []byte
	now    func() time.Time
}

func NewGate(secret string) *Gate {
	return &Gate{secret: []byte(secret), now: time.Now}
}

// NewGateWithClock is used by tests that need expiry at a fixed instant.
func NewGateWithClock(secret string, now func() time.Time) *Gate {
	return &Gate{secret: []byte(secret), now: now}
}

// Decode validates a token and returns its claims. Every failure wraps
// domain.ErrUnauthorized.
func (g *Gate) Decode(token string) (Claims, error) {
	if token == "" {
		return Claims{}, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidSignature
		}
		return g.secret, nil
	}, jwt.WithTimeFunc(g.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpiredToken
		}
		if errors.Is(err, jwt.ErrTokenSignatureInvalid) || errors.Is(err, ErrInvalidSignature) {
			return Claims{}, ErrInvalidSignature
		}
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}
	if claims.UserID == "" || claims.ContestID == "" {
		return Claims{}, fmt.Errorf("%w: missing user or contest", ErrInvalidToken)
	}
	return *claims, nil
}

// Sign issues a token for claims valid for ttl.
func (g *Gate) Sign(claims Claims, ttl time.Duration) (string, error) {
	now := g.now()
	claims.Subject = claims.UserID
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(g.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
