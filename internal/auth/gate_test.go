package auth

import (
	"errors"
	"testing"
	"time"

	"contest-live-service/internal/domain"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func sampleClaims() Claims {
	return Claims{
		UserID:      "u1",
		WalletID:    "w1",
		Name:        "Alice",
		ContestID:   "c1",
		Kind:        domain.KindContest,
		QuestionSet: []int{0, 2},
		StartTime:   100,
		EndTime:     200,
	}
}

func TestSignAndDecode(t *testing.T) {
	gate := NewGate("secret")

	token, err := gate.Sign(sampleClaims(), time.Hour)
	require.NoError(t, err)

	claims, err := gate.Decode(token)
	require.NoError(t, err)
	require.Equal(t, "u1", claims.UserID)
	require.Equal(t, "c1", claims.ContestID)
	require.Equal(t, domain.KindContest, claims.Kind)
	require.Equal(t, []int{0, 2}, claims.QuestionSet)
	require.Equal(t, int64(200), claims.EndTime)
	require.Equal(t, domain.Participant{UserID: "u1", Name: "Alice", WalletID: "w1"}, claims.Participant())
	require.True(t, claims.AllowsQuestion(2))
	require.False(t, claims.AllowsQuestion(1))
}

func TestDecodeExpired(t *testing.T) {
	issued := time.Unix(1_700_000_000, 0)
	token, err := NewGateWithClock("secret", func() time.Time { return issued }).Sign(sampleClaims(), time.Minute)
	require.NoError(t, err)

	later := NewGateWithClock("secret", func() time.Time { return issued.Add(2 * time.Minute) })
	_, err = later.Decode(token)
	require.ErrorIs(t, err, ErrExpiredToken)
	require.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestDecodeWrongSecret(t *testing.T) {
	token, err := NewGate("secret").Sign(sampleClaims(), time.Hour)
	require.NoError(t, err)

	_, err = NewGate("other").Decode(token)
	require.ErrorIs(t, err, ErrInvalidSignature)
	require.True(t, errors.Is(err, domain.ErrUnauthorized))
}

func TestDecodeRejectsOtherAlgorithms(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodNone, sampleClaims())
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = NewGate("secret").Decode(signed)
	require.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestDecodeGarbage(t *testing.T) {
	gate := NewGate("secret")
	for _, token := range []string{"", "abc", "a.b.c"} {
		_, err := gate.Decode(token)
		require.ErrorIs(t, err, domain.ErrUnauthorized, "token %q", token)
	}
}

func TestDecodeRequiresContest(t *testing.T) {
	gate := NewGate("secret")
	c := sampleClaims()
	c.ContestID = ""
	token, err := gate.Sign(c, time.Hour)
	require.NoError(t, err)

	_, err = gate.Decode(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}
