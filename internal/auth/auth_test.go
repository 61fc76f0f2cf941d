package auth

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIssueVerifyRoundTrip(t *testing.T) {
	m, err := New("test-secret", time.Minute, nil)
	require.NoError(t, err)

	token, err := m.Issue("user-42")
	require.NoError(t, err)

	userID, err := m.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "user-42", userID)
}

func TestVerifyRejectsTamperedToken(t *testing.T) {
	m, err := New("test-secret", time.Minute, nil)
	require.NoError(t, err)

	token, err := m.Issue("user-42")
	require.NoError(t, err)

	tampered := "A" + token[1:]
	_, err = m.Verify(tampered)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	m1, err := New("secret-one", time.Minute, nil)
	require.NoError(t, err)
	m2, err := New("secret-two", time.Minute, nil)
	require.NoError(t, err)

	token, err := m1.Issue("user-42")
	require.NoError(t, err)

	_, err = m2.Verify(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	m, err := New("test-secret", -time.Minute, nil)
	require.NoError(t, err)

	token, err := m.Issue("user-42")
	require.NoError(t, err)

	_, err = m.Verify(token)
	require.ErrorIs(t, err, ErrExpiredToken)
}

func TestIdentifyReturnsScopes(t *testing.T) {
	m, err := New("test-secret", time.Minute, func(userID string) []string {
		return []string{"channel:general", "user:" + userID}
	})
	require.NoError(t, err)

	token, err := m.Issue("user-42")
	require.NoError(t, err)

	userID, scopes, err := m.Identify(token)
	require.NoError(t, err)
	require.Equal(t, "user-42", userID)
	require.Equal(t, []string{"channel:general", "user:user-42"}, scopes)
}

func TestAuthenticateParsesBearerHeader(t *testing.T) {
	m, err := New("test-secret", time.Minute, nil)
	require.NoError(t, err)

	token, err := m.Issue("user-42")
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/api/v1/channels/c/messages", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	userID, err := m.Authenticate(r)
	require.NoError(t, err)
	require.Equal(t, "user-42", userID)

	r.Header.Set("Authorization", token)
	_, err = m.Authenticate(r)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestLongSecretsAccepted(t *testing.T) {
	long := make([]byte, 200)
	for i := range long {
		long[i] = byte('a' + i%26)
	}
	m, err := New(string(long), time.Minute, nil)
	require.NoError(t, err)

	token, err := m.Issue("user-42")
	require.NoError(t, err)
	userID, err := m.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "user-42", userID)
}
