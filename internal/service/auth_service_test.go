package service

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthService_RoundTrip(t *testing.T) {
	auth := NewAuthService("secret", time.Hour)

	tok, err := auth.IssueStudentToken(42)
	require.NoError(t, err)
	claims, err := auth.ValidateToken(tok)
	require.NoError(t, err)
	assert.Equal(t, TokenTypeStudent, claims.TokenType)
	assert.Equal(t, 42, claims.UserID)
	assert.False(t, claims.HasPermission(PermissionMonitorRead))

	tok, err = auth.IssueAdminToken(7, []string{PermissionMonitorRead})
	require.NoError(t, err)
	claims, err = auth.ValidateToken(tok)
	require.NoError(t, err)
	assert.Equal(t, TokenTypeAdmin, claims.TokenType)
	assert.True(t, claims.HasPermission(PermissionMonitorRead))
	assert.False(t, claims.HasPermission(PermissionSettingsWrite))
}

func TestAuthService_Rejects(t *testing.T) {
	auth := NewAuthService("secret", time.Hour)

	other, err := NewAuthService("other", time.Hour).IssueStudentToken(1)
	require.NoError(t, err)
	_, err = auth.ValidateToken(other)
	assert.Error(t, err)

	expired, err := NewAuthService("secret", -time.Minute).IssueStudentToken(1)
	require.NoError(t, err)
	_, err = auth.ValidateToken(expired)
	assert.Error(t, err)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{UserID: 1, TokenType: TokenTypeAdmin}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = auth.ValidateToken(unsigned)
	assert.Error(t, err)

	_, err = auth.ValidateToken("not-a-token")
	assert.Error(t, err)
}
