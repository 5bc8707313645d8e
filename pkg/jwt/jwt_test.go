package jwt

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSecret = "test-access-secret-key-for-testing-purposes"
	testIssuer = "chillconnect-auth"
)

func TestNewService(t *testing.T) {
	service := NewService(testSecret, testIssuer, time.Hour)

	assert.NotNil(t, service)
	assert.Equal(t, testSecret, service.secret)
	assert.Equal(t, testIssuer, service.issuer)
	assert.Equal(t, time.Hour, service.tokenExpiry)
}

func TestGenerateAccessToken(t *testing.T) {
	service := NewService(testSecret, testIssuer, time.Hour)
	userID := uuid.New()
	roles := []string{"user"}

	token, err := service.GenerateAccessToken(userID, roles)
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	claims, err := service.ValidateAccessToken(token)
	require.NoError(t, err)
	assert.Equal(t, userID, claims.UserID)
	assert.Equal(t, roles, claims.Roles)
	assert.Equal(t, AccessToken, claims.TokenType)
	assert.Equal(t, testIssuer, claims.Issuer)
	assert.Equal(t, userID.String(), claims.Subject)
}

func TestValidateAccessToken(t *testing.T) {
	service := NewService(testSecret, testIssuer, time.Hour)
	userID := uuid.New()

	token, err := service.GenerateAccessToken(userID, []string{"user", "admin"})
	require.NoError(t, err)

	claims, err := service.ValidateAccessToken(token)
	require.NoError(t, err)
	assert.True(t, claims.HasRole("admin"))
	assert.False(t, claims.HasRole("super_admin"))

	// Test invalid token
	_, err = service.ValidateAccessToken("invalid.token.here")
	assert.Error(t, err)

	// Test token with wrong secret
	wrongService := NewService("wrong-secret", testIssuer, time.Hour)
	_, err = wrongService.ValidateAccessToken(token)
	assert.Error(t, err)

	// Test token from another issuer
	otherIssuer := NewService(testSecret, "someone-else", time.Hour)
	_, err = otherIssuer.ValidateAccessToken(token)
	assert.Error(t, err)
}

func TestValidateAccessToken_RejectsNilUser(t *testing.T) {
	service := NewService(testSecret, testIssuer, time.Hour)

	// the nil id is reserved for the system actor
	token, err := service.GenerateAccessToken(uuid.Nil, []string{"admin"})
	require.NoError(t, err)

	_, err = service.ValidateAccessToken(token)
	assert.Error(t, err)
}

func TestValidateAccessToken_RejectsOtherTokenTypes(t *testing.T) {
	now := time.Now()
	claims := Claims{
		UserID:    uuid.New(),
		TokenType: "refresh",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			Issuer:    testIssuer,
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	_, err = NewService(testSecret, testIssuer, time.Hour).ValidateAccessToken(token)
	assert.Error(t, err)
}

func TestExpiredToken(t *testing.T) {
	service := NewService(testSecret, testIssuer, -time.Minute)

	token, err := service.GenerateAccessToken(uuid.New(), []string{"user"})
	require.NoError(t, err)

	_, err = service.ValidateAccessToken(token)
	assert.Error(t, err)
	assert.True(t, service.IsTokenExpired(token))
}

func TestExtractClaims(t *testing.T) {
	service := NewService(testSecret, testIssuer, time.Hour)
	userID := uuid.New()

	token, err := service.GenerateAccessToken(userID, []string{"user"})
	require.NoError(t, err)

	claims, err := service.ExtractClaims(token)
	require.NoError(t, err)
	assert.Equal(t, userID, claims.UserID)
	assert.False(t, service.IsTokenExpired(token))
	assert.True(t, service.IsTokenExpired("invalid.token.here"))
}

func TestTokenSigningMethod(t *testing.T) {
	service := NewService(testSecret, testIssuer, time.Hour)

	token, err := service.GenerateAccessToken(uuid.New(), []string{"user"})
	require.NoError(t, err)

	parsedToken, err := jwt.ParseWithClaims(token, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(testSecret), nil
	})
	require.NoError(t, err)

	_, ok := parsedToken.Method.(*jwt.SigningMethodHMAC)
	assert.True(t, ok, "Token should use HMAC signing method")
}

func TestConcurrentTokenGeneration(t *testing.T) {
	service := NewService(testSecret, testIssuer, time.Hour)

	done := make(chan bool)
	errors := make(chan error, 100)

	for i := 0; i < 100; i++ {
		go func() {
			token, err := service.GenerateAccessToken(uuid.New(), []string{"user"})
			if err != nil {
				errors <- err
				done <- true
				return
			}

			if _, err := service.ValidateAccessToken(token); err != nil {
				errors <- err
			}
			done <- true
		}()
	}

	for i := 0; i < 100; i++ {
		<-done
	}

	close(errors)
	assert.Empty(t, errors)
}
