package service

import (
	"fmt"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-jwt-secret"

func TestNewTokenService(t *testing.T) {
	service := NewTokenService(testSecret, time.Hour)
	require.NotNil(t, service, "NewTokenService should not return nil")
	assert.Equal(t, []byte(testSecret), service.jwtSecret, "jwtSecret was not initialized correctly")

	t.Run("NonPositiveTTLDefaultsToAnHour", func(t *testing.T) {
		service := NewTokenService(testSecret, 0)
		assert.Equal(t, time.Hour, service.ttl)
	})
}

func TestTokenService_GenerateToken(t *testing.T) {
	service := NewTokenService(testSecret, time.Hour)

	t.Run("Success", func(t *testing.T) {
		tokenString, expiry, err := service.GenerateToken("admin")

		require.NoError(t, err, "GenerateToken should not return an error")
		require.NotEmpty(t, tokenString, "Generated token string should not be empty")

		// Check expiry time (approx 1 hour from now)
		expectedExpiry := time.Now().Add(time.Hour * 1)
		assert.WithinDuration(t, expectedExpiry, expiry, 5*time.Second, "Expiry time is not approximately 1 hour from now")

		// Parse the token to verify claims
		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			// Make sure that the alg is what we expect (HS256)
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return []byte(testSecret), nil
		})
		require.NoError(t, err, "Failed to parse generated token")
		require.NotNil(t, token, "Parsed token should not be nil")
		assert.True(t, token.Valid, "Generated token should be valid")

		claims, ok := token.Claims.(jwt.MapClaims)
		require.True(t, ok, "Token claims should be of type jwt.MapClaims")

		// Verify standard claims
		assert.Equal(t, "admin", claims["sub"], "Subject claim (sub) is incorrect")
		assert.Equal(t, "pggate-admin", claims["iss"], "Issuer claim (iss) is incorrect")
		assert.Equal(t, "pggate", claims["aud"], "Audience claim (aud) is incorrect")

		// Verify time-based claims (exp, iat, nbf)
		expClaim, ok := claims["exp"].(float64)
		require.True(t, ok, "Expiration claim (exp) should be a number")
		assert.EqualValues(t, expiry.Unix(), int64(expClaim), "Expiration claim (exp) does not match returned expiry")

		iatClaim, ok := claims["iat"].(float64)
		require.True(t, ok, "IssuedAt claim (iat) should be a number")
		assert.InDelta(t, time.Now().Unix(), int64(iatClaim), 5, "IssuedAt claim (iat) is not recent") // Allow 5s delta

		nbfClaim, ok := claims["nbf"].(float64)
		require.True(t, ok, "NotBefore claim (nbf) should be a number")
		assert.InDelta(t, time.Now().Unix(), int64(nbfClaim), 5, "NotBefore claim (nbf) is not recent") // Allow 5s delta
	})

	t.Run("CustomTTL", func(t *testing.T) {
		short := NewTokenService(testSecret, 5*time.Minute)
		_, expiry, err := short.GenerateToken("admin")
		require.NoError(t, err)
		assert.WithinDuration(t, time.Now().Add(5*time.Minute), expiry, 5*time.Second)
	})
}

func TestTokenService_ValidateToken(t *testing.T) {
	service := NewTokenService(testSecret, time.Hour)

	t.Run("Success", func(t *testing.T) {
		tokenString, _, err := service.GenerateToken("admin")
		require.NoError(t, err)

		username, err := service.ValidateToken(tokenString)
		require.NoError(t, err, "ValidateToken should accept a freshly generated token")
		assert.Equal(t, "admin", username)
	})

	t.Run("WrongSecret", func(t *testing.T) {
		other := NewTokenService("some-other-secret", time.Hour)
		tokenString, _, err := other.GenerateToken("admin")
		require.NoError(t, err)

		_, err = service.ValidateToken(tokenString)
		require.Error(t, err, "ValidateToken should reject a token signed with another secret")
	})

	t.Run("WrongSigningMethod", func(t *testing.T) {
		// alg=none is the classic downgrade attempt.
		token := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "admin"})
		tokenString, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)

		_, err = service.ValidateToken(tokenString)
		require.Error(t, err, "ValidateToken should reject tokens not signed with HMAC")
	})

	t.Run("Expired", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"sub": "admin",
			"exp": time.Now().Add(-time.Hour).Unix(),
		})
		tokenString, err := token.SignedString([]byte(testSecret))
		require.NoError(t, err)

		_, err = service.ValidateToken(tokenString)
		require.Error(t, err, "ValidateToken should reject an expired token")
	})

	t.Run("Garbage", func(t *testing.T) {
		_, err := service.ValidateToken("not-a-jwt")
		require.Error(t, err)
	})

	t.Run("MissingSubject", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"iss": "pggate-admin",
			"exp": time.Now().Add(time.Hour).Unix(),
		})
		tokenString, err := token.SignedString([]byte(testSecret))
		require.NoError(t, err)

		_, err = service.ValidateToken(tokenString)
		require.Error(t, err, "ValidateToken should reject a token without a subject")
	})
}
