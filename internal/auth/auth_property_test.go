package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// **Property: token round-trip keeps identity and role**

func genUserID() gopter.Gen {
	return gen.Identifier().SuchThat(func(s string) bool {
		return len(s) > 0 && len(s) <= 255
	})
}

func genRole() gopter.Gen {
	return gen.OneConstOf(RoleUser, RoleAdmin)
}

func genJWTSecret() gopter.Gen {
	return gen.SliceOfN(32, gen.UInt8()).Map(func(b []uint8) []byte {
		out := make([]byte, len(b))
		copy(out, b)
		return out
	})
}

func newService(secret []byte, expiry time.Duration) *Service {
	return NewService(&Config{JWTSecret: secret, TokenExpiry: expiry}, nil)
}

func TestTokenRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("claims survive a round-trip", prop.ForAll(
		func(userID string, role Role, secret []byte) bool {
			svc := newService(secret, time.Hour)
			token, err := svc.GenerateToken(userID, userID+"@builders.test", role)
			if err != nil {
				return false
			}
			claims, err := svc.ValidateToken(token)
			if err != nil {
				return false
			}
			return claims.UserID == userID &&
				claims.Email == userID+"@builders.test" &&
				claims.Role == role &&
				claims.IsAdmin() == (role == RoleAdmin)
		},
		genUserID(),
		genRole(),
		genJWTSecret(),
	))

	properties.Property("tokens from another secret are rejected", prop.ForAll(
		func(userID string, secret1, secret2 []byte) bool {
			if string(secret1) == string(secret2) {
				return true
			}
			token, err := newService(secret1, time.Hour).GenerateToken(userID, "", RoleAdmin)
			if err != nil {
				return false
			}
			claims, err := newService(secret2, time.Hour).ValidateToken(token)
			return err != nil && claims == nil
		},
		genUserID(),
		genJWTSecret(),
		genJWTSecret(),
	))

	properties.Property("malformed tokens are rejected", prop.ForAll(
		func(a, b, c string, secret []byte) bool {
			claims, err := newService(secret, time.Hour).ValidateToken(a + "." + b + "." + c)
			return err != nil && claims == nil
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AlphaString(),
		genJWTSecret(),
	))

	properties.TestingRun(t)
}

func TestExpiredToken(t *testing.T) {
	svc := newService([]byte("0123456789abcdef0123456789abcdef"), -time.Hour)
	token, err := svc.GenerateToken("ops", "", RoleUser)
	require.NoError(t, err)

	_, err = svc.ValidateToken(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestGenerateTokenValidation(t *testing.T) {
	svc := newService([]byte("0123456789abcdef0123456789abcdef"), time.Hour)

	_, err := svc.GenerateToken("", "", RoleUser)
	assert.ErrorIs(t, err, ErrMissingClaims)

	_, err = svc.GenerateToken("ops", "", Role("root"))
	assert.ErrorIs(t, err, ErrInvalidRole)
}

func TestTokenWithoutRoleIsUser(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "legacy",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(secret)
	require.NoError(t, err)

	claims, err := newService(secret, time.Hour).ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, RoleUser, claims.Role)

	token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  "odd",
		"role": "root",
		"exp":  time.Now().Add(time.Hour).Unix(),
	}).SignedString(secret)
	require.NoError(t, err)
	_, err = newService(secret, time.Hour).ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestExtractBearerToken(t *testing.T) {
	assert.Equal(t, "abc", ExtractBearerToken("Bearer abc"))
	assert.Equal(t, "abc", ExtractBearerToken("bearer  abc "))
	assert.Empty(t, ExtractBearerToken("Basic abc"))
	assert.Empty(t, ExtractBearerToken(""))
}
