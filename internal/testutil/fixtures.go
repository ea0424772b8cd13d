package testutil

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/pipxcapital/propcore/libs/auth"
)

var (
	DemoUserID  = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	AdminUserID = uuid.MustParse("00000000-0000-0000-0000-000000000002")
)

func GenerateJWT(userID uuid.UUID, roles []string, secret []byte, ttl time.Duration, now time.Time) (string, error) {
	claims := auth.Claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "propcore-auth",
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}
