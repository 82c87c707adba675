package middleware

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"

	dErrors "remit/pkg/domain-errors"
)

// HMACValidator verifies HS256 access tokens signed with a shared key.
type HMACValidator struct {
	signingKey []byte
	issuer     string
}

// NewHMACValidator builds a validator. An empty issuer skips the iss check.
func NewHMACValidator(signingKey, issuer string) *HMACValidator {
	return &HMACValidator{signingKey: []byte(signingKey), issuer: issuer}
}

func (v *HMACValidator) ValidateToken(tokenString string) (*JWTClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		return v.signingKey, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, dErrors.New(dErrors.CodeUnauthorized, "token has expired")
		}
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid token")
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid token")
	}
	return &JWTClaims{Subject: claims.Subject, JTI: claims.ID}, nil
}
