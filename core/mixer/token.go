package mixer

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	tokenIssuer   = "narrato-mixer"
	tokenAudience = "narrato-tracks"
)

// ErrUnauthorized is returned for a callback whose token does not verify.
var ErrUnauthorized = errors.New("unauthorized mix callback")

// IssueToken signs a short-lived HS256 token scoped to one track.
func IssueToken(secret string, trackID int64, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("callback secret is not configured")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   strconv.FormatInt(trackID, 10),
		Audience:  jwt.ClaimStrings{tokenAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// VerifyToken checks signature, expiry, audience and that the token was issued for trackID.
func VerifyToken(secret, tokenString string, trackID int64) error {
	if secret == "" {
		return fmt.Errorf("%w: callback secret is not configured", ErrUnauthorized)
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(tokenAudience),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if claims.Subject != strconv.FormatInt(trackID, 10) {
		return fmt.Errorf("%w: token is for track %s", ErrUnauthorized, claims.Subject)
	}
	return nil
}
