package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dmitrijs2005/docuvault/internal/common"
)

// URLTokenSigner signs and verifies the HS256 tokens backing local
// presigned URLs.
type URLTokenSigner struct {
	secret []byte
}

func NewURLTokenSigner(secret []byte) *URLTokenSigner {
	return &URLTokenSigner{secret: secret}
}

// urlClaims bind a token to one key and one operation.
type urlClaims struct {
	jwt.RegisteredClaims
	Key string `json:"key"`
	Op  string `json:"op"`
}

// Sign issues a token granting op on key until ttl elapses.
func (s *URLTokenSigner) Sign(key string, op PresignOp, ttl time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, urlClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Key: key,
		Op:  string(op),
	})

	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", err
	}
	return signed, nil
}

// Verify parses a token and returns the key and operation it grants.
// Expired tokens are reported as ErrTokenExpired.
func (s *URLTokenSigner) Verify(tokenString string) (string, PresignOp, error) {
	claims := &urlClaims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", "", common.ErrTokenExpired
		}
		return "", "", fmt.Errorf("%w: %v", common.ErrInvalidToken, err)
	}

	if !token.Valid {
		return "", "", common.ErrInvalidToken
	}

	return claims.Key, PresignOp(claims.Op), nil
}
