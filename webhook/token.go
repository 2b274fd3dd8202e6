package webhook

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

// TokenHeader names the signed management token on webhook endpoints.
const TokenHeader = "X-Webhook-Token"

var (
	ErrTokenInvalid = errors.New("invalid or expired webhook token")
	ErrTokenClaims  = errors.New("webhook token is missing required claims")
)

// ParseToken verifies the HMAC-signed management token and extracts the
// subscription id and credential it names. The credential is checked against
// the persisted subscription by the caller.
func ParseToken(secret, tokenString string) (id, credential string, err error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrTokenInvalid
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return "", "", ErrTokenInvalid
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", "", ErrTokenClaims
	}
	id, okID := claims["_id"].(string)
	credential, okCred := claims["credential"].(string)
	if !okID || !okCred {
		return "", "", ErrTokenClaims
	}
	return id, credential, nil
}
