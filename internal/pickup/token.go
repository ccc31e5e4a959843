package pickup

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const tokenIssuer = "refillpoint:pickup"

var tokenSigningMethod = jwt.SigningMethodHS256

// Claims is the payload of a signed pickup token. ID (jti) is the pickup
// token row id, so a replaced credential stops matching.
type Claims struct {
	OrderID     uuid.UUID `json:"order_id"`
	OrderNumber string    `json:"order_number"`
	OTP         string    `json:"otp"`
	jwt.RegisteredClaims
}

type tokenSigner struct {
	key []byte
}

func newTokenSigner(key string) (*tokenSigner, error) {
	if key == "" {
		return nil, errors.New("pickup signing key required")
	}
	return &tokenSigner{key: []byte(key)}, nil
}

func (s *tokenSigner) sign(tokenID, orderID uuid.UUID, orderNumber, otp string, issuedAt, expiresAt time.Time) (string, error) {
	claims := Claims{
		OrderID:     orderID,
		OrderNumber: orderNumber,
		OTP:         otp,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   orderID.String(),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        tokenID.String(),
		},
	}
	signed, err := jwt.NewWithClaims(tokenSigningMethod, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("signing pickup token: %w", err)
	}
	return signed, nil
}

// parse checks the signature only. Expiry is judged against the stored row so
// both verification paths share one clock.
func (s *tokenSigner) parse(tokenString string) (*Claims, error) {
	claims := &Claims{}
	parser := jwt.NewParser(
		jwt.WithoutClaimsValidation(),
		jwt.WithValidMethods([]string{tokenSigningMethod.Alg()}),
	)
	_, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if token.Method != tokenSigningMethod {
			return nil, fmt.Errorf("unexpected signing method %s", token.Header["alg"])
		}
		return s.key, nil
	})
	if err != nil {
		return nil, err
	}
	if claims.Issuer != tokenIssuer {
		return nil, fmt.Errorf("unexpected issuer %q", claims.Issuer)
	}
	return claims, nil
}
