package auth

import (
	"github.com/golang-jwt/jwt/v5"

	"github.com/refillpoint/fulfillment-backend/pkg/enums"
)

// AccessTokenPayload captures the data available when minting a JWT.
// Subject is a user id or, for guests, a checkout session id.
type AccessTokenPayload struct {
	Subject string
	Role    enums.Role
	JTI     string
}

// AccessTokenClaims represents the typed JWT issued to clients.
type AccessTokenClaims struct {
	Role enums.Role `json:"role"`
	jwt.RegisteredClaims
}
