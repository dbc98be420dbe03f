package auth

import (
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// ClientAssertionType is the client_assertion_type for signed JWT client
	// authentication.
	ClientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

	clientAssertionLifetime = 5 * time.Minute
)

// signClientAssertion builds the short-lived RS384 JWT that authenticates a
// confidential asymmetric client at the token endpoint. Every assertion gets
// a fresh jti so the server can reject replays.
func signClientAssertion(key *rsa.PrivateKey, keyID, clientID, audience string, now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Issuer:    clientID,
		Subject:   clientID,
		Audience:  jwt.ClaimStrings{audience},
		ID:        uuid.New().String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(clientAssertionLifetime)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS384, claims)
	if keyID != "" {
		token.Header["kid"] = keyID
	}
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("signing client assertion: %w", err)
	}
	return signed, nil
}

// ParsePrivateKeyPEM decodes a PEM encoded RSA private key (PKCS#1 or PKCS#8).
func ParsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing client private key: %v", ErrConfiguration, err)
	}
	return key, nil
}
