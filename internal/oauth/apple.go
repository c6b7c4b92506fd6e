// apple.go -- Sign in with Apple client secret.
//
// Apple has no static client secret: each token request carries an ES256 JWT
// signed with the team's private key.
package oauth

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const appleAudience = "https://appleid.apple.com"

// appleSecretTTL is how long each minted secret is valid. Apple allows up to 6 months;
// secrets are minted per exchange so a short lifetime is enough.
const appleSecretTTL = 5 * time.Minute

// AppleKey is the signing material from the Apple developer portal.
type AppleKey struct {
	TeamID     string
	KeyID      string
	PrivateKey *ecdsa.PrivateKey
}

// ParseAppleKey parses a PKCS#8 PEM (.p8) private key.
func ParseAppleKey(teamID, keyID, pemData string) (*AppleKey, error) {
	if teamID == "" || keyID == "" {
		return nil, errors.New("apple: team id and key id are required")
	}
	pk, err := jwt.ParseECPrivateKeyFromPEM([]byte(pemData))
	if err != nil {
		return nil, fmt.Errorf("apple: parsing private key: %w", err)
	}
	return &AppleKey{TeamID: teamID, KeyID: keyID, PrivateKey: pk}, nil
}

// ClientSecret mints the client_secret JWT for clientID.
func (k *AppleKey) ClientSecret(clientID string, now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Issuer:    k.TeamID,
		Subject:   clientID,
		Audience:  jwt.ClaimStrings{appleAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(appleSecretTTL)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = k.KeyID
	signed, err := token.SignedString(k.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("apple: signing client secret: %w", err)
	}
	return signed, nil
}

// SecretFunc returns a SecretFunc minting a fresh secret per call.
func (k *AppleKey) SecretFunc(clientID string) SecretFunc {
	return func() (string, error) { return k.ClientSecret(clientID, time.Now()) }
}
