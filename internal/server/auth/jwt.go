package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// tokenTTL keeps operator tokens short-lived; clients exchange the admin
// secret for a fresh token when one expires.
const tokenTTL = 15 * time.Minute

// signingKeyFile is the PEM file holding the RSA signing key, kept under
// the server's data directory.
const signingKeyFile = "jwt_signing.pem"

// Claims holds the custom JWT claims embedded in every admin token.
// Standard claims (exp, iat, iss) are carried via jwt.RegisteredClaims.
type Claims struct {
	jwt.RegisteredClaims

	// Operator names who the token was issued to — the name supplied at
	// token exchange, or "admin" when the exchange supplied none.
	Operator string `json:"operator"`
}

// JWTManager signs and verifies operator tokens with a single RSA key; the
// verification key is derived from it, so there is exactly one artifact to
// manage.
type JWTManager struct {
	key    *rsa.PrivateKey
	issuer string
}

// NewJWTManager returns a manager backed by the signing key stored in
// keyDir, generating and persisting a fresh 2048-bit key on first run so
// tokens stay valid across restarts. An empty keyDir keeps the generated
// key in memory only — tokens then die with the process, which is fine for
// tests and throwaway instances. The returned bool reports whether a new
// key was generated.
func NewJWTManager(keyDir, issuer string) (*JWTManager, bool, error) {
	if keyDir != "" {
		path := filepath.Join(keyDir, signingKeyFile)
		key, err := readSigningKey(path)
		switch {
		case err == nil:
			return &JWTManager{key: key, issuer: issuer}, false, nil
		case !errors.Is(err, os.ErrNotExist):
			return nil, false, err
		}
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, false, fmt.Errorf("auth: generating signing key: %w", err)
	}
	if keyDir != "" {
		if err := writeSigningKey(filepath.Join(keyDir, signingKeyFile), key); err != nil {
			return nil, false, err
		}
	}
	return &JWTManager{key: key, issuer: issuer}, true, nil
}

// readSigningKey loads a PKCS#8 RSA private key from a PEM file. Passes
// os.ErrNotExist through so the caller can fall back to generation.
func readSigningKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "PRIVATE KEY" {
		return nil, fmt.Errorf("auth: %s is not a PKCS#8 private key PEM", path)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parsing signing key %s: %w", path, err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("auth: signing key %s is not RSA", path)
	}
	return key, nil
}

// writeSigningKey persists the key as PKCS#8 PEM, owner-readable only.
func writeSigningKey(path string, key *rsa.PrivateKey) error {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("auth: encoding signing key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("auth: creating key directory: %w", err)
	}
	data := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("auth: writing signing key: %w", err)
	}
	return nil
}

// GenerateToken creates a signed RS256 JWT for the given operator.
func (m *JWTManager) GenerateToken(operator string) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   operator,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
			ID:        uuid.NewString(),
		},
		Operator: operator,
	})
	signed, err := token.SignedString(m.key)
	if err != nil {
		return "", fmt.Errorf("auth: signing token for %s: %w", operator, err)
	}
	return signed, nil
}

// ValidateToken verifies a presented token and returns its claims. The
// parser pins the algorithm to RS256, which rules out alg:none and HMAC
// confusion. Callers distinguish expiry with errors.Is(err, ErrTokenExpired);
// every other failure collapses to ErrTokenInvalid.
func (m *JWTManager) ValidateToken(raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims,
		func(*jwt.Token) (any, error) { return &m.key.PublicKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}
	return claims, nil
}
