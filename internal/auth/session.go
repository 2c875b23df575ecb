// internal/auth/session.go
package auth

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrTokenMismatch is returned when a relay token is valid but was issued for
// a different lobby or player.
var ErrTokenMismatch = errors.New("relay token does not match lobby or player")

// Signer issues and verifies relay join tokens. A token binds a player id to
// the lobby it was issued for, so the relay can trust relay_join without
// consulting the lobby directory.
type Signer struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	ttl        time.Duration
}

type relayClaims struct {
	LobbyID string `json:"lid"`
	jwt.RegisteredClaims
}

// NewSigner generates a fresh ed25519 key pair. Tokens issued by a previous
// process are therefore rejected after a restart, which matches lobby state
// never outliving the process. ttl <= 0 issues tokens without expiry.
func NewSigner(ttl time.Duration) (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ed25519 key pair: %w", err)
	}
	return &Signer{privateKey: priv, publicKey: pub, ttl: ttl}, nil
}

// NewSignerFromPath reads ed25519 private/public keys from file.
func NewSignerFromPath(privatePath, publicPath string, ttl time.Duration) (*Signer, error) {
	privateKeyData, err := os.ReadFile(privatePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key file: %w", err)
	}
	publicKeyData, err := os.ReadFile(publicPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read public key file: %w", err)
	}
	if len(privateKeyData) != ed25519.PrivateKeySize || len(publicKeyData) != ed25519.PublicKeySize {
		return nil, errors.New("ed25519 key files have unexpected length")
	}
	return &Signer{
		privateKey: ed25519.PrivateKey(privateKeyData),
		publicKey:  ed25519.PublicKey(publicKeyData),
		ttl:        ttl,
	}, nil
}

// IssueRelayToken signs a token for (lobbyID, playerID).
func (s *Signer) IssueRelayToken(lobbyID string, playerID uint64) (string, error) {
	now := time.Now()
	claims := relayClaims{
		LobbyID: lobbyID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  strconv.FormatUint(playerID, 10),
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if s.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(s.ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	return token.SignedString(s.privateKey)
}

// VerifyRelayToken checks the signature and expiry of tokenString and that it
// was issued for (lobbyID, playerID).
func (s *Signer) VerifyRelayToken(tokenString, lobbyID string, playerID uint64) error {
	var claims relayClaims
	t, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.publicKey, nil
	})
	if err != nil {
		return fmt.Errorf("jwt parse error: %w", err)
	}
	if !t.Valid {
		return errors.New("invalid token")
	}
	if claims.LobbyID != lobbyID || claims.Subject != strconv.FormatUint(playerID, 10) {
		return ErrTokenMismatch
	}
	return nil
}
