package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/omerlefaruk/casare-orchestrator/internal/server/db"
	"github.com/omerlefaruk/casare-orchestrator/internal/server/repositories"
)

const (
	// secretPrefix marks CasareRPA robot keys so leaked strings are
	// recognizable in scanners and logs.
	secretPrefix = "crk"

	// secretRandomBytes is the entropy of the secret part, hex-encoded on
	// the wire. Sized so the whole presented secret stays under bcrypt's
	// 72-byte input limit.
	secretRandomBytes = 24

	// keyIDBytes sizes the public key identifier embedded in the secret.
	keyIDBytes = 8

	// bcryptCost trades verification latency against brute-force cost. One
	// compare happens per robot connection attempt, not per request, so the
	// default cost is affordable.
	bcryptCost = bcrypt.DefaultCost
)

// APIKeyService mints, verifies, and revokes robot channel credentials.
//
// Secret format: "crk_<key_id>_<hex-random>". The key id is embedded in the
// presented secret so verification is one indexed lookup plus one bcrypt
// compare — bcrypt's compare is constant-time in the hash, so a mismatch
// leaks no prefix information. Cleartext secrets exist only in the mint
// response; the store holds the bcrypt hash.
type APIKeyService struct {
	keys   repositories.APIKeyRepository
	logger *zap.Logger
}

// NewAPIKeyService creates an APIKeyService.
func NewAPIKeyService(keys repositories.APIKeyRepository, logger *zap.Logger) *APIKeyService {
	return &APIKeyService{
		keys:   keys,
		logger: logger.Named("apikeys"),
	}
}

// Mint creates a key for robotID and returns the record plus the cleartext
// secret. The secret cannot be recovered afterwards.
func (s *APIKeyService) Mint(ctx context.Context, robotID string, expiresAt *time.Time) (*db.APIKey, string, error) {
	keyID, err := randomHex(keyIDBytes)
	if err != nil {
		return nil, "", fmt.Errorf("auth: generating key id: %w", err)
	}
	random, err := randomHex(secretRandomBytes)
	if err != nil {
		return nil, "", fmt.Errorf("auth: generating secret: %w", err)
	}

	secret := fmt.Sprintf("%s_%s_%s", secretPrefix, keyID, random)

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcryptCost)
	if err != nil {
		return nil, "", fmt.Errorf("auth: hashing secret: %w", err)
	}

	key := &db.APIKey{
		KeyID:      keyID,
		RobotID:    robotID,
		SecretHash: string(hash),
		Status:     db.APIKeyStatusValid,
		ExpiresAt:  expiresAt,
	}
	if err := s.keys.Create(ctx, key); err != nil {
		return nil, "", err
	}

	s.logger.Info("api key minted",
		zap.String("key_id", keyID),
		zap.String("robot_id", robotID),
	)
	return key, secret, nil
}

// Verify checks a presented secret and returns the matching key record.
// remoteIP is recorded on success for the key's last-used audit fields.
//
// Verification never reveals which check failed to the connecting client —
// callers should surface every failure as the same authentication error.
func (s *APIKeyService) Verify(ctx context.Context, secret, remoteIP string) (*db.APIKey, error) {
	keyID, ok := parseKeyID(secret)
	if !ok {
		return nil, ErrKeyInvalid
	}

	key, err := s.keys.GetByKeyID(ctx, keyID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, ErrKeyInvalid
		}
		return nil, err
	}

	switch key.Status {
	case db.APIKeyStatusRevoked:
		return nil, ErrKeyRevoked
	case db.APIKeyStatusExpired:
		return nil, ErrKeyExpired
	}

	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		if err := s.keys.MarkExpired(ctx, keyID); err != nil {
			s.logger.Warn("failed to mark key expired", zap.String("key_id", keyID), zap.Error(err))
		}
		return nil, ErrKeyExpired
	}

	if err := bcrypt.CompareHashAndPassword([]byte(key.SecretHash), []byte(secret)); err != nil {
		return nil, ErrKeyInvalid
	}

	if err := s.keys.Touch(ctx, keyID, remoteIP, time.Now().UTC()); err != nil {
		// Last-used bookkeeping must not fail authentication.
		s.logger.Warn("failed to touch key", zap.String("key_id", keyID), zap.Error(err))
	}
	return key, nil
}

// VerifyForRobot verifies the secret and additionally checks it was minted
// for the given robot. Used by the robot channel, where the robot_id is in
// the URL path.
func (s *APIKeyService) VerifyForRobot(ctx context.Context, secret, robotID, remoteIP string) (*db.APIKey, error) {
	key, err := s.Verify(ctx, secret, remoteIP)
	if err != nil {
		return nil, err
	}
	if key.RobotID != robotID {
		return nil, ErrKeyRobotMismatch
	}
	return key, nil
}

// Revoke invalidates a key for future verifications. Connections already
// authenticated with it stay up — the channel authenticates at upgrade time
// only.
func (s *APIKeyService) Revoke(ctx context.Context, keyID string) error {
	if err := s.keys.Revoke(ctx, keyID); err != nil {
		return err
	}
	s.logger.Info("api key revoked", zap.String("key_id", keyID))
	return nil
}

// parseKeyID extracts the key id from a presented secret without allocating
// beyond the split.
func parseKeyID(secret string) (string, bool) {
	parts := strings.SplitN(secret, "_", 3)
	if len(parts) != 3 || parts[0] != secretPrefix || parts[1] == "" || parts[2] == "" {
		return "", false
	}
	return parts[1], true
}

// randomHex returns n cryptographically random bytes, hex-encoded.
func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
