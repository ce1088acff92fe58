package auth

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/omerlefaruk/casare-orchestrator/internal/server/db"
	"github.com/omerlefaruk/casare-orchestrator/internal/server/repositories"
)

// memKeyRepo is an in-memory APIKeyRepository for unit tests.
type memKeyRepo struct {
	mu   sync.Mutex
	keys map[string]*db.APIKey
}

func newMemKeyRepo() *memKeyRepo {
	return &memKeyRepo{keys: make(map[string]*db.APIKey)}
}

func (m *memKeyRepo) Create(_ context.Context, key *db.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.keys[key.KeyID]; exists {
		return repositories.ErrConflict
	}
	cp := *key
	m.keys[key.KeyID] = &cp
	return nil
}

func (m *memKeyRepo) GetByKeyID(_ context.Context, keyID string) (*db.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.keys[keyID]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	cp := *key
	return &cp, nil
}

func (m *memKeyRepo) List(_ context.Context, robotID string, _ repositories.ListOptions) ([]db.APIKey, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []db.APIKey
	for _, k := range m.keys {
		if robotID == "" || k.RobotID == robotID {
			out = append(out, *k)
		}
	}
	return out, int64(len(out)), nil
}

func (m *memKeyRepo) Touch(_ context.Context, keyID, ip string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if key, ok := m.keys[keyID]; ok {
		key.LastUsedAt = &at
		key.LastUsedIP = ip
	}
	return nil
}

func (m *memKeyRepo) Revoke(_ context.Context, keyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.keys[keyID]
	if !ok {
		return repositories.ErrNotFound
	}
	key.Status = db.APIKeyStatusRevoked
	return nil
}

func (m *memKeyRepo) MarkExpired(_ context.Context, keyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if key, ok := m.keys[keyID]; ok && key.Status == db.APIKeyStatusValid {
		key.Status = db.APIKeyStatusExpired
	}
	return nil
}

func newTestService() (*APIKeyService, *memKeyRepo) {
	repo := newMemKeyRepo()
	return NewAPIKeyService(repo, zap.NewNop()), repo
}

func TestMintAndVerify(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()

	key, secret, err := svc.Mint(ctx, "r1", nil)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(secret, "crk_"))
	assert.Contains(t, secret, key.KeyID)
	// Cleartext never stored.
	assert.NotContains(t, key.SecretHash, secret)
	assert.NotEqual(t, secret, key.SecretHash)

	got, err := svc.Verify(ctx, secret, "10.0.0.9")
	require.NoError(t, err)
	assert.Equal(t, key.KeyID, got.KeyID)
	assert.Equal(t, "r1", got.RobotID)
}

func TestVerifyRecordsLastUsed(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService()

	key, secret, err := svc.Mint(ctx, "r1", nil)
	require.NoError(t, err)

	_, err = svc.Verify(ctx, secret, "192.168.1.7")
	require.NoError(t, err)

	stored, err := repo.GetByKeyID(ctx, key.KeyID)
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.7", stored.LastUsedIP)
	assert.NotNil(t, stored.LastUsedAt)
}

func TestVerifyFailures(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()

	_, secret, err := svc.Mint(ctx, "r1", nil)
	require.NoError(t, err)

	tests := []struct {
		name    string
		secret  string
		wantErr error
	}{
		{"empty", "", ErrKeyInvalid},
		{"wrong prefix", "xyz_aaaa_bbbb", ErrKeyInvalid},
		{"unknown key id", "crk_0000000000000000_deadbeef", ErrKeyInvalid},
		{"tampered secret", secret[:len(secret)-4] + "zzzz", ErrKeyInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Verify(ctx, tt.secret, "1.2.3.4")
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestVerifyRevoked(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()

	key, secret, err := svc.Mint(ctx, "r1", nil)
	require.NoError(t, err)
	require.NoError(t, svc.Revoke(ctx, key.KeyID))

	_, err = svc.Verify(ctx, secret, "1.2.3.4")
	assert.ErrorIs(t, err, ErrKeyRevoked)
}

func TestVerifyExpired(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService()

	past := time.Now().Add(-time.Hour)
	key, secret, err := svc.Mint(ctx, "r1", &past)
	require.NoError(t, err)

	_, err = svc.Verify(ctx, secret, "1.2.3.4")
	assert.ErrorIs(t, err, ErrKeyExpired)

	// Lazily flipped in the store too.
	stored, err := repo.GetByKeyID(ctx, key.KeyID)
	require.NoError(t, err)
	assert.Equal(t, db.APIKeyStatusExpired, stored.Status)
}

func TestVerifyForRobotMismatch(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()

	_, secret, err := svc.Mint(ctx, "r1", nil)
	require.NoError(t, err)

	_, err = svc.VerifyForRobot(ctx, secret, "r2", "1.2.3.4")
	assert.ErrorIs(t, err, ErrKeyRobotMismatch)

	got, err := svc.VerifyForRobot(ctx, secret, "r1", "1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, "r1", got.RobotID)
}

func TestJWTRoundTrip(t *testing.T) {
	mgr, generated, err := NewJWTManager("", "test-issuer")
	require.NoError(t, err)
	assert.True(t, generated, "empty key dir always generates")

	token, err := mgr.GenerateToken("alice")
	require.NoError(t, err)

	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Operator)
	assert.Equal(t, "test-issuer", claims.Issuer)
}

func TestJWTKeyPersistsAcrossManagers(t *testing.T) {
	keyDir := t.TempDir()

	first, generated, err := NewJWTManager(keyDir, "test-issuer")
	require.NoError(t, err)
	assert.True(t, generated)

	token, err := first.GenerateToken("alice")
	require.NoError(t, err)

	// A second manager over the same dir loads the persisted key, so
	// tokens survive a restart.
	second, generated, err := NewJWTManager(keyDir, "test-issuer")
	require.NoError(t, err)
	assert.False(t, generated)

	claims, err := second.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Operator)
}

func TestJWTRejectsForeignToken(t *testing.T) {
	a, _, err := NewJWTManager("", "issuer-a")
	require.NoError(t, err)
	b, _, err := NewJWTManager("", "issuer-a")
	require.NoError(t, err)

	token, err := a.GenerateToken("alice")
	require.NoError(t, err)

	// Signed with a's key — b must reject it.
	_, err = b.ValidateToken(token)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	_, err = a.ValidateToken("not-a-jwt")
	assert.ErrorIs(t, err, ErrTokenInvalid)
}
