package gateway

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shardsql/internal/types"
)

func TestSessionLifecycle(t *testing.T) {
	m := NewSessionManager(time.Minute, nil)

	s := m.Begin("t1", "shard-000", "txn-1")
	require.NotEmpty(t, s.ID)
	assert.True(t, s.IsInTransaction)

	got, err := m.Get(s.ID, "t1")
	require.NoError(t, err)
	assert.Equal(t, "shard-000", got.ShardID)
	assert.Equal(t, "txn-1", got.TransactionID)

	// Sessions are tenant-private.
	_, err = m.Get(s.ID, "t2")
	assert.Equal(t, types.CodeTenantAccessDenied, types.CodeOf(err))
	_, err = m.Get("no-such-session", "t1")
	assert.Equal(t, types.CodeTransactionNotFound, types.CodeOf(err))

	m.EndTransaction(s.ID)
	got, err = m.Get(s.ID, "t1")
	require.NoError(t, err)
	assert.False(t, got.IsInTransaction)
	assert.Empty(t, got.TransactionID)

	// The lingering session can host a follow-up transaction.
	m.Rebind(s.ID, "shard-001", "txn-2")
	got, err = m.Get(s.ID, "t1")
	require.NoError(t, err)
	assert.Equal(t, "shard-001", got.ShardID)
	assert.Equal(t, "txn-2", got.TransactionID)

	m.Remove(s.ID)
	_, err = m.Get(s.ID, "t1")
	require.Error(t, err)
}

func TestSweepSparesOpenTransactions(t *testing.T) {
	m := NewSessionManager(time.Minute, nil)

	inTxn := m.Begin("t1", "shard-000", "txn-1")
	idle := m.Begin("t1", "shard-000", "txn-2")
	m.EndTransaction(idle.ID)

	evicted := m.Sweep(time.Now().Add(2 * time.Minute))
	assert.Equal(t, 1, evicted)

	_, err := m.Get(inTxn.ID, "t1")
	assert.NoError(t, err)
	_, err = m.Get(idle.ID, "t1")
	assert.Error(t, err)
	assert.Equal(t, 1, m.Len())
}

func TestSweepSparesRecentlyUsed(t *testing.T) {
	m := NewSessionManager(time.Minute, nil)
	s := m.Begin("t1", "shard-000", "txn-1")
	m.EndTransaction(s.ID)

	assert.Equal(t, 0, m.Sweep(time.Now().Add(30*time.Second)))
	_, err := m.Get(s.ID, "t1")
	assert.NoError(t, err)
}

func TestAuthenticateRoundtrip(t *testing.T) {
	auth := NewJWTAuthenticator("test-secret")
	token, err := auth.IssueToken("t1", "user-7", []string{"admin"})
	require.NoError(t, err)

	ac, err := auth.Authenticate("Bearer " + token)
	require.NoError(t, err)
	assert.Equal(t, "t1", ac.TenantID)
	assert.Equal(t, "user-7", ac.UserID)
	assert.Equal(t, []string{"admin"}, ac.Permissions)
	assert.Len(t, ac.TokenHash, 16)
}

func TestAuthenticateRejectsBadTokens(t *testing.T) {
	auth := NewJWTAuthenticator("test-secret")

	_, err := auth.Authenticate("")
	assert.Equal(t, types.CodeAuthInvalidToken, types.CodeOf(err))

	_, err = auth.Authenticate("Bearer not.a.jwt")
	assert.Equal(t, types.CodeAuthInvalidToken, types.CodeOf(err))

	// Signed with a different secret.
	other := NewJWTAuthenticator("other-secret")
	token, err := other.IssueToken("t1", "", nil)
	require.NoError(t, err)
	_, err = auth.Authenticate(token)
	assert.Equal(t, types.CodeAuthInvalidToken, types.CodeOf(err))

	// Valid signature but no tenant claim.
	anon, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject: "user-7",
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	_, err = auth.Authenticate(anon)
	assert.Equal(t, types.CodeAuthInvalidToken, types.CodeOf(err))
}

func TestAuthenticateExpiredToken(t *testing.T) {
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		TenantID: "t1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	auth := NewJWTAuthenticator("test-secret")
	_, err = auth.Authenticate(expired)
	assert.Equal(t, types.CodeAuthTokenExpired, types.CodeOf(err))
}
