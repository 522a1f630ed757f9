package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, int64(10<<30), cfg.MaxShardSizeBytes)
	assert.Equal(t, 60*time.Second, cfg.DefaultCacheTTL)
	assert.Equal(t, 300*time.Second, cfg.DefaultCacheSWR)
}

func TestLoadYAMLAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shardsql.yaml")
	doc := `
http_addr: ":9090"
shard_count: 8
jwt_secret: "file-secret"
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	t.Setenv("SHARD_COUNT", "16")
	t.Setenv("MAX_SHARD_SIZE_GB", "2")
	t.Setenv("JWT_SECRET", "env-secret")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.HTTPAddr, "file value survives when env is silent")
	assert.Equal(t, 16, cfg.ShardCount, "env wins over file")
	assert.Equal(t, int64(2<<30), cfg.MaxShardSizeBytes)
	assert.Equal(t, "env-secret", cfg.JWTSecret)
}

func TestMaxShardSizeZeroOverride(t *testing.T) {
	t.Setenv("MAX_SHARD_SIZE_GB", "0")
	cfg := Default()
	cfg.ApplyEnv()
	assert.Equal(t, int64(0), cfg.MaxShardSizeBytes)
}

func TestValidateRejectsInvertedCacheWindows(t *testing.T) {
	cfg := Default()
	cfg.DefaultCacheSWR = cfg.DefaultCacheTTL
	assert.Error(t, cfg.Validate())
}

func TestSplitGraceWindowEnv(t *testing.T) {
	t.Setenv("SPLIT_GRACE_WINDOW", "90s")
	cfg := Default()
	cfg.ApplyEnv()
	assert.Equal(t, 90*time.Second, cfg.GraceWindow)
}
