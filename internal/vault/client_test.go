package vault

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"correlation-recovery-bot/config"
)

func TestClient_ReadsKVv2Secrets(t *testing.T) {
	var reads atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/secret/data/recovery", r.URL.Path)
		assert.Equal(t, "root-token", r.Header.Get("X-Vault-Token"))
		reads.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"request_id":"1","lease_id":"","renewable":false,"lease_duration":0,
			"data":{"data":{"redis_password":"r3d1s","database_password":"pg","jwt_secret":"0123456789abcdef"},"metadata":{"version":1}}}`))
	}))
	defer srv.Close()

	c, err := NewClient(config.VaultConfig{
		Enabled:    true,
		Address:    srv.URL,
		Token:      "root-token",
		MountPath:  "secret",
		SecretPath: "recovery",
	})
	require.NoError(t, err)

	cfg := config.Default()
	require.NoError(t, c.ApplySecrets(context.Background(), cfg))
	assert.Equal(t, "r3d1s", cfg.Redis.Password)
	assert.Equal(t, "pg", cfg.Database.Password)
	assert.Equal(t, "0123456789abcdef", cfg.Auth.JWTSecret)

	// second read is served from cache
	_, err = c.GetSecrets(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), reads.Load())
}

func TestClient_Disabled(t *testing.T) {
	c, err := NewClient(config.VaultConfig{Enabled: false})
	require.NoError(t, err)
	assert.False(t, c.IsEnabled())
	assert.NoError(t, c.Health(context.Background()))

	_, err = c.GetSecrets(context.Background())
	assert.Error(t, err)

	require.NoError(t, c.StoreSecrets(context.Background(), Secrets{JWTSecret: "from-cache-secret"}))
	cfg := config.Default()
	cfg.Redis.Password = "keep"
	require.NoError(t, c.ApplySecrets(context.Background(), cfg))
	assert.Equal(t, "from-cache-secret", cfg.Auth.JWTSecret)
	assert.Equal(t, "keep", cfg.Redis.Password, "empty secrets do not override")

	c.ClearCache()
	_, err = c.GetSecrets(context.Background())
	assert.Error(t, err)
}
