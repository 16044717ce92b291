package vault

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"

	"correlation-recovery-bot/config"
)

// Secrets are the credentials kept out of the config file
type Secrets struct {
	RedisPassword    string `json:"redis_password"`
	DatabasePassword string `json:"database_password"`
	JWTSecret        string `json:"jwt_secret"`
}

// Client wraps the HashiCorp Vault client
type Client struct {
	client *api.Client
	config config.VaultConfig
	mu     sync.RWMutex
	cache  *Secrets
}

// NewClient creates a new Vault client. A disabled config yields a client
// that serves only what StoreSecrets put in its cache.
func NewClient(cfg config.VaultConfig) (*Client, error) {
	if !cfg.Enabled {
		return &Client{config: cfg}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		tlsConfig := &api.TLSConfig{
			CACert: cfg.CACert,
		}
		if err := vaultConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}

	client.SetToken(cfg.Token)

	return &Client{
		client: client,
		config: cfg,
	}, nil
}

// GetSecrets reads the engine's secrets from the KV v2 mount
func (c *Client) GetSecrets(ctx context.Context) (*Secrets, error) {
	c.mu.RLock()
	if c.cache != nil {
		cached := *c.cache
		c.mu.RUnlock()
		return &cached, nil
	}
	c.mu.RUnlock()

	if !c.config.Enabled {
		return nil, fmt.Errorf("secrets not found and vault is disabled")
	}

	secret, err := c.client.Logical().ReadWithContext(ctx, c.secretPath())
	if err != nil {
		return nil, fmt.Errorf("failed to read secrets from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("secrets not found at %s", c.secretPath())
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid secret format")
	}

	s := &Secrets{
		RedisPassword:    getString(data, "redis_password"),
		DatabasePassword: getString(data, "database_password"),
		JWTSecret:        getString(data, "jwt_secret"),
	}

	c.mu.Lock()
	cached := *s
	c.cache = &cached
	c.mu.Unlock()
	return s, nil
}

// StoreSecrets writes the secrets to Vault, or only to the cache when Vault
// is disabled
func (c *Client) StoreSecrets(ctx context.Context, s Secrets) error {
	if c.config.Enabled {
		secretData := map[string]interface{}{
			"data": map[string]interface{}{
				"redis_password":    s.RedisPassword,
				"database_password": s.DatabasePassword,
				"jwt_secret":        s.JWTSecret,
			},
		}
		if _, err := c.client.Logical().WriteWithContext(ctx, c.secretPath(), secretData); err != nil {
			return fmt.Errorf("failed to store secrets in vault: %w", err)
		}
	}

	c.mu.Lock()
	c.cache = &s
	c.mu.Unlock()
	return nil
}

// ApplySecrets reads the secrets and overrides the matching config values.
// Empty secrets leave the config untouched.
func (c *Client) ApplySecrets(ctx context.Context, cfg *config.Config) error {
	s, err := c.GetSecrets(ctx)
	if err != nil {
		return err
	}
	if s.RedisPassword != "" {
		cfg.Redis.Password = s.RedisPassword
	}
	if s.DatabasePassword != "" {
		cfg.Database.Password = s.DatabasePassword
	}
	if s.JWTSecret != "" {
		cfg.Auth.JWTSecret = s.JWTSecret
	}
	return nil
}

// ClearCache clears the in-memory cache
func (c *Client) ClearCache() {
	c.mu.Lock()
	c.cache = nil
	c.mu.Unlock()
}

// IsEnabled returns whether Vault is enabled
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

// Health checks the Vault connection
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

// secretPath returns the KV v2 data path of the engine's secrets
func (c *Client) secretPath() string {
	return fmt.Sprintf("%s/data/%s", c.config.MountPath, c.config.SecretPath)
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}
