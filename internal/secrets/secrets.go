// Package secrets retrieves the exchange API key/secret pair from
// HashiCorp Vault. Adapted from the teacher's internal/vault/client.go,
// trimmed from a per-user multi-exchange credential store down to the
// single exchange credential pair this engine runs with.
package secrets

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"
)

// Config controls the Vault connection and the path of the stored
// exchange credential.
type Config struct {
	Enabled    bool
	Address    string
	Token      string
	MountPath  string
	SecretPath string
	TLSEnabled bool
	CACert     string
}

// Credentials is the exchange API key/secret pair.
type Credentials struct {
	APIKey    string
	SecretKey string
}

// Client retrieves and caches the exchange credential from Vault.
type Client struct {
	client *api.Client
	cfg    Config

	mu    sync.RWMutex
	cache *Credentials
}

// NewClient builds a Vault-backed secrets client. With cfg.Enabled
// false, the client serves only credentials set through SetCredentials
// — used for local development against an exchange testnet without a
// running Vault.
func NewClient(cfg Config) (*Client, error) {
	if !cfg.Enabled {
		return &Client{cfg: cfg}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		if err := vaultConfig.ConfigureTLS(&api.TLSConfig{CACert: cfg.CACert}); err != nil {
			return nil, fmt.Errorf("secrets: configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("secrets: create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	return &Client{client: client, cfg: cfg}, nil
}

// SetCredentials seeds the in-memory cache directly, bypassing Vault.
// Used for local/testnet runs with cfg.Enabled false.
func (c *Client) SetCredentials(creds Credentials) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = &creds
}

// GetCredentials returns the cached credential if present, otherwise
// reads it from Vault and caches it.
func (c *Client) GetCredentials(ctx context.Context) (Credentials, error) {
	c.mu.RLock()
	if c.cache != nil {
		creds := *c.cache
		c.mu.RUnlock()
		return creds, nil
	}
	c.mu.RUnlock()

	if !c.cfg.Enabled {
		return Credentials{}, fmt.Errorf("secrets: no credentials cached and vault is disabled")
	}

	path := fmt.Sprintf("%s/data/%s", c.cfg.MountPath, c.cfg.SecretPath)
	secret, err := c.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return Credentials{}, fmt.Errorf("secrets: read from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return Credentials{}, fmt.Errorf("secrets: credential not found at %s", path)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return Credentials{}, fmt.Errorf("secrets: unexpected secret format at %s", path)
	}

	creds := Credentials{
		APIKey:    getString(data, "api_key"),
		SecretKey: getString(data, "secret_key"),
	}
	if creds.APIKey == "" || creds.SecretKey == "" {
		return Credentials{}, fmt.Errorf("secrets: credential at %s missing api_key or secret_key", path)
	}

	c.mu.Lock()
	c.cache = &creds
	c.mu.Unlock()

	return creds, nil
}

// Health checks Vault connectivity, used by the boot sequence to fail
// fast rather than discover a bad Vault config on the first trade.
func (c *Client) Health(ctx context.Context) error {
	if !c.cfg.Enabled {
		return nil
	}
	health, err := c.client.Sys().Health()
	if err != nil {
		return fmt.Errorf("secrets: vault health check failed: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("secrets: vault is sealed")
	}
	return nil
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}
