// Package vault loads Binance credentials from HashiCorp Vault KV v2.
// Disabled config falls straight through to environment credentials.
package vault

import (
	"context"
	"fmt"

	"github.com/hashicorp/vault/api"

	"github.com/zxcy652022/superdog-backtest-system1-sub002/config"
)

// Credentials is the API key pair stored under the secret path.
type Credentials struct {
	APIKey    string
	SecretKey string
}

// Client wraps the HashiCorp Vault client.
type Client struct {
	client *api.Client
	cfg    config.VaultConfig
}

// NewClient creates a Vault client. Only called when vault is enabled.
func NewClient(cfg config.VaultConfig) (*Client, error) {
	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	return &Client{client: client, cfg: cfg}, nil
}

// GetCredentials reads the API key pair from the KV v2 secret path.
func (c *Client) GetCredentials(ctx context.Context) (*Credentials, error) {
	secret, err := c.client.Logical().ReadWithContext(ctx, c.cfg.SecretPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read vault secret %s: %w", c.cfg.SecretPath, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("vault secret %s not found", c.cfg.SecretPath)
	}

	// KV v2 nests the payload under "data".
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		data = secret.Data
	}

	apiKey, _ := data["api_key"].(string)
	secretKey, _ := data["secret_key"].(string)
	if apiKey == "" || secretKey == "" {
		return nil, fmt.Errorf("vault secret %s missing api_key or secret_key", c.cfg.SecretPath)
	}

	return &Credentials{APIKey: apiKey, SecretKey: secretKey}, nil
}
