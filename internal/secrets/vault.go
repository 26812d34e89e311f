package secrets

import (
	"fmt"
	"os"

	vault "github.com/hashicorp/vault/api"

	"kraken-trading-bot/internal/logging"
)

// Credentials holds the exchange API key pair
type Credentials struct {
	APIKey    string
	APISecret string
}

// Provider resolves exchange credentials. Vault when configured,
// environment variables otherwise.
type Provider struct {
	client *vault.Client
	path   string
	log    *logging.Logger
}

// NewProvider builds a provider. Empty vaultAddr disables Vault and leaves
// only the environment fallback.
func NewProvider(vaultAddr, vaultToken, secretPath string) (*Provider, error) {
	p := &Provider{path: secretPath, log: logging.WithComponent("secrets")}
	if vaultAddr == "" {
		return p, nil
	}

	cfg := vault.DefaultConfig()
	cfg.Address = vaultAddr
	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating vault client: %w", err)
	}
	client.SetToken(vaultToken)
	p.client = client
	return p, nil
}

// ExchangeCredentials returns the API key pair, preferring Vault
func (p *Provider) ExchangeCredentials() (Credentials, error) {
	if p.client != nil {
		creds, err := p.fromVault()
		if err == nil {
			return creds, nil
		}
		p.log.Warn("vault lookup failed, falling back to environment", "error", err)
	}
	return p.fromEnv()
}

func (p *Provider) fromVault() (Credentials, error) {
	secret, err := p.client.Logical().Read(p.path)
	if err != nil {
		return Credentials{}, fmt.Errorf("reading %s: %w", p.path, err)
	}
	if secret == nil || secret.Data == nil {
		return Credentials{}, fmt.Errorf("no secret at %s", p.path)
	}

	// KV v2 nests the fields under "data"
	data := secret.Data
	if nested, ok := data["data"].(map[string]interface{}); ok {
		data = nested
	}

	key, _ := data["api_key"].(string)
	secretVal, _ := data["api_secret"].(string)
	if key == "" || secretVal == "" {
		return Credentials{}, fmt.Errorf("secret at %s is missing api_key or api_secret", p.path)
	}
	return Credentials{APIKey: key, APISecret: secretVal}, nil
}

func (p *Provider) fromEnv() (Credentials, error) {
	key := os.Getenv("KRAKEN_API_KEY")
	secret := os.Getenv("KRAKEN_API_SECRET")
	if key == "" || secret == "" {
		return Credentials{}, fmt.Errorf("KRAKEN_API_KEY and KRAKEN_API_SECRET are not set")
	}
	return Credentials{APIKey: key, APISecret: secret}, nil
}
