package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"gigescrow/internal/domain"
)

// Config models gigescrow.yml.
type Config struct {
	Escrow struct {
		Admin          string `yaml:"admin"`
		Oracle         string `yaml:"oracle"`
		CustodyAddress string `yaml:"custody_address"`
		CancelGrace    string `yaml:"cancel_grace"`
	} `yaml:"escrow"`
	Oracle struct {
		Endpoint       string               `yaml:"endpoint"`
		Secret         string               `yaml:"secret"`
		TimeoutSeconds int                  `yaml:"timeout_seconds"`
		Template       string               `yaml:"template"`
		Routing        domain.OracleRouting `yaml:"routing"`
	} `yaml:"oracle"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
		DevLogin  bool   `yaml:"dev_login"`
	} `yaml:"auth"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with gx init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	addrs := map[string]string{
		"escrow.admin":           c.Escrow.Admin,
		"escrow.oracle":          c.Escrow.Oracle,
		"escrow.custody_address": c.Escrow.CustodyAddress,
	}
	for name, v := range addrs {
		addr, err := domain.ParseAddress(v)
		if err != nil {
			return fmt.Errorf("config.%s: %w", name, err)
		}
		if domain.IsZero(addr) {
			return fmt.Errorf("config.%s must not be the zero address", name)
		}
	}
	if strings.EqualFold(c.Escrow.CustodyAddress, c.Escrow.Admin) || strings.EqualFold(c.Escrow.CustodyAddress, c.Escrow.Oracle) {
		return fmt.Errorf("config.escrow.custody_address must differ from admin and oracle")
	}
	if c.Escrow.CancelGrace != "" {
		d, err := time.ParseDuration(c.Escrow.CancelGrace)
		if err != nil {
			return fmt.Errorf("config.escrow.cancel_grace: %w", err)
		}
		if d < 0 {
			return fmt.Errorf("config.escrow.cancel_grace must not be negative")
		}
	}
	if strings.TrimSpace(c.Oracle.Template) == "" {
		return fmt.Errorf("config.oracle.template is required")
	}
	if c.Oracle.Routing.GasLimit == 0 {
		return fmt.Errorf("config.oracle.routing.gas_limit must be positive")
	}
	if strings.TrimSpace(c.Oracle.Routing.DonID) == "" {
		return fmt.Errorf("config.oracle.routing.don_id is required")
	}
	if c.Oracle.TimeoutSeconds < 0 {
		return fmt.Errorf("config.oracle.timeout_seconds must not be negative")
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("config.log.format must be text or json")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

func (c *Config) AdminAddress() common.Address   { return common.HexToAddress(c.Escrow.Admin) }
func (c *Config) OracleAddress() common.Address  { return common.HexToAddress(c.Escrow.Oracle) }
func (c *Config) CustodyAddress() common.Address { return common.HexToAddress(c.Escrow.CustodyAddress) }

// CancelGracePeriod is how long a gig must exist before its depositor may
// cancel it. Validate has already rejected malformed values.
func (c *Config) CancelGracePeriod() time.Duration {
	d, _ := time.ParseDuration(c.Escrow.CancelGrace)
	return d
}

func (c *Config) OracleTimeout() time.Duration {
	return time.Duration(c.Oracle.TimeoutSeconds) * time.Second
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "gigescrow.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `escrow:
  admin: "0x00000000000000000000000000000000000000a1"
  oracle: "0x00000000000000000000000000000000000000c0"
  custody_address: "0x00000000000000000000000000000000000000e5"
  cancel_grace: 168h

oracle:
  endpoint: ""
  secret: ""
  timeout_seconds: 10
  routing:
    subscription_id: 1
    gas_limit: 300000
    don_id: fun-local-1
  template: |
    const [owner, repo, number] = args;
    const res = await fetch(` + "`https://api.github.com/repos/${owner}/${repo}/pulls/${number}`" + `);
    if (!res.ok) throw new Error("lookup failed: " + res.status);
    const pr = await res.json();
    return pr.merged === true;

server:
  addr: 127.0.0.1:8787
  base_path: /v1

auth:
  jwt_secret: ""
  dev_login: false

log:
  level: info
  format: text
`
