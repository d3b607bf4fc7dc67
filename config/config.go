package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// AnchorMode selects how the anchor worker drains pending queues.
type AnchorMode string

const (
	// AnchorModeContinuous drains every pending queue each epoch.
	AnchorModeContinuous AnchorMode = "continuous"
	// AnchorModeOneShot stops after the first successful anchor per
	// iteration to cap gas spend.
	AnchorModeOneShot AnchorMode = "oneshot"
)

// Config captures the runtime configuration for aegisd.
type Config struct {
	ListenAddress  string              `yaml:"listen"`
	UpstreamURL    string              `yaml:"upstream_url"`
	ForwardTimeout Duration            `yaml:"forward_timeout"`
	KVURL          string              `yaml:"kv_url"`
	Registry       RegistryConfig      `yaml:"registry"`
	Identity       IdentityConfig      `yaml:"identity"`
	Anchor         AnchorConfig        `yaml:"anchor"`
	Observability  ObservabilityConfig `yaml:"observability"`
}

// RegistryConfig configures the on-chain policy registry client.
type RegistryConfig struct {
	ContractAddress    string   `yaml:"contract_address"`
	ChainID            int64    `yaml:"chain_id"`
	FacilitatorKey     string   `yaml:"facilitator_key"`
	FacilitatorKeyEnv  string   `yaml:"facilitator_key_env"`
	FacilitatorKeyFile string   `yaml:"facilitator_key_file"`
	CacheTTL           Duration `yaml:"cache_ttl"`
}

// IdentityConfig provides fallback identities when neither the request
// headers nor the transaction identify the caller.
type IdentityConfig struct {
	DefaultUser  string `yaml:"default_user"`
	DefaultAgent string `yaml:"default_agent"`
}

// AnchorConfig controls the periodic anchoring worker and the admin
// one-shot trigger.
type AnchorConfig struct {
	Epoch         Duration   `yaml:"epoch"`
	BatchSize     int        `yaml:"batch_size"`
	Mode          AnchorMode `yaml:"mode"`
	Confirmations uint64     `yaml:"confirmations"`
	Secret        string     `yaml:"secret"`
	SecretEnv     string     `yaml:"secret_env"`
	SecretFile    string     `yaml:"secret_file"`
}

// ObservabilityConfig toggles metrics and tracing.
type ObservabilityConfig struct {
	Metrics     bool `yaml:"metrics"`
	Tracing     bool `yaml:"tracing"`
	LogRequests bool `yaml:"log_requests"`
}

// Load reads configuration from the supplied path. An empty path yields
// the defaults overlaid with environment variables, which is enough for
// container deployments that configure everything through the
// environment.
func Load(path string) (Config, error) {
	cfg := Config{}
	if strings.TrimSpace(path) != "" {
		file, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		dec := yaml.NewDecoder(file)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	if err := cfg.Registry.normalise(); err != nil {
		return cfg, fmt.Errorf("registry signer: %w", err)
	}
	if err := cfg.Anchor.normalise(); err != nil {
		return cfg, fmt.Errorf("anchor security: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8080"
	}
	if cfg.ForwardTimeout.Duration == 0 {
		cfg.ForwardTimeout.Duration = 10 * time.Second
	}
	if cfg.Registry.CacheTTL.Duration == 0 {
		cfg.Registry.CacheTTL.Duration = 2 * time.Second
	}
	if cfg.Anchor.Epoch.Duration == 0 {
		cfg.Anchor.Epoch.Duration = 900 * time.Second
	}
	if cfg.Anchor.BatchSize <= 0 {
		cfg.Anchor.BatchSize = 20
	}
	if cfg.Anchor.Mode == "" {
		cfg.Anchor.Mode = AnchorModeContinuous
	}
	if cfg.Anchor.Confirmations == 0 {
		cfg.Anchor.Confirmations = 1
	}
	if cfg.Registry.FacilitatorKeyEnv == "" {
		cfg.Registry.FacilitatorKeyEnv = "AEGIS_FACILITATOR_KEY"
	}
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]*string{
		"AEGIS_LISTEN":           &cfg.ListenAddress,
		"AEGIS_UPSTREAM_URL":     &cfg.UpstreamURL,
		"AEGIS_KV_URL":           &cfg.KVURL,
		"AEGIS_CONTRACT_ADDRESS": &cfg.Registry.ContractAddress,
		"AEGIS_DEFAULT_USER":     &cfg.Identity.DefaultUser,
		"AEGIS_DEFAULT_AGENT":    &cfg.Identity.DefaultAgent,
	}
	for name, target := range overrides {
		if value := strings.TrimSpace(os.Getenv(name)); value != "" {
			*target = value
		}
	}
}

// Validate rejects configurations that cannot run safely. The firewall
// refuses to start rather than degrade into an open proxy.
func Validate(cfg Config) error {
	upstream := strings.TrimSpace(cfg.UpstreamURL)
	if upstream == "" {
		return fmt.Errorf("upstream_url must be configured")
	}
	parsed, err := url.Parse(upstream)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("upstream_url %q is not a valid URL", cfg.UpstreamURL)
	}
	if strings.TrimSpace(cfg.KVURL) == "" {
		return fmt.Errorf("kv_url must be configured")
	}
	contract := strings.TrimSpace(cfg.Registry.ContractAddress)
	if contract == "" {
		return fmt.Errorf("registry contract_address must be configured")
	}
	if !common.IsHexAddress(contract) {
		return fmt.Errorf("registry contract_address %q is not a hex address", contract)
	}
	if user := strings.TrimSpace(cfg.Identity.DefaultUser); user != "" && !common.IsHexAddress(user) {
		return fmt.Errorf("identity default_user %q is not a hex address", user)
	}
	if agent := strings.TrimSpace(cfg.Identity.DefaultAgent); agent != "" && !common.IsHexAddress(agent) {
		return fmt.Errorf("identity default_agent %q is not a hex address", agent)
	}
	if cfg.Anchor.Enabled() {
		if strings.TrimSpace(cfg.Registry.FacilitatorKey) == "" {
			return fmt.Errorf("facilitator key must be configured when the anchor worker is enabled")
		}
		if cfg.Registry.ChainID <= 0 {
			return fmt.Errorf("registry chain_id must be configured when the anchor worker is enabled")
		}
	}
	switch cfg.Anchor.Mode {
	case AnchorModeContinuous, AnchorModeOneShot:
	default:
		return fmt.Errorf("anchor mode %q is not recognised", cfg.Anchor.Mode)
	}
	if strings.TrimSpace(cfg.Anchor.Secret) == "" {
		return fmt.Errorf("anchor secret must be configured for the admin surface")
	}
	if cfg.Registry.CacheTTL.Duration > 2*time.Second {
		return fmt.Errorf("registry cache_ttl must not exceed 2s")
	}
	return nil
}

// Enabled reports whether the periodic anchor worker should run. An
// explicit zero epoch disables it, leaving anchoring to the admin
// one-shot trigger.
func (a AnchorConfig) Enabled() bool {
	return a.Epoch.Duration > 0
}

func (r *RegistryConfig) normalise() error {
	if r == nil {
		return fmt.Errorf("registry configuration missing")
	}
	r.FacilitatorKey = strings.TrimSpace(r.FacilitatorKey)
	r.FacilitatorKeyEnv = strings.TrimSpace(r.FacilitatorKeyEnv)
	r.FacilitatorKeyFile = strings.TrimSpace(r.FacilitatorKeyFile)
	if r.FacilitatorKey != "" {
		return nil
	}
	if r.FacilitatorKeyEnv != "" {
		if value := strings.TrimSpace(os.Getenv(r.FacilitatorKeyEnv)); value != "" {
			r.FacilitatorKey = value
			return nil
		}
	}
	if r.FacilitatorKeyFile != "" {
		contents, err := os.ReadFile(r.FacilitatorKeyFile)
		if err != nil {
			return fmt.Errorf("read facilitator_key_file: %w", err)
		}
		r.FacilitatorKey = strings.TrimSpace(string(contents))
	}
	return nil
}

func (a *AnchorConfig) normalise() error {
	if a == nil {
		return fmt.Errorf("anchor configuration missing")
	}
	secret := strings.TrimSpace(a.Secret)
	if env := strings.TrimSpace(a.SecretEnv); secret == "" && env != "" {
		secret = strings.TrimSpace(os.Getenv(env))
	}
	if path := strings.TrimSpace(a.SecretFile); secret == "" && path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read secret_file: %w", err)
		}
		secret = strings.TrimSpace(string(contents))
	}
	a.Secret = secret
	return nil
}
