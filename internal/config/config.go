package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the settings needed to build an ArcGIS gateway.
type Config struct {
	// Root of the ArcGIS Server site, e.g. https://host/arcgis
	RootURL string `env:"ARCGIS_ROOT_URL" yaml:"root_url"`

	// Named user credentials for generateToken.
	Username string `env:"ARCGIS_USERNAME" yaml:"username"`
	Password string `env:"ARCGIS_PASSWORD" yaml:"password"`

	// Application credentials for the OAuth client_credentials flow.
	ClientID     string `env:"ARCGIS_CLIENT_ID" yaml:"client_id"`
	ClientSecret string `env:"ARCGIS_CLIENT_SECRET" yaml:"client_secret"`

	// Portal the server is federated with. When set, tokens are exchanged
	// through the portal instead of the server's own token endpoint.
	PortalURL string `env:"ARCGIS_PORTAL_URL" yaml:"portal_url"`

	Referer string `env:"ARCGIS_REFERER" yaml:"referer"`

	// Requested token lifetime in minutes.
	TokenExpiration int `env:"ARCGIS_TOKEN_EXPIRATION" envDefault:"60" yaml:"token_expiration"`

	// Encrypt credentials with the server's RSA public key before sending.
	EncryptTokenRequests bool `env:"ARCGIS_ENCRYPT_TOKEN_REQUESTS" envDefault:"false" yaml:"encrypt_token_requests"`

	RequestTimeout time.Duration `env:"ARCGIS_REQUEST_TIMEOUT" envDefault:"30s" yaml:"request_timeout"`

	// URLs longer than this are sent as POST.
	MaxGetLength int `env:"ARCGIS_MAX_GET_LENGTH" envDefault:"2047" yaml:"max_get_length"`

	// Parallel requests used when describing many services.
	Concurrency int `env:"ARCGIS_CONCURRENCY" envDefault:"4" yaml:"concurrency"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development" yaml:"environment"`
	LogLevel    string `env:"ARCGIS_LOG_LEVEL" yaml:"log_level"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadFile reads configuration from a YAML file. Keys missing from the
// file take the same defaults as the environment variables.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Defaults()
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Defaults returns a Config holding only the envDefault values,
// independent of the process environment.
func Defaults() (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Environment: map[string]string{}}); err != nil {
		return nil, fmt.Errorf("applying config defaults: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.RootURL == "" {
		return fmt.Errorf("ARCGIS_ROOT_URL is required")
	}

	u, err := url.Parse(c.RootURL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("ARCGIS_ROOT_URL must be an absolute URL, got %q", c.RootURL)
	}

	if (c.Username == "") != (c.Password == "") {
		return fmt.Errorf("ARCGIS_USERNAME and ARCGIS_PASSWORD must be set together")
	}

	if (c.ClientID == "") != (c.ClientSecret == "") {
		return fmt.Errorf("ARCGIS_CLIENT_ID and ARCGIS_CLIENT_SECRET must be set together")
	}

	if c.PortalURL != "" {
		if c.Username == "" {
			return fmt.Errorf("ARCGIS_USERNAME and ARCGIS_PASSWORD are required when ARCGIS_PORTAL_URL is set")
		}

		p, err := url.Parse(c.PortalURL)
		if err != nil || !p.IsAbs() || p.Host == "" {
			return fmt.Errorf("ARCGIS_PORTAL_URL must be an absolute URL, got %q", c.PortalURL)
		}
	}

	if c.Referer != "" {
		r, err := url.Parse(c.Referer)
		if err != nil || !r.IsAbs() {
			return fmt.Errorf("ARCGIS_REFERER must be an absolute URL, got %q", c.Referer)
		}
	}

	if c.TokenExpiration <= 0 {
		return fmt.Errorf("ARCGIS_TOKEN_EXPIRATION must be positive, got %d", c.TokenExpiration)
	}

	if c.RequestTimeout <= 0 {
		return fmt.Errorf("ARCGIS_REQUEST_TIMEOUT must be positive, got %s", c.RequestTimeout)
	}

	if c.MaxGetLength <= 0 {
		return fmt.Errorf("ARCGIS_MAX_GET_LENGTH must be positive, got %d", c.MaxGetLength)
	}

	if c.Concurrency <= 0 {
		return fmt.Errorf("ARCGIS_CONCURRENCY must be positive, got %d", c.Concurrency)
	}

	return nil
}

// HasCredentials reports whether a named user is configured.
func (c *Config) HasCredentials() bool {
	return c.Username != "" && c.Password != ""
}

// HasClientCredentials reports whether OAuth application credentials are
// configured.
func (c *Config) HasClientCredentials() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
