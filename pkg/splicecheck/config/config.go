// Package config loads and validates the splice-check target description.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/lokisec/loki/pkg/splicecheck/client"
)

// RequiredClients are the client names every target must register. alice is
// the delegation subject, agent-a the legitimate actor, agent-n the actor
// from an unrelated chain.
var RequiredClients = []string{"alice", "agent-a", "agent-n"}

// Target describes the authorization server under test.
type Target struct {
	TokenURL         string        `mapstructure:"token_url"`
	JWKSURL          string        `mapstructure:"jwks_url"`
	Issuer           string        `mapstructure:"issuer"`
	AuthMethod       string        `mapstructure:"auth_method"`
	RevocationURL    string        `mapstructure:"revocation_url"`
	IntrospectionURL string        `mapstructure:"introspection_url"`
	Timeout          time.Duration `mapstructure:"timeout"`

	// Audience is a known-good audience value accepted by the target, used
	// by the audience-shaped tests. Optional.
	Audience string `mapstructure:"audience"`
}

// Client is one registered OAuth client at the target.
type Client struct {
	ID        string `mapstructure:"id"`
	Secret    string `mapstructure:"secret"`
	GrantType string `mapstructure:"grant_type"`
	Scope     string `mapstructure:"scope"`
}

// Output controls report rendering.
type Output struct {
	Format  string `mapstructure:"format"`
	Verbose bool   `mapstructure:"verbose"`
}

// Config is the full splice-check configuration document.
type Config struct {
	Target  Target            `mapstructure:"target"`
	Clients map[string]Client `mapstructure:"clients"`
	Output  Output            `mapstructure:"output"`
}

// Credentials returns the client.Credentials for a named client.
func (c *Config) Credentials(name string) (client.Credentials, error) {
	cl, ok := c.Clients[name]
	if !ok {
		return client.Credentials{}, fmt.Errorf("no client named %q in configuration", name)
	}
	return client.Credentials{ID: cl.ID, Secret: cl.Secret}, nil
}

// ClientConfig converts the target block into the OAuth client configuration.
func (c *Config) ClientConfig() client.Config {
	return client.Config{
		TokenURL:         c.Target.TokenURL,
		RevocationURL:    c.Target.RevocationURL,
		IntrospectionURL: c.Target.IntrospectionURL,
		AuthMethod:       client.AuthMethod(c.Target.AuthMethod),
		Timeout:          c.Target.Timeout,
	}
}

// envRef matches ${NAME} substitution markers.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv substitutes ${NAME} references from the environment, failing on
// any unset variable so a half-substituted config never reaches the target.
func expandEnv(raw []byte) ([]byte, error) {
	var missing []string
	out := envRef.ReplaceAllFunc(raw, func(ref []byte) []byte {
		name := envRef.FindSubmatch(ref)[1]
		value, ok := os.LookupEnv(string(name))
		if !ok {
			missing = append(missing, string(name))
			return ref
		}
		return []byte(value)
	})
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("unset environment variable(s) referenced in configuration: %s",
			strings.Join(missing, ", "))
	}
	return out, nil
}

// Load reads, substitutes and validates a configuration file. The format is
// inferred from the file extension (yaml, toml or json).
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading configuration: %w", err)
	}

	expanded, err := expandEnv(raw)
	if err != nil {
		return nil, err
	}

	configType := strings.TrimPrefix(filepath.Ext(path), ".")
	if configType == "yml" {
		configType = "yaml"
	}
	if configType == "" {
		configType = "yaml"
	}

	v := viper.New()
	v.SetConfigType(configType)
	if err := v.ReadConfig(strings.NewReader(string(expanded))); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding configuration: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Target.TokenURL == "" {
		return fmt.Errorf("target.token_url is required")
	}
	if c.Target.Issuer == "" {
		return fmt.Errorf("target.issuer is required")
	}

	if c.Target.AuthMethod == "" {
		c.Target.AuthMethod = string(client.AuthBasic)
	}
	switch client.AuthMethod(c.Target.AuthMethod) {
	case client.AuthBasic, client.AuthPost:
	default:
		return fmt.Errorf("target.auth_method %q is not supported (use client_secret_basic or client_secret_post)",
			c.Target.AuthMethod)
	}

	for _, name := range RequiredClients {
		cl, ok := c.Clients[name]
		if !ok {
			return fmt.Errorf("clients.%s is required", name)
		}
		if cl.ID == "" || cl.Secret == "" {
			return fmt.Errorf("clients.%s needs both id and secret", name)
		}
	}

	switch c.Output.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("output.format %q is not supported (use text or json)", c.Output.Format)
	}
	if c.Output.Format == "" {
		c.Output.Format = "text"
	}
	return nil
}
