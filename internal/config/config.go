package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dgellow/area/internal"
	"github.com/kelseyhightower/envconfig"
)

// CurrentVersion is the config format version written by config-init
const CurrentVersion = "area/v1"

// Engine defaults
const (
	DefaultWorkers        = 8
	DefaultPollInterval   = time.Minute
	DefaultCallTimeout    = 15 * time.Second
	DefaultResyncInterval = 30 * time.Second
	DefaultMaxBackoff     = 15 * time.Minute
	DefaultRefreshSkew    = time.Minute
	DefaultAddr           = ":8080"
	DefaultRealm          = "area"
)

// envOverrides are AREA_* variables applied on top of the file
type envOverrides struct {
	Workers         *int           `envconfig:"ENGINE_WORKERS"`
	DefaultInterval *time.Duration `envconfig:"ENGINE_DEFAULT_INTERVAL"`
	CallTimeout     *time.Duration `envconfig:"ENGINE_CALL_TIMEOUT"`
	StorageKind     *string        `envconfig:"STORAGE_KIND"`
	APIAddr         *string        `envconfig:"API_ADDR"`
}

// resolveEnvRef resolves environment variable references in a value
func resolveEnvRef(value any) (any, error) {
	if value == nil {
		return nil, nil
	}

	switch v := value.(type) {
	case map[string]any:
		if envName, ok := v["$env"].(string); ok {
			envValue := os.Getenv(envName)
			if envValue == "" {
				if def, hasDefault := v["default"]; hasDefault {
					return def, nil
				}
				return nil, fmt.Errorf("required environment variable %s not set", envName)
			}
			return envValue, nil
		}

		result := make(map[string]any)
		for k, val := range v {
			resolved, err := resolveEnvRef(val)
			if err != nil {
				return nil, fmt.Errorf("resolving %s: %w", k, err)
			}
			result[k] = resolved
		}
		return result, nil

	case []any:
		result := make([]any, len(v))
		for i, item := range v {
			resolved, err := resolveEnvRef(item)
			if err != nil {
				return nil, fmt.Errorf("resolving index %d: %w", i, err)
			}
			result[i] = resolved
		}
		return result, nil

	default:
		return value, nil
	}
}

// validateRawConfig validates the config structure before environment resolution
func validateRawConfig(rawConfig map[string]any) error {
	if internal.IsDevelopmentMode() {
		return nil
	}

	if storage, ok := rawConfig["storage"].(map[string]any); ok {
		for _, field := range []string{"dsn", "encryptionKey"} {
			if _, isString := storage[field].(string); isString {
				return fmt.Errorf("storage.%s must use environment variable reference for security", field)
			}
		}
	}

	if providers, ok := rawConfig["providers"].(map[string]any); ok {
		for name, raw := range providers {
			provider, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if _, isString := provider["clientSecret"].(string); isString {
				return fmt.Errorf("providers.%s.clientSecret must use environment variable reference for security", name)
			}
		}
	}

	if api, ok := rawConfig["api"].(map[string]any); ok {
		if tokens, ok := api["tokens"].([]any); ok {
			for i, token := range tokens {
				if _, isString := token.(string); isString {
					return fmt.Errorf("api.tokens[%d] must use environment variable reference for security", i)
				}
			}
		}
	}
	return nil
}

// Load loads and processes the config file at path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse processes raw config bytes: version check, secret checks, $env resolution,
// defaults, AREA_* overrides and validation
func Parse(data []byte) (*Config, error) {
	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		return nil, fmt.Errorf("parsing config JSON: %w", err)
	}

	version, ok := rawConfig["version"].(string)
	if !ok {
		return nil, fmt.Errorf("config version is required")
	}
	if !strings.HasPrefix(version, "area/v1") {
		return nil, fmt.Errorf("unsupported config version: %s", version)
	}

	if err := validateRawConfig(rawConfig); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	resolved, err := resolveEnvRef(rawConfig)
	if err != nil {
		return nil, fmt.Errorf("resolving environment variables: %w", err)
	}

	var config Config
	resolvedBytes, _ := json.Marshal(resolved)
	if err := json.Unmarshal(resolvedBytes, &config); err != nil {
		return nil, fmt.Errorf("parsing resolved config: %w", err)
	}

	applyDefaults(&config)

	if err := applyEnvOverrides(&config); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := ValidateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func applyDefaults(c *Config) {
	if c.Engine.Workers == 0 {
		c.Engine.Workers = DefaultWorkers
	}
	if c.Engine.DefaultInterval == 0 {
		c.Engine.DefaultInterval = Duration(DefaultPollInterval)
	}
	if c.Engine.CallTimeout == 0 {
		c.Engine.CallTimeout = Duration(DefaultCallTimeout)
	}
	if c.Engine.ResyncInterval == 0 {
		c.Engine.ResyncInterval = Duration(DefaultResyncInterval)
	}
	if c.Engine.MaxBackoff == 0 {
		c.Engine.MaxBackoff = Duration(DefaultMaxBackoff)
	}
	if c.Engine.RefreshSkew == 0 {
		c.Engine.RefreshSkew = Duration(DefaultRefreshSkew)
	}
	if c.Storage.Kind == "" {
		c.Storage.Kind = StorageMemory
	}
	if c.Storage.FirestoreDatabase == "" {
		c.Storage.FirestoreDatabase = "(default)"
	}
	if c.Storage.FirestoreCollection == "" {
		c.Storage.FirestoreCollection = "area"
	}
	if c.API.Addr == "" {
		c.API.Addr = DefaultAddr
	}
	if c.API.Realm == "" {
		c.API.Realm = DefaultRealm
	}
}

func applyEnvOverrides(c *Config) error {
	var o envOverrides
	if err := envconfig.Process("AREA", &o); err != nil {
		return err
	}
	if o.Workers != nil {
		c.Engine.Workers = *o.Workers
	}
	if o.DefaultInterval != nil {
		c.Engine.DefaultInterval = Duration(*o.DefaultInterval)
	}
	if o.CallTimeout != nil {
		c.Engine.CallTimeout = Duration(*o.CallTimeout)
	}
	if o.StorageKind != nil {
		c.Storage.Kind = *o.StorageKind
	}
	if o.APIAddr != nil {
		c.API.Addr = *o.APIAddr
	}
	return nil
}

// Default returns the configuration written by config-init
func Default() *Config {
	c := &Config{
		Version: CurrentVersion,
		Storage: StorageConfig{
			Kind:          StorageSQLite,
			Path:          "area.db",
			EncryptionKey: NewEnvRef("AREA_ENCRYPTION_KEY"),
			RulesFile:     "rules.yaml",
		},
		API: APIConfig{
			Tokens: []*ConfigValue{NewEnvRef("AREA_API_TOKEN")},
		},
		Providers: map[string]*ProviderConfig{},
	}
	for _, service := range []string{"discord", "github", "gmail", "spotify", "reddit", "youtube", "notion", "outlook", "twitter"} {
		prefix := "AREA_" + strings.ToUpper(service)
		c.Providers[service] = &ProviderConfig{
			ClientID:     NewEnvRef(prefix + "_CLIENT_ID"),
			ClientSecret: NewEnvRef(prefix + "_CLIENT_SECRET"),
		}
	}
	applyDefaults(c)
	return c
}
