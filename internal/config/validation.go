package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"

	"github.com/dgellow/area/internal/area"
)

var knownServices = []area.ServiceID{
	area.ServiceDiscord,
	area.ServiceGitHub,
	area.ServiceGmail,
	area.ServiceSpotify,
	area.ServiceReddit,
	area.ServiceYouTube,
	area.ServiceNotion,
	area.ServiceOutlook,
	area.ServiceTwitter,
}

var storageKinds = []string{StorageMemory, StorageSQLite, StoragePostgres, StorageFirestore}

// ValidationResult holds validation errors and warnings
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// ValidationError represents a validation issue
type ValidationError struct {
	Path    string
	Message string
}

// IsValid returns true if there are no errors
func (v *ValidationResult) IsValid() bool {
	return len(v.Errors) == 0
}

func (v *ValidationResult) addError(path, format string, args ...any) {
	v.Errors = append(v.Errors, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

// ValidateFile validates a config file structure without requiring env vars
func ValidateFile(path string) (*ValidationResult, error) {
	result := &ValidationResult{}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		result.addError("", "invalid JSON: %v", err)
		return result, nil
	}

	checkBashStyleSyntax(rawConfig, "", result)

	version, ok := rawConfig["version"].(string)
	if !ok {
		result.addError("version", "version field is required")
	} else if !strings.HasPrefix(version, "area/v1") {
		result.addError("version", "unsupported version: %s", version)
	}

	if err := validateRawConfig(rawConfig); err != nil {
		result.addError("", "%v", err)
	}

	validateStorageStructure(rawConfig, result)
	validateProvidersStructure(rawConfig, result)

	return result, nil
}

// validateStorageStructure checks the storage configuration structure
func validateStorageStructure(rawConfig map[string]any, result *ValidationResult) {
	storage, ok := rawConfig["storage"].(map[string]any)
	if !ok {
		return
	}

	kind, _ := storage["kind"].(string)
	if kind == "" {
		kind = StorageMemory
	}
	if !slices.Contains(storageKinds, kind) {
		result.addError("storage.kind", "unknown storage kind: %s", kind)
		return
	}

	required := map[string][]string{
		StorageSQLite:    {"path", "encryptionKey"},
		StoragePostgres:  {"dsn", "encryptionKey"},
		StorageFirestore: {"gcpProject", "encryptionKey"},
	}
	for _, field := range required[kind] {
		if _, ok := storage[field]; !ok {
			msg := fmt.Sprintf("%s is required for %s storage", field, kind)
			if field == "encryptionKey" {
				msg += ". Hint: Must be exactly 32 bytes for AES-256-GCM encryption"
			}
			result.Errors = append(result.Errors, ValidationError{Path: "storage." + field, Message: msg})
		}
	}
}

// validateProvidersStructure checks that providers name known services
func validateProvidersStructure(rawConfig map[string]any, result *ValidationResult) {
	providers, ok := rawConfig["providers"].(map[string]any)
	if !ok {
		return
	}
	for name, raw := range providers {
		if !slices.Contains(knownServices, area.ServiceID(name)) {
			result.addError("providers."+name, "unknown service: %s", name)
			continue
		}
		if _, ok := raw.(map[string]any); !ok {
			result.addError("providers."+name, "provider must be an object")
		}
	}
}

// checkBashStyleSyntax recursively checks for bash-style env var syntax
func checkBashStyleSyntax(value any, path string, result *ValidationResult) {
	bashStyleRegex := regexp.MustCompile(`\$\{?[A-Z_][A-Z0-9_]*\}?`)

	switch v := value.(type) {
	case string:
		for _, match := range bashStyleRegex.FindAllString(v, -1) {
			varName := strings.Trim(match, "${}")
			result.Warnings = append(result.Warnings, ValidationError{
				Path:    path,
				Message: fmt.Sprintf("found bash-style syntax '%s' - use {\"$env\": \"%s\"} instead", match, varName),
			})
		}
	case map[string]any:
		if _, hasEnv := v["$env"]; hasEnv {
			return
		}
		for key, val := range v {
			newPath := key
			if path != "" {
				newPath = path + "." + key
			}
			checkBashStyleSyntax(val, newPath, result)
		}
	case []any:
		for i, item := range v {
			checkBashStyleSyntax(item, fmt.Sprintf("%s[%d]", path, i), result)
		}
	}
}

// ValidateConfig validates a resolved configuration
func ValidateConfig(c *Config) error {
	var errs []error

	if c.Engine.Workers <= 0 {
		errs = append(errs, fmt.Errorf("engine.workers must be positive, got %d", c.Engine.Workers))
	}
	if c.Engine.DefaultInterval <= 0 {
		errs = append(errs, fmt.Errorf("engine.defaultInterval must be positive"))
	}
	if c.Engine.CallTimeout <= 0 {
		errs = append(errs, fmt.Errorf("engine.callTimeout must be positive"))
	}
	if c.Engine.ResyncInterval <= 0 {
		errs = append(errs, fmt.Errorf("engine.resyncInterval must be positive"))
	}
	for service, d := range c.Engine.ServiceIntervals {
		if !slices.Contains(knownServices, area.ServiceID(service)) {
			errs = append(errs, fmt.Errorf("engine.serviceIntervals: unknown service %s", service))
		}
		if d <= 0 {
			errs = append(errs, fmt.Errorf("engine.serviceIntervals.%s must be positive", service))
		}
	}

	switch c.Storage.Kind {
	case StorageMemory:
	case StorageSQLite:
		if c.Storage.Path == "" {
			errs = append(errs, errors.New("storage.path is required for sqlite storage"))
		}
	case StoragePostgres:
		if c.Storage.DSN.String() == "" {
			errs = append(errs, errors.New("storage.dsn is required for postgres storage"))
		}
	case StorageFirestore:
		if c.Storage.GCPProject == "" {
			errs = append(errs, errors.New("storage.gcpProject is required for firestore storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage kind: %s", c.Storage.Kind))
	}
	if c.Storage.Kind != StorageMemory {
		if key := c.Storage.EncryptionKey.String(); len(key) < 32 {
			errs = append(errs, fmt.Errorf("storage.encryptionKey must be at least 32 bytes long for AES-256-GCM encryption, got %d bytes", len(key)))
		}
	}

	for name, p := range c.Providers {
		if !slices.Contains(knownServices, area.ServiceID(name)) {
			errs = append(errs, fmt.Errorf("providers: unknown service %s", name))
			continue
		}
		if p != nil && p.ClientSecret.String() != "" && p.ClientID.String() == "" {
			errs = append(errs, fmt.Errorf("providers.%s.clientId is required when clientSecret is set", name))
		}
	}

	for i, token := range c.API.Tokens {
		if token.String() == "" {
			errs = append(errs, fmt.Errorf("api.tokens[%d] is empty", i))
		}
	}

	return errors.Join(errs...)
}
