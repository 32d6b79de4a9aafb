package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Storage backend kinds
const (
	StorageMemory    = "memory"
	StorageSQLite    = "sqlite"
	StoragePostgres  = "postgres"
	StorageFirestore = "firestore"
)

// Config is the engine configuration file
type Config struct {
	Version   string                     `json:"version"`
	Engine    EngineConfig               `json:"engine"`
	Storage   StorageConfig              `json:"storage"`
	Providers map[string]*ProviderConfig `json:"providers,omitempty"`
	API       APIConfig                  `json:"api"`
}

// EngineConfig tunes the scheduler and the detector
type EngineConfig struct {
	Workers          int                 `json:"workers"`
	DefaultInterval  Duration            `json:"defaultInterval"`
	CallTimeout      Duration            `json:"callTimeout"`
	ResyncInterval   Duration            `json:"resyncInterval"`
	MaxBackoff       Duration            `json:"maxBackoff"`
	RefreshSkew      Duration            `json:"refreshSkew"`
	ServiceIntervals map[string]Duration `json:"serviceIntervals,omitempty"`
}

// StorageConfig selects and configures the persistence backend
type StorageConfig struct {
	Kind                string       `json:"kind"`
	Path                string       `json:"path,omitempty"`                // sqlite
	DSN                 *ConfigValue `json:"dsn,omitempty"`                 // postgres, EnvRef only!
	GCPProject          string       `json:"gcpProject,omitempty"`          // firestore
	FirestoreDatabase   string       `json:"firestoreDatabase,omitempty"`   // default "(default)"
	FirestoreCollection string       `json:"firestoreCollection,omitempty"` // prefix, default "area"
	EncryptionKey       *ConfigValue `json:"encryptionKey,omitempty"`       // EnvRef only!
	RulesFile           string       `json:"rulesFile,omitempty"`
}

// ProviderConfig holds the OAuth client and endpoint overrides of one service
type ProviderConfig struct {
	ClientID     *ConfigValue `json:"clientId,omitempty"`
	ClientSecret *ConfigValue `json:"clientSecret,omitempty"` // EnvRef only!
	TokenURL     string       `json:"tokenUrl,omitempty"`
	BaseURL      string       `json:"baseUrl,omitempty"`
	UserAgent    string       `json:"userAgent,omitempty"`
}

// APIConfig configures the collaborator HTTP surface
type APIConfig struct {
	Addr      string         `json:"addr"`
	Realm     string         `json:"realm,omitempty"`
	Tokens    []*ConfigValue `json:"tokens,omitempty"` // EnvRef only!
	EnableMCP bool           `json:"enableMcp,omitempty"`
	BaseURL   string         `json:"baseUrl,omitempty"`
}

// Duration is a time.Duration written as a Go duration string ("30s") in config files
type Duration time.Duration

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalJSON implements json.Marshaler
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts duration strings, or integer seconds
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\" or a number of seconds")
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

// IntervalFor returns the polling interval of a service
func (e EngineConfig) IntervalFor(service string) time.Duration {
	if d, ok := e.ServiceIntervals[service]; ok && d > 0 {
		return d.Std()
	}
	return e.DefaultInterval.Std()
}
