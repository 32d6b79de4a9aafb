package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// ConfigValue represents a configuration value that can be either a literal value
// or a {"$env": "NAME"} reference resolved at load time
type ConfigValue struct {
	resolved bool
	value    string
	envName  string
}

// String returns the resolved value. Panics on an unresolved reference.
func (cv *ConfigValue) String() string {
	if cv == nil {
		return ""
	}
	if !cv.resolved {
		panic(fmt.Sprintf("attempted to use unresolved $env reference %s", cv.envName))
	}
	return cv.value
}

// IsEnvRef returns true if the value still points at an environment variable
func (cv *ConfigValue) IsEnvRef() bool {
	return cv != nil && cv.envName != ""
}

// ResolveEnv resolves environment variable references
func (cv *ConfigValue) ResolveEnv() error {
	if cv == nil || cv.resolved || cv.envName == "" {
		return nil
	}

	value := os.Getenv(cv.envName)
	if value == "" {
		return fmt.Errorf("required environment variable %s not set", cv.envName)
	}

	cv.value = value
	cv.resolved = true
	return nil
}

// UnmarshalJSON implements custom JSON unmarshaling
func (cv *ConfigValue) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		cv.resolved = true
		cv.value = str
		return nil
	}

	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("ConfigValue must be string or reference object")
	}

	if envName, ok := obj["$env"].(string); ok {
		cv.envName = envName
		return nil
	}

	return fmt.Errorf("unknown reference type in ConfigValue")
}

// MarshalJSON keeps references as references so generated configs never embed secrets
func (cv ConfigValue) MarshalJSON() ([]byte, error) {
	if cv.envName != "" {
		return json.Marshal(map[string]string{"$env": cv.envName})
	}
	if cv.resolved {
		return json.Marshal(cv.value)
	}
	return nil, fmt.Errorf("invalid ConfigValue state")
}

// NewConfigValue creates a ConfigValue from a plain string
func NewConfigValue(value string) *ConfigValue {
	return &ConfigValue{
		resolved: true,
		value:    value,
	}
}

// NewEnvRef creates an unresolved {"$env": name} reference
func NewEnvRef(name string) *ConfigValue {
	return &ConfigValue{envName: name}
}
