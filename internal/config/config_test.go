package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0123456789abcdef0123456789abcdef"

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_ResolvesEnvRefs(t *testing.T) {
	t.Setenv("TEST_AREA_KEY", testKey)
	t.Setenv("TEST_GITHUB_ID", "gh-client")
	t.Setenv("TEST_GITHUB_SECRET", "gh-secret")
	t.Setenv("TEST_API_TOKEN", "api-token")

	path := writeConfig(t, `{
		"version": "area/v1",
		"engine": {"workers": 4, "defaultInterval": "2m", "serviceIntervals": {"gmail": "30s"}},
		"storage": {"kind": "sqlite", "path": "area.db", "encryptionKey": {"$env": "TEST_AREA_KEY"}},
		"providers": {
			"github": {"clientId": {"$env": "TEST_GITHUB_ID"}, "clientSecret": {"$env": "TEST_GITHUB_SECRET"}}
		},
		"api": {"addr": ":9090", "tokens": [{"$env": "TEST_API_TOKEN"}]}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Engine.Workers)
	assert.Equal(t, 2*time.Minute, cfg.Engine.DefaultInterval.Std())
	assert.Equal(t, 30*time.Second, cfg.Engine.IntervalFor("gmail"))
	assert.Equal(t, 2*time.Minute, cfg.Engine.IntervalFor("github"))
	assert.Equal(t, DefaultCallTimeout, cfg.Engine.CallTimeout.Std())
	assert.Equal(t, testKey, cfg.Storage.EncryptionKey.String())
	assert.Equal(t, "gh-client", cfg.Providers["github"].ClientID.String())
	assert.Equal(t, "gh-secret", cfg.Providers["github"].ClientSecret.String())
	assert.Equal(t, "api-token", cfg.API.Tokens[0].String())
	assert.Equal(t, ":9090", cfg.API.Addr)
	assert.Equal(t, DefaultRealm, cfg.API.Realm)
}

func TestLoad_EnvRefDefault(t *testing.T) {
	path := writeConfig(t, `{
		"version": "area/v1",
		"api": {"addr": {"$env": "TEST_UNSET_ADDR", "default": ":7070"}}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.API.Addr)
	assert.Equal(t, StorageMemory, cfg.Storage.Kind)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name        string
		content     string
		expectError string
	}{
		{
			name:        "missing version",
			content:     `{"engine": {}}`,
			expectError: "config version is required",
		},
		{
			name:        "wrong version",
			content:     `{"version": "v0.0.1-DEV_EDITION"}`,
			expectError: "unsupported config version",
		},
		{
			name:        "literal encryption key",
			content:     `{"version": "area/v1", "storage": {"kind": "sqlite", "path": "x.db", "encryptionKey": "` + testKey + `"}}`,
			expectError: "storage.encryptionKey must use environment variable reference",
		},
		{
			name:        "literal client secret",
			content:     `{"version": "area/v1", "providers": {"github": {"clientId": "id", "clientSecret": "shh"}}}`,
			expectError: "providers.github.clientSecret must use environment variable reference",
		},
		{
			name:        "literal api token",
			content:     `{"version": "area/v1", "api": {"tokens": ["plain"]}}`,
			expectError: "api.tokens[0] must use environment variable reference",
		},
		{
			name:        "unset env",
			content:     `{"version": "area/v1", "storage": {"kind": "postgres", "dsn": {"$env": "TEST_AREA_MISSING_DSN"}}}`,
			expectError: "required environment variable TEST_AREA_MISSING_DSN not set",
		},
		{
			name:        "bad duration",
			content:     `{"version": "area/v1", "engine": {"callTimeout": "soon"}}`,
			expectError: "invalid duration",
		},
		{
			name:        "unknown storage",
			content:     `{"version": "area/v1", "storage": {"kind": "redis"}}`,
			expectError: "unknown storage kind: redis",
		},
		{
			name:        "unknown service interval",
			content:     `{"version": "area/v1", "engine": {"serviceIntervals": {"myspace": "1m"}}}`,
			expectError: "unknown service myspace",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.expectError)
		})
	}
}

func TestLoad_DevelopmentModeAllowsLiterals(t *testing.T) {
	t.Setenv("AREA_ENV", "development")

	cfg, err := Load(writeConfig(t, `{
		"version": "area/v1",
		"storage": {"kind": "sqlite", "path": "x.db", "encryptionKey": "`+testKey+`"},
		"api": {"tokens": ["dev-token"]}
	}`))
	require.NoError(t, err)
	assert.Equal(t, "dev-token", cfg.API.Tokens[0].String())
}

func TestLoad_EncryptionKeyLength(t *testing.T) {
	t.Setenv("TEST_SHORT_KEY", "too-short")

	_, err := Load(writeConfig(t, `{
		"version": "area/v1",
		"storage": {"kind": "sqlite", "path": "x.db", "encryptionKey": {"$env": "TEST_SHORT_KEY"}}
	}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least 32 bytes")
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("AREA_ENGINE_WORKERS", "16")
	t.Setenv("AREA_ENGINE_DEFAULT_INTERVAL", "45s")
	t.Setenv("AREA_ENGINE_CALL_TIMEOUT", "3s")
	t.Setenv("AREA_API_ADDR", ":6060")

	cfg, err := Load(writeConfig(t, `{"version": "area/v1", "engine": {"workers": 2}}`))
	require.NoError(t, err)

	assert.Equal(t, 16, cfg.Engine.Workers)
	assert.Equal(t, 45*time.Second, cfg.Engine.DefaultInterval.Std())
	assert.Equal(t, 3*time.Second, cfg.Engine.CallTimeout.Std())
	assert.Equal(t, ":6060", cfg.API.Addr)
}

func TestLoad_StorageKindOverrideIsValidated(t *testing.T) {
	t.Setenv("AREA_STORAGE_KIND", "postgres")

	_, err := Load(writeConfig(t, `{"version": "area/v1"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage.dsn is required")
}

func TestDefault_RoundTrip(t *testing.T) {
	data, err := json.MarshalIndent(Default(), "", "  ")
	require.NoError(t, err)

	// generated configs only carry references
	assert.Contains(t, string(data), `"$env": "AREA_ENCRYPTION_KEY"`)
	assert.Contains(t, string(data), `"$env": "AREA_GITHUB_CLIENT_SECRET"`)
	assert.Contains(t, string(data), `"defaultInterval": "1m0s"`)

	result, err := ValidateFile(writeConfig(t, string(data)))
	require.NoError(t, err)
	assert.True(t, result.IsValid(), "%v", result.Errors)
}

func TestValidateFile(t *testing.T) {
	result, err := ValidateFile(writeConfig(t, `{
		"storage": {"kind": "postgres", "encryptionKey": {"$env": "KEY"}},
		"providers": {"myspace": {}},
		"api": {"baseUrl": "https://${HOST}/area"}
	}`))
	require.NoError(t, err)

	assert.False(t, result.IsValid())
	paths := map[string]bool{}
	for _, e := range result.Errors {
		paths[e.Path] = true
	}
	assert.True(t, paths["version"])
	assert.True(t, paths["storage.dsn"])
	assert.True(t, paths["providers.myspace"])
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "api.baseUrl", result.Warnings[0].Path)

	result, err = ValidateFile(writeConfig(t, `{not json`))
	require.NoError(t, err)
	assert.False(t, result.IsValid())
}

func TestConfigValue(t *testing.T) {
	var cv ConfigValue
	require.NoError(t, json.Unmarshal([]byte(`{"$env": "TEST_CV"}`), &cv))
	assert.True(t, cv.IsEnvRef())
	assert.Panics(t, func() { _ = cv.String() })

	assert.Error(t, cv.ResolveEnv())
	t.Setenv("TEST_CV", "value")
	require.NoError(t, cv.ResolveEnv())
	assert.Equal(t, "value", cv.String())

	out, err := json.Marshal(cv)
	require.NoError(t, err)
	assert.JSONEq(t, `{"$env": "TEST_CV"}`, string(out))

	assert.Error(t, json.Unmarshal([]byte(`{"$userToken": "x"}`), &cv))
	assert.Error(t, json.Unmarshal([]byte(`42`), &cv))

	var nilValue *ConfigValue
	assert.Equal(t, "", nilValue.String())
}
