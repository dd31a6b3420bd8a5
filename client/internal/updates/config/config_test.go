package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netbirdio/ota/client/internal/updates/status"
)

func validDefaults() map[string]any {
	return map[string]any{
		KeyUpdateURL:      "https://updates.example.com/manifest",
		KeyRuntimeVersion: "1.0.0",
		KeyChannel:        "production",
		KeyRequestHeaders: map[string]any{"x-app": "demo"},
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(validDefaults(), nil)
	require.NoError(t, err)

	assert.True(t, cfg.Enabled)
	assert.Equal(t, "https://updates.example.com/manifest", cfg.UpdateURL.String())
	assert.Equal(t, "1.0.0", cfg.RuntimeVersion)
	assert.Equal(t, "production", cfg.Channel)
	assert.Equal(t, CheckAlways, cfg.CheckOnLaunch)
	assert.Equal(t, DefaultRequestTimeout, cfg.RequestTimeout)
	assert.Equal(t, "https://updates.example.com", cfg.ScopeKey)
	assert.Equal(t, map[string]string{"x-app": "demo"}, cfg.RequestHeaders)
	assert.True(t, cfg.HasEmbeddedUpdate)
}

func TestLoad_OverridesWin(t *testing.T) {
	overrides := map[string]any{
		KeyChannel:       "staging",
		KeyCheckOnLaunch: "wifi_only",
		KeyLaunchWaitMs:  float64(1500),
		KeyScopeKey:      "custom-scope",
	}

	cfg, err := Load(validDefaults(), overrides)
	require.NoError(t, err)

	assert.Equal(t, "staging", cfg.Channel)
	assert.Equal(t, CheckWiFiOnly, cfg.CheckOnLaunch)
	assert.Equal(t, 1500*time.Millisecond, cfg.LaunchWaitTimeout)
	assert.Equal(t, "custom-scope", cfg.ScopeKey)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name      string
		defaults  map[string]any
		overrides map[string]any
		contains  []string
	}{
		{
			name:     "missing update url and runtime version",
			defaults: map[string]any{},
			contains: []string{KeyUpdateURL, KeyRuntimeVersion},
		},
		{
			name:      "bad url scheme",
			defaults:  validDefaults(),
			overrides: map[string]any{KeyUpdateURL: "ftp://updates.example.com"},
			contains:  []string{"scheme"},
		},
		{
			name:      "every problem is reported",
			defaults:  validDefaults(),
			overrides: map[string]any{KeyCheckOnLaunch: "SOMETIMES", KeyLaunchWaitMs: -1},
			contains:  []string{"SOMETIMES", KeyLaunchWaitMs},
		},
		{
			name:      "wrong type",
			defaults:  validDefaults(),
			overrides: map[string]any{KeyEnabled: "maybe", KeyRequestHeaders: map[string]any{"a": 1}},
			contains:  []string{KeyEnabled, KeyRequestHeaders},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.defaults, tt.overrides)
			require.Error(t, err)
			assert.Nil(t, cfg, "configuration is either wholly valid or not returned at all")
			assert.True(t, status.IsType(err, status.InvalidConfig))
			for _, s := range tt.contains {
				assert.Contains(t, err.Error(), s)
			}
		})
	}
}

func TestLoad_DisabledNeedsNoURL(t *testing.T) {
	cfg, err := Load(map[string]any{KeyEnabled: false}, nil)
	require.NoError(t, err)
	assert.False(t, cfg.IsEnabled())
}

func TestParseCheckAutomatically(t *testing.T) {
	for _, in := range []string{"ALWAYS", "wifi_only", " error_recovery_only ", "Never"} {
		_, err := ParseCheckAutomatically(in)
		assert.NoError(t, err, in)
	}
	_, err := ParseCheckAutomatically("daily")
	assert.Error(t, err)
}

func TestInputFromMap_YAMLIntegers(t *testing.T) {
	in, err := InputFromMap(map[string]any{KeyRequestTimeoutMs: 2000, KeyHasEmbeddedUpdate: "false"})
	require.NoError(t, err)
	require.NotNil(t, in.RequestTimeoutMs)
	assert.EqualValues(t, 2000, *in.RequestTimeoutMs)
	require.NotNil(t, in.HasEmbeddedUpdate)
	assert.False(t, *in.HasEmbeddedUpdate)
}
