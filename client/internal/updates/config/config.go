package config

import (
	"fmt"
	"math"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/netbirdio/ota/client/internal/updates/status"
)

// Keys recognised in the defaults file and the override map
const (
	KeyEnabled              = "enabled"
	KeyUpdateURL            = "updateUrl"
	KeyRuntimeVersion       = "runtimeVersion"
	KeyChannel              = "channel"
	KeyScopeKey             = "scopeKey"
	KeyRequestHeaders       = "requestHeaders"
	KeyCheckOnLaunch        = "checkOnLaunch"
	KeyLaunchWaitMs         = "launchWaitMs"
	KeyRequestTimeoutMs     = "requestTimeoutMs"
	KeyHasEmbeddedUpdate    = "hasEmbeddedUpdate"
	KeyCodeSigningPublicKey = "codeSigningPublicKey"
	KeyUpdatesDirectory     = "updatesDirectory"
)

const (
	// DefaultRequestTimeout bounds a single manifest request including retries
	DefaultRequestTimeout = 60 * time.Second
	// DefaultLaunchWait is how long the launch accessor waits for the first remote check
	DefaultLaunchWait = 0
)

// CheckAutomatically tells when the client checks for updates on its own
type CheckAutomatically string

const (
	CheckAlways            CheckAutomatically = "ALWAYS"
	CheckWiFiOnly          CheckAutomatically = "WIFI_ONLY"
	CheckErrorRecoveryOnly CheckAutomatically = "ERROR_RECOVERY_ONLY"
	CheckNever             CheckAutomatically = "NEVER"
)

// ParseCheckAutomatically parses a policy name, case-insensitively
func ParseCheckAutomatically(s string) (CheckAutomatically, error) {
	switch p := CheckAutomatically(strings.ToUpper(strings.TrimSpace(s))); p {
	case CheckAlways, CheckWiFiOnly, CheckErrorRecoveryOnly, CheckNever:
		return p, nil
	}
	return "", fmt.Errorf("unknown check on launch policy %q", s)
}

// Input carries configuration values. A nil field leaves the current value untouched.
type Input struct {
	Enabled              *bool
	UpdateURL            *string
	RuntimeVersion       *string
	Channel              *string
	ScopeKey             *string
	RequestHeaders       map[string]string
	CheckOnLaunch        *string
	LaunchWaitMs         *int64
	RequestTimeoutMs     *int64
	HasEmbeddedUpdate    *bool
	CodeSigningPublicKey *string
	UpdatesDirectory     *string
}

// Config is the resolved, validated configuration of the updates client
type Config struct {
	Enabled              bool
	UpdateURL            *url.URL
	RuntimeVersion       string
	Channel              string
	ScopeKey             string
	RequestHeaders       map[string]string
	CheckOnLaunch        CheckAutomatically
	LaunchWaitTimeout    time.Duration
	RequestTimeout       time.Duration
	HasEmbeddedUpdate    bool
	CodeSigningPublicKey string
	UpdatesDirectory     string
}

// Load resolves the configuration from the manifest defaults with the override map layered on top.
// The result is either wholly valid or an InvalidConfig error listing every problem.
func Load(defaults, overrides map[string]any) (*Config, error) {
	var merr *multierror.Error

	defaultsInput, err := InputFromMap(defaults)
	if err != nil {
		merr = multierror.Append(merr, fmt.Errorf("defaults: %w", err))
	}
	overridesInput, err := InputFromMap(overrides)
	if err != nil {
		merr = multierror.Append(merr, fmt.Errorf("overrides: %w", err))
	}
	if merr != nil {
		return nil, status.Errorf(status.InvalidConfig, "invalid updates configuration: %w", status.FormatErrorOrNil(merr))
	}

	cfg := &Config{
		Enabled:           true,
		CheckOnLaunch:     CheckAlways,
		LaunchWaitTimeout: DefaultLaunchWait,
		RequestTimeout:    DefaultRequestTimeout,
		HasEmbeddedUpdate: true,
		RequestHeaders:    map[string]string{},
	}

	if _, err := cfg.apply(defaultsInput); err != nil {
		merr = multierror.Append(merr, err)
	}
	if updated, err := cfg.apply(overridesInput); err != nil {
		merr = multierror.Append(merr, err)
	} else if updated {
		log.Debugf("updates configuration overridden at runtime")
	}

	if err := cfg.validate(); err != nil {
		merr = multierror.Append(merr, err)
	}

	if err := status.FormatErrorOrNil(merr); err != nil {
		return nil, status.Errorf(status.InvalidConfig, "invalid updates configuration: %w", err)
	}

	return cfg, nil
}

func (config *Config) apply(input Input) (updated bool, err error) {
	var merr *multierror.Error

	if input.Enabled != nil && *input.Enabled != config.Enabled {
		log.Infof("switching updates to enabled=%t", *input.Enabled)
		config.Enabled = *input.Enabled
		updated = true
	}

	if input.UpdateURL != nil && (config.UpdateURL == nil || *input.UpdateURL != config.UpdateURL.String()) {
		u, err := parseURL("update URL", *input.UpdateURL)
		if err != nil {
			merr = multierror.Append(merr, err)
		} else {
			config.UpdateURL = u
			updated = true
		}
	}

	if input.RuntimeVersion != nil && *input.RuntimeVersion != config.RuntimeVersion {
		config.RuntimeVersion = strings.TrimSpace(*input.RuntimeVersion)
		updated = true
	}

	if input.Channel != nil && *input.Channel != config.Channel {
		log.Infof("updating channel %#v (old value %#v)", *input.Channel, config.Channel)
		config.Channel = *input.Channel
		updated = true
	}

	if input.ScopeKey != nil && *input.ScopeKey != config.ScopeKey {
		config.ScopeKey = *input.ScopeKey
		updated = true
	}

	if input.RequestHeaders != nil && !reflect.DeepEqual(input.RequestHeaders, config.RequestHeaders) {
		headers := make(map[string]string, len(input.RequestHeaders))
		for k, v := range input.RequestHeaders {
			headers[k] = v
		}
		config.RequestHeaders = headers
		updated = true
	}

	if input.CheckOnLaunch != nil {
		policy, err := ParseCheckAutomatically(*input.CheckOnLaunch)
		if err != nil {
			merr = multierror.Append(merr, err)
		} else if policy != config.CheckOnLaunch {
			config.CheckOnLaunch = policy
			updated = true
		}
	}

	if input.LaunchWaitMs != nil {
		if *input.LaunchWaitMs < 0 {
			merr = multierror.Append(merr, fmt.Errorf("%s must not be negative, got %d", KeyLaunchWaitMs, *input.LaunchWaitMs))
		} else if d := time.Duration(*input.LaunchWaitMs) * time.Millisecond; d != config.LaunchWaitTimeout {
			config.LaunchWaitTimeout = d
			updated = true
		}
	}

	if input.RequestTimeoutMs != nil {
		if *input.RequestTimeoutMs <= 0 {
			merr = multierror.Append(merr, fmt.Errorf("%s must be positive, got %d", KeyRequestTimeoutMs, *input.RequestTimeoutMs))
		} else if d := time.Duration(*input.RequestTimeoutMs) * time.Millisecond; d != config.RequestTimeout {
			config.RequestTimeout = d
			updated = true
		}
	}

	if input.HasEmbeddedUpdate != nil && *input.HasEmbeddedUpdate != config.HasEmbeddedUpdate {
		config.HasEmbeddedUpdate = *input.HasEmbeddedUpdate
		updated = true
	}

	if input.CodeSigningPublicKey != nil && *input.CodeSigningPublicKey != config.CodeSigningPublicKey {
		log.Infof("new code signing public key provided")
		config.CodeSigningPublicKey = strings.TrimSpace(*input.CodeSigningPublicKey)
		updated = true
	}

	if input.UpdatesDirectory != nil && *input.UpdatesDirectory != config.UpdatesDirectory {
		config.UpdatesDirectory = *input.UpdatesDirectory
		updated = true
	}

	return updated, status.FormatErrorOrNil(merr)
}

func (config *Config) validate() error {
	var merr *multierror.Error

	if config.Enabled {
		if config.UpdateURL == nil {
			merr = multierror.Append(merr, fmt.Errorf("%s is required when updates are enabled", KeyUpdateURL))
		}
		if config.RuntimeVersion == "" {
			merr = multierror.Append(merr, fmt.Errorf("%s is required when updates are enabled", KeyRuntimeVersion))
		}
	}

	if config.ScopeKey == "" && config.UpdateURL != nil {
		config.ScopeKey = config.UpdateURL.Scheme + "://" + config.UpdateURL.Host
	}

	return status.FormatErrorOrNil(merr)
}

// IsEnabled reports whether the configuration asks for the enabled strategy
func (config *Config) IsEnabled() bool {
	return config != nil && config.Enabled
}

func parseURL(serviceName, serviceURL string) (*url.URL, error) {
	parsedURL, err := url.ParseRequestURI(serviceURL)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q: %w", serviceName, serviceURL, err)
	}

	if parsedURL.Scheme != "https" && parsedURL.Scheme != "http" {
		return nil, fmt.Errorf("invalid %s %q: scheme must be http or https", serviceName, serviceURL)
	}

	if parsedURL.Host == "" {
		return nil, fmt.Errorf("invalid %s %q: host is missing", serviceName, serviceURL)
	}

	return parsedURL, nil
}

// InputFromMap converts a loosely typed map, as decoded from JSON or YAML, to an Input.
// Unknown keys are ignored.
func InputFromMap(m map[string]any) (Input, error) {
	var in Input
	var merr *multierror.Error

	for key, raw := range m {
		var err error
		switch key {
		case KeyEnabled:
			in.Enabled, err = asBool(key, raw)
		case KeyUpdateURL:
			in.UpdateURL, err = asString(key, raw)
		case KeyRuntimeVersion:
			in.RuntimeVersion, err = asString(key, raw)
		case KeyChannel:
			in.Channel, err = asString(key, raw)
		case KeyScopeKey:
			in.ScopeKey, err = asString(key, raw)
		case KeyRequestHeaders:
			in.RequestHeaders, err = asStringMap(key, raw)
		case KeyCheckOnLaunch:
			in.CheckOnLaunch, err = asString(key, raw)
		case KeyLaunchWaitMs:
			in.LaunchWaitMs, err = asInt(key, raw)
		case KeyRequestTimeoutMs:
			in.RequestTimeoutMs, err = asInt(key, raw)
		case KeyHasEmbeddedUpdate:
			in.HasEmbeddedUpdate, err = asBool(key, raw)
		case KeyCodeSigningPublicKey:
			in.CodeSigningPublicKey, err = asString(key, raw)
		case KeyUpdatesDirectory:
			in.UpdatesDirectory, err = asString(key, raw)
		default:
			log.Tracef("ignoring unknown configuration key %q", key)
		}
		if err != nil {
			merr = multierror.Append(merr, err)
		}
	}

	return in, status.FormatErrorOrNil(merr)
}

func asString(key string, v any) (*string, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("%s: expected string, got %T", key, v)
	}
	return &s, nil
}

func asBool(key string, v any) (*bool, error) {
	switch b := v.(type) {
	case bool:
		return &b, nil
	case string:
		switch strings.ToLower(b) {
		case "true", "1", "yes":
			t := true
			return &t, nil
		case "false", "0", "no":
			f := false
			return &f, nil
		}
	}
	return nil, fmt.Errorf("%s: expected bool, got %v", key, v)
}

func asInt(key string, v any) (*int64, error) {
	var n int64
	switch x := v.(type) {
	case int:
		n = int64(x)
	case int64:
		n = x
	case float64:
		if x != math.Trunc(x) {
			return nil, fmt.Errorf("%s: expected integer, got %v", key, x)
		}
		n = int64(x)
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: expected integer, got %q", key, x)
		}
		n = parsed
	default:
		return nil, fmt.Errorf("%s: expected integer, got %T", key, v)
	}
	return &n, nil
}

func asStringMap(key string, v any) (map[string]string, error) {
	switch m := v.(type) {
	case map[string]string:
		return m, nil
	case map[string]any:
		out := make(map[string]string, len(m))
		for k, raw := range m {
			s, ok := raw.(string)
			if !ok {
				return nil, fmt.Errorf("%s.%s: expected string, got %T", key, k, raw)
			}
			out[k] = s
		}
		return out, nil
	}
	return nil, fmt.Errorf("%s: expected object, got %T", key, v)
}
