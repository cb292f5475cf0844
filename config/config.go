/*
Package config resolves everything the client needs to run. Each setting has an id in the shared
envconfig file and an environment variable that overrides it; settings found in neither keep their
defaults.
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"commxr.com/rtclient/connection/realtimeconnection"
	"commxr.com/rtclient/envconfig"
)

const envPrefix = "RTCLIENT_"

const (
	DefaultLogLevel    = "info"
	DefaultAPIRetryFor = 30 * time.Second
)

type Config struct {
	Connection realtimeconnection.Config

	// REST side of the same server, empty when sessions are created elsewhere
	APIBaseURL  string
	APIRetryFor time.Duration

	// bearer token for REST and the realtime handshake, may be empty
	Token string

	LogLevel string
	LogFile  string
}

func Default() Config {
	return Config{
		Connection:  realtimeconnection.DefaultConfig(),
		APIRetryFor: DefaultAPIRetryFor,
		LogLevel:    DefaultLogLevel,
	}
}

type setting struct {
	id      string
	comment string
	apply   func(c *Config, value string) error
}

func (s setting) env() string {
	return EnvVar(s.id)
}

// EnvVar is the environment variable that overrides the setting with the given id
func EnvVar(id string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(id, "-", "_"))
}

var settings = []setting{
	{"ws-base-url", "realtime server, e.g. wss://example.com or localhost:8000", func(c *Config, v string) error {
		c.Connection.BaseURL = v
		return nil
	}},
	{"api-base-url", "REST server used to start and end sessions", func(c *Config, v string) error {
		c.APIBaseURL = v
		return nil
	}},
	{"api-retry-for", "how long REST calls are retried", duration(func(c *Config) *time.Duration { return &c.APIRetryFor })},
	{"token", "bearer token, may be empty when auth is bypassed", func(c *Config, v string) error {
		c.Token = v
		return nil
	}},
	{"handshake-timeout", "", duration(func(c *Config) *time.Duration { return &c.Connection.HandshakeTimeout })},
	{"write-timeout", "", duration(func(c *Config) *time.Duration { return &c.Connection.WriteTimeout })},
	{"heartbeat-interval", "", duration(func(c *Config) *time.Duration { return &c.Connection.HeartbeatInterval })},
	{"heartbeat-timeout", "", duration(func(c *Config) *time.Duration { return &c.Connection.HeartbeatTimeout })},
	{"reconnect-base-delay", "", duration(func(c *Config) *time.Duration { return &c.Connection.Reconnect.BaseDelay })},
	{"reconnect-max-delay", "", duration(func(c *Config) *time.Duration { return &c.Connection.Reconnect.MaxDelay })},
	{"reconnect-grace-window", "", duration(func(c *Config) *time.Duration { return &c.Connection.Reconnect.GraceWindow })},
	{"reconnect-max-attempts", "zero disables reconnecting", integer(func(c *Config) *int { return &c.Connection.Reconnect.MaxAttempts })},
	{"analysis-rate", "analysis requests per second, zero is unlimited", func(c *Config, v string) error {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		c.Connection.AnalysisRatePerSecond = rate
		return nil
	}},
	{"analysis-burst", "", integer(func(c *Config) *int { return &c.Connection.AnalysisBurst })},
	{"fatal-close-codes", "comma separated close codes that end a session for good", func(c *Config, v string) error {
		codes := []int{}
		for _, field := range strings.Split(v, ",") {
			field = strings.TrimSpace(field)
			if field == "" {
				continue
			}
			code, err := strconv.Atoi(field)
			if err != nil {
				return err
			}
			codes = append(codes, code)
		}
		c.Connection.FatalCloseCodes = codes
		return nil
	}},
	{"log-level", "trace, debug, info, warn, error or disabled", func(c *Config, v string) error {
		c.LogLevel = v
		return nil
	}},
	{"log-file", "rotated log file, empty logs to stderr only", func(c *Config, v string) error {
		c.LogFile = v
		return nil
	}},
}

func duration(field func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*field(c) = d
		return nil
	}
}

func integer(field func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

// Load starts from the defaults and applies every setting found in ec or, failing that, in the
// environment. A nil ec reads the environment only. The result is validated.
func Load(ec envconfig.EnvConfig) (Config, error) {
	c := Default()

	for _, s := range settings {
		value, found, err := lookup(ec, s)
		if err != nil {
			return c, err
		} else if !found {
			continue
		}

		if err := s.apply(&c, value); err != nil {
			return c, fmt.Errorf("invalid value %q for %s: %w", value, s.id, err)
		}
	}

	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

func lookup(ec envconfig.EnvConfig, s setting) (string, bool, error) {
	if ec != nil {
		entry, err := ec.Get(s.id)

		var keyErr *envconfig.KeyError
		var fileErr *envconfig.FileError
		switch {
		case err == nil:
			return entry.Value, true, nil
		case errors.As(err, &keyErr), errors.As(err, &fileErr) && errors.Is(err, os.ErrNotExist):
			// not in the file, the environment may still have it
		default:
			return "", false, fmt.Errorf("failed to read %s: %w", s.id, err)
		}
	}

	value, set := os.LookupEnv(s.env())
	return value, set, nil
}

// Save writes every setting of c to ec, so a later Load reproduces it
func Save(ec envconfig.EnvConfig, c Config) error {
	values := map[string]string{
		"ws-base-url":            c.Connection.BaseURL,
		"api-base-url":           c.APIBaseURL,
		"api-retry-for":          c.APIRetryFor.String(),
		"token":                  c.Token,
		"handshake-timeout":      c.Connection.HandshakeTimeout.String(),
		"write-timeout":          c.Connection.WriteTimeout.String(),
		"heartbeat-interval":     c.Connection.HeartbeatInterval.String(),
		"heartbeat-timeout":      c.Connection.HeartbeatTimeout.String(),
		"reconnect-base-delay":   c.Connection.Reconnect.BaseDelay.String(),
		"reconnect-max-delay":    c.Connection.Reconnect.MaxDelay.String(),
		"reconnect-grace-window": c.Connection.Reconnect.GraceWindow.String(),
		"reconnect-max-attempts": strconv.Itoa(c.Connection.Reconnect.MaxAttempts),
		"analysis-rate":          strconv.FormatFloat(c.Connection.AnalysisRatePerSecond, 'f', -1, 64),
		"analysis-burst":         strconv.Itoa(c.Connection.AnalysisBurst),
		"fatal-close-codes":      joinCodes(c.Connection.FatalCloseCodes),
		"log-level":              c.LogLevel,
		"log-file":               c.LogFile,
	}

	for _, s := range settings {
		if _, err := ec.Set(envconfig.Entry{
			Id:      s.id,
			Value:   values[s.id],
			Comment: s.comment,
			EnvVar:  s.env(),
		}); err != nil {
			return fmt.Errorf("failed to save %s: %w", s.id, err)
		}
	}
	return nil
}

func joinCodes(codes []int) string {
	fields := make([]string, len(codes))
	for i, code := range codes {
		fields[i] = strconv.Itoa(code)
	}
	return strings.Join(fields, ",")
}

func (c Config) Validate() error {
	if err := c.Connection.Validate(); err != nil {
		return err
	}
	if c.APIRetryFor < 0 {
		return fmt.Errorf("api retry duration cannot be negative, got %s", c.APIRetryFor)
	}
	return nil
}
