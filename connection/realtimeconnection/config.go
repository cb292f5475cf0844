package realtimeconnection

import (
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"commxr.com/rtclient/connection/reconnect"
)

const (
	realtimeEndpoint = "api/realtime"

	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultWriteTimeout      = 5 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultHeartbeatTimeout  = 60 * time.Second
)

// Close codes the server uses when retrying with the same session can never succeed
const (
	CloseInvalidToken    = 4001
	CloseNotSessionOwner = 4003
	CloseSessionNotFound = 4004
)

type Config struct {
	// Where the realtime server lives, e.g. wss://example.com or localhost:8000
	BaseURL string

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	Reconnect reconnect.Policy

	// Outbound analysis requests per second, zero disables the limit
	AnalysisRatePerSecond float64
	AnalysisBurst         int

	// Server close codes that fail the connection instead of reconnecting
	FatalCloseCodes []int
}

func DefaultConfig() Config {
	return Config{
		HandshakeTimeout:  DefaultHandshakeTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		HeartbeatInterval: DefaultHeartbeatInterval,
		HeartbeatTimeout:  DefaultHeartbeatTimeout,
		Reconnect:         reconnect.DefaultPolicy(),
		AnalysisBurst:     1,
		FatalCloseCodes:   []int{CloseInvalidToken, CloseNotSessionOwner, CloseSessionNotFound},
	}
}

func (c Config) Validate() error {
	if _, err := NormalizeBaseURL(c.BaseURL); err != nil {
		return err
	}

	switch {
	case c.HandshakeTimeout < 0:
		return fmt.Errorf("handshake timeout cannot be negative, got %s", c.HandshakeTimeout)
	case c.WriteTimeout < 0:
		return fmt.Errorf("write timeout cannot be negative, got %s", c.WriteTimeout)
	case c.HeartbeatInterval <= 0:
		return fmt.Errorf("heartbeat interval must be positive, got %s", c.HeartbeatInterval)
	case c.HeartbeatTimeout <= c.HeartbeatInterval:
		return fmt.Errorf("heartbeat timeout %s must exceed the heartbeat interval %s", c.HeartbeatTimeout, c.HeartbeatInterval)
	case c.AnalysisRatePerSecond < 0:
		return fmt.Errorf("analysis rate cannot be negative, got %v", c.AnalysisRatePerSecond)
	case c.AnalysisRatePerSecond > 0 && c.AnalysisBurst < 1:
		return fmt.Errorf("analysis burst must be at least 1 when a rate is set, got %d", c.AnalysisBurst)
	}

	return c.Reconnect.Validate()
}

func (c Config) isFatal(code int) bool {
	for _, fatal := range c.FatalCloseCodes {
		if fatal == code {
			return true
		}
	}
	return false
}

// NormalizeBaseURL accepts a bare host:port or any of the ws, wss, http and https schemes and
// returns the equivalent websocket url
func NormalizeBaseURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("the realtime server base url is empty")
	}

	if !strings.Contains(raw, "://") {
		raw = "ws://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid realtime server base url %q: %w", raw, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "ws", "http":
		u.Scheme = "ws"
	case "wss", "https":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported scheme %q in realtime server base url", u.Scheme)
	}

	if u.Host == "" {
		return nil, fmt.Errorf("realtime server base url %q has no host", raw)
	}

	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}

// RealtimeURL builds <base>/api/realtime?session_id=<id>&token=<token>. The token parameter is
// always present, empty in deployments that bypass auth.
func RealtimeURL(baseURL string, sessionId string, token string) (*url.URL, error) {
	u, err := NormalizeBaseURL(baseURL)
	if err != nil {
		return nil, err
	}

	u.Path = path.Join("/", u.Path, realtimeEndpoint)
	u.RawPath = ""

	params := url.Values{}
	params.Set("session_id", sessionId)
	params.Set("token", token)
	u.RawQuery = params.Encode()

	return u, nil
}
