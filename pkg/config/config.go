// Package config holds the session configuration of a simulator: service
// endpoint, credentials, brain selection and connection tuning.
//
// Values are layered, lowest priority first: defaults, a TOML profile file,
// SIMBRIDGE_* environment variables, and finally command-line flags applied
// by the caller.
package config

import (
	"fmt"
	"net/url"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/simbridge-dev/simbridge/internal/errors"
	"github.com/simbridge-dev/simbridge/pkg/backoff"
)

// Version is the simbridge version reported in the User-Agent header.
// Set at build time with -ldflags "-X github.com/simbridge-dev/simbridge/pkg/config.Version=...".
var Version = "dev"

const (
	// DefaultURL is the default brain service endpoint.
	DefaultURL = "https://api.bons.ai"

	// DefaultProfile is the profile used when none is selected.
	DefaultProfile = "default"

	// LatestVersion selects the most recent brain version for predictions.
	LatestVersion = "latest"

	DefaultRetryTimeout   = 300 * time.Second
	DefaultNetworkTimeout = 60 * time.Second
	DefaultPingInterval   = 15 * time.Second
	DefaultReadTimeout    = 240 * time.Second
)

// Config is the configuration of one simulator session.
// Treat a Config as immutable once it has been handed to an engine; use
// Clone to derive variants.
type Config struct {
	// URL is the base URL of the brain service (http, https, ws or wss).
	URL string

	// AccessKey is sent as the Authorization header.
	AccessKey string

	// Username owns the brain.
	Username string

	// Brain is the brain name.
	Brain string

	// Proxy is an optional HTTP proxy. A missing scheme defaults to http.
	Proxy string

	// Profile is the name of the profile the values were loaded from.
	Profile string

	// SimulatorName is registered with the brain at connection time.
	SimulatorName string

	// Predict selects prediction mode instead of training.
	Predict bool

	// PredictionVersion is the brain version used in prediction mode,
	// either LatestVersion or a positive number.
	PredictionVersion string

	// RecordFile enables per-step recording when non-empty. The extension
	// selects the format (.csv or .json).
	RecordFile string

	// RecordBucket uploads the record file to this S3 bucket on close
	// when non-empty.
	RecordBucket string

	// RetryTimeout bounds the total time spent reconnecting. Zero makes the
	// first failure fatal; a negative value retries forever.
	RetryTimeout time.Duration

	// NetworkTimeout bounds the WebSocket handshake.
	NetworkTimeout time.Duration

	// PingInterval is the heartbeat period. Zero disables the heartbeat.
	PingInterval time.Duration

	// ReadTimeout bounds each read from the connection.
	ReadTimeout time.Duration

	// BackoffBase and BackoffMax parameterize the reconnect delay.
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		URL:               DefaultURL,
		Profile:           DefaultProfile,
		PredictionVersion: LatestVersion,
		RetryTimeout:      DefaultRetryTimeout,
		NetworkTimeout:    DefaultNetworkTimeout,
		PingInterval:      DefaultPingInterval,
		ReadTimeout:       DefaultReadTimeout,
		BackoffBase:       backoff.DefaultBase,
		BackoffMax:        backoff.DefaultMax,
	}
}

// Clone returns a copy of the config.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}

// Backoff returns the reconnect delay policy.
func (c *Config) Backoff() backoff.Policy {
	return backoff.Policy{Base: c.BackoffBase, Max: c.BackoffMax}
}

// Validate checks that the config can be used to connect. Errors carry a
// code from internal/errors with a fix suggestion.
func (c *Config) Validate() error {
	if c.URL == "" {
		return errors.New("E100")
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return errors.New("E104").WithDetail(c.URL).Wrap(err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return errors.New("E104").WithDetail(fmt.Sprintf("%q has no supported scheme", c.URL))
	}
	if u.Host == "" {
		return errors.New("E104").WithDetail(fmt.Sprintf("%q has no host", c.URL))
	}
	if c.AccessKey == "" {
		return errors.New("E101").WithDetail(fmt.Sprintf("no access key in profile %q", c.Profile))
	}
	if c.Username == "" {
		return errors.New("E102").WithDetail(fmt.Sprintf("no username in profile %q", c.Profile))
	}
	if c.Brain == "" {
		return errors.New("E103")
	}
	if c.Predict {
		if err := validateVersion(c.PredictionVersion); err != nil {
			return err
		}
	}
	for name, d := range map[string]time.Duration{
		"network timeout": c.NetworkTimeout,
		"ping interval":   c.PingInterval,
		"read timeout":    c.ReadTimeout,
	} {
		if d < 0 {
			return errors.New("E105").WithDetail(fmt.Sprintf("%s is %s", name, d))
		}
	}
	if c.BackoffBase <= 0 || c.BackoffMax < c.BackoffBase {
		return errors.New("E109").WithDetail(fmt.Sprintf("base %s, max %s", c.BackoffBase, c.BackoffMax))
	}
	return nil
}

func validateVersion(v string) error {
	if v == LatestVersion {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return errors.New("E108").WithDetail(fmt.Sprintf("%q", v))
	}
	return nil
}

// BrainURL returns the HTTP(S) URL of the brain, e.g.
// http://localhost:5000/v1/alice/cartpole.
func (c *Config) BrainURL() string {
	base := strings.TrimRight(c.URL, "/")
	return fmt.Sprintf("%s/v1/%s/%s", base, url.PathEscape(c.Username), url.PathEscape(c.Brain))
}

// WebSocketURL returns BrainURL with the scheme switched to ws or wss.
func (c *Config) WebSocketURL() string {
	u := c.BrainURL()
	switch {
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	default:
		return u
	}
}

// SimulationURL returns the training endpoint.
func (c *Config) SimulationURL() string {
	return c.WebSocketURL() + "/sims/ws"
}

// PredictionURL returns the prediction endpoint for PredictionVersion.
func (c *Config) PredictionURL() string {
	version := c.PredictionVersion
	if version == "" {
		version = LatestVersion
	}
	return fmt.Sprintf("%s/%s/predictions/ws", c.WebSocketURL(), url.PathEscape(version))
}

// EndpointURL returns the prediction or training endpoint depending on mode.
func (c *Config) EndpointURL() string {
	if c.Predict {
		return c.PredictionURL()
	}
	return c.SimulationURL()
}

// ProxyURL returns the parsed proxy, or nil when none is configured.
func (c *Config) ProxyURL() (*url.URL, error) {
	if c.Proxy == "" {
		return nil, nil
	}
	proxy := c.Proxy
	if !strings.Contains(proxy, "://") {
		proxy = "http://" + proxy
	}
	return url.Parse(proxy)
}

// UserAgent returns the User-Agent header value.
func (c *Config) UserAgent() string {
	return fmt.Sprintf("simbridge/%s (go %s; %s/%s)", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// String returns a summary safe for logging; the access key is masked.
func (c *Config) String() string {
	key := ""
	if c.AccessKey != "" {
		key = "****"
	}
	return fmt.Sprintf("Config{url=%s user=%s brain=%s predict=%t version=%s accesskey=%s}",
		c.URL, c.Username, c.Brain, c.Predict, c.PredictionVersion, key)
}
