package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/simbridge-dev/simbridge/internal/errors"
)

// FileName is the name of the profile file in the user's home directory.
const FileName = ".simbridge.toml"

// Environment variables read by ApplyEnv.
const (
	EnvProfile           = "SIMBRIDGE_PROFILE"
	EnvURL               = "SIMBRIDGE_URL"
	EnvAccessKey         = "SIMBRIDGE_ACCESS_KEY"
	EnvUsername          = "SIMBRIDGE_USERNAME"
	EnvBrain             = "SIMBRIDGE_BRAIN"
	EnvProxy             = "SIMBRIDGE_PROXY"
	EnvSimulator         = "SIMBRIDGE_SIMULATOR"
	EnvPredict           = "SIMBRIDGE_PREDICT"
	EnvPredictionVersion = "SIMBRIDGE_PREDICTION_VERSION"
	EnvRecordFile        = "SIMBRIDGE_RECORD_FILE"
	EnvRecordBucket      = "SIMBRIDGE_RECORD_BUCKET"
	EnvRetryTimeout      = "SIMBRIDGE_RETRY_TIMEOUT"
	EnvNetworkTimeout    = "SIMBRIDGE_NETWORK_TIMEOUT"
)

// Duration is a time.Duration that decodes from TOML strings such as "30s"
// or "300" (seconds).
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := parseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// File is the on-disk layout of the profile file:
//
//	default_profile = "dev"
//
//	[profiles.dev]
//	url = "http://localhost:5000"
//	username = "alice"
//	accesskey = "..."
//	retry_timeout = "5m"
type File struct {
	DefaultProfile string             `toml:"default_profile,omitempty"`
	Profiles       map[string]Profile `toml:"profiles"`
}

// Profile is one named set of values in the profile file. Unset fields keep
// their previous value.
type Profile struct {
	URL               string    `toml:"url,omitempty"`
	AccessKey         string    `toml:"accesskey,omitempty"`
	Username          string    `toml:"username,omitempty"`
	Brain             string    `toml:"brain,omitempty"`
	Proxy             string    `toml:"proxy,omitempty"`
	Simulator         string    `toml:"simulator,omitempty"`
	PredictionVersion string    `toml:"prediction_version,omitempty"`
	RecordFile        string    `toml:"record_file,omitempty"`
	RecordBucket      string    `toml:"record_bucket,omitempty"`
	RetryTimeout      *Duration `toml:"retry_timeout,omitempty"`
	NetworkTimeout    *Duration `toml:"network_timeout,omitempty"`
	PingInterval      *Duration `toml:"ping_interval,omitempty"`
	ReadTimeout       *Duration `toml:"read_timeout,omitempty"`
}

// DefaultPath returns ~/.simbridge.toml, or "" when the home directory is
// unknown.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, FileName)
}

// Load builds a Config from defaults, the profile file at path and the
// process environment. A missing file is not an error. An empty profile
// selects SIMBRIDGE_PROFILE, then the file's default_profile, then
// DefaultProfile.
func Load(path, profile string) (*Config, error) {
	c := Default()
	if profile == "" {
		profile = os.Getenv(EnvProfile)
	}
	if err := c.ApplyFile(path, profile); err != nil {
		return nil, err
	}
	if err := c.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return c, nil
}

// ApplyFile overlays a profile from the TOML file at path.
func (c *Config) ApplyFile(path, profile string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.New("E107").WithDetail(path).Wrap(err)
	}
	return c.ApplyTOML(data, profile)
}

// ApplyTOML overlays a profile from TOML data.
func (c *Config) ApplyTOML(data []byte, profile string) error {
	var f File
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return errors.New("E107").Wrap(err)
	}

	explicit := profile != ""
	if profile == "" {
		profile = f.DefaultProfile
	}
	if profile == "" {
		profile = DefaultProfile
	}

	p, ok := f.Profiles[profile]
	if !ok {
		if explicit {
			return errors.New("E106").WithDetail(fmt.Sprintf("%q", profile))
		}
		return nil
	}
	c.Profile = profile
	c.applyProfile(p)
	return nil
}

func (c *Config) applyProfile(p Profile) {
	setString(&c.URL, p.URL)
	setString(&c.AccessKey, p.AccessKey)
	setString(&c.Username, p.Username)
	setString(&c.Brain, p.Brain)
	setString(&c.Proxy, p.Proxy)
	setString(&c.SimulatorName, p.Simulator)
	setString(&c.PredictionVersion, p.PredictionVersion)
	setString(&c.RecordFile, p.RecordFile)
	setString(&c.RecordBucket, p.RecordBucket)
	setDuration(&c.RetryTimeout, p.RetryTimeout)
	setDuration(&c.NetworkTimeout, p.NetworkTimeout)
	setDuration(&c.PingInterval, p.PingInterval)
	setDuration(&c.ReadTimeout, p.ReadTimeout)
}

// ApplyEnv overlays SIMBRIDGE_* variables using lookup (os.LookupEnv in
// production).
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str(EnvURL, &c.URL)
	str(EnvAccessKey, &c.AccessKey)
	str(EnvUsername, &c.Username)
	str(EnvBrain, &c.Brain)
	str(EnvProxy, &c.Proxy)
	str(EnvSimulator, &c.SimulatorName)
	str(EnvPredictionVersion, &c.PredictionVersion)
	str(EnvRecordFile, &c.RecordFile)
	str(EnvRecordBucket, &c.RecordBucket)

	if v, ok := lookup(EnvPredict); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Newf(errors.CategoryConfig, "%s: %v", EnvPredict, err)
		}
		c.Predict = b
	}
	for key, dst := range map[string]*time.Duration{
		EnvRetryTimeout:   &c.RetryTimeout,
		EnvNetworkTimeout: &c.NetworkTimeout,
	} {
		v, ok := lookup(key)
		if !ok || v == "" {
			continue
		}
		d, err := parseDuration(v)
		if err != nil {
			return errors.New("E105").WithDetail(key).Wrap(err)
		}
		*dst = d
	}
	return nil
}

// Save writes c as the named profile into the file at path, keeping the
// other profiles.
func (c *Config) Save(path, profile string) error {
	var f File
	if data, err := os.ReadFile(path); err == nil {
		if err := toml.Unmarshal(data, &f); err != nil {
			return errors.New("E107").WithDetail(path).Wrap(err)
		}
	}
	if f.Profiles == nil {
		f.Profiles = make(map[string]Profile)
	}
	if profile == "" {
		profile = DefaultProfile
	}
	retry := Duration(c.RetryTimeout)
	network := Duration(c.NetworkTimeout)
	f.Profiles[profile] = Profile{
		URL:               c.URL,
		AccessKey:         c.AccessKey,
		Username:          c.Username,
		Brain:             c.Brain,
		Proxy:             c.Proxy,
		Simulator:         c.SimulatorName,
		PredictionVersion: c.PredictionVersion,
		RecordFile:        c.RecordFile,
		RecordBucket:      c.RecordBucket,
		RetryTimeout:      &retry,
		NetworkTimeout:    &network,
	}

	data, err := toml.Marshal(f)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v *Duration) {
	if v != nil {
		*dst = time.Duration(*v)
	}
}

// parseDuration accepts Go duration strings and bare integer seconds.
func parseDuration(s string) (time.Duration, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}
