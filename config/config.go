// Package config holds the monitor's configuration: defaults, optional
// JSON file merge, flag installation and validation.
package config

import (
	"bytes"
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

// Duration marshals as a Go duration string in the JSON config file.
type Duration time.Duration

// Std converts back to the standard library type.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config is the full monitor configuration. Flag values override the
// config file, which overrides defaults.
type Config struct {
	Host         string   `json:"host,omitempty"`
	ConfFile     string   `json:"conf-file,omitempty"`
	TemplateFile string   `json:"template,omitempty"`
	ServerName   string   `json:"server-name,omitempty"`
	UseIPAddress bool     `json:"ipaddr,omitempty"`
	Watch        bool     `json:"watch"`
	Once         bool     `json:"once,omitempty"`
	Interval     Duration `json:"interval,omitempty"`
	Debounce     Duration `json:"debounce,omitempty"`
	Timeout      Duration `json:"timeout,omitempty"`
	ValidateCmd  []string `json:"validate-cmd,omitempty"`
	ReloadCmd    []string `json:"reload-cmd,omitempty"`
	LogLevel     string   `json:"log-level,omitempty"`
}

// New returns a Config with defaults suitable for an nginx sidecar.
func New() *Config {
	return &Config{
		ConfFile:    "/etc/nginx/nginx.conf",
		ServerName:  "localhost",
		Watch:       true,
		Interval:    Duration(30 * time.Second),
		Debounce:    Duration(500 * time.Millisecond),
		Timeout:     Duration(15 * time.Second),
		ValidateCmd: []string{"nginx", "-t", "-c"},
		ReloadCmd:   []string{"nginx", "-s", "reload"},
		LogLevel:    "info",
	}
}

// InstallFlags registers all configuration flags on fs, bound to c.
func (c *Config) InstallFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&c.Host, "host", "H", c.Host, "Daemon socket to connect to (default from DOCKER_HOST)")
	fs.StringVar(&c.ConfFile, "conf", c.ConfFile, "Live nginx configuration path")
	fs.StringVar(&c.TemplateFile, "template", c.TemplateFile, "External configuration template (built-in when empty)")
	fs.StringVar(&c.ServerName, "server-name", c.ServerName, "server_name for the generated configuration")
	fs.BoolVar(&c.UseIPAddress, "ipaddr", c.UseIPAddress, "Proxy to container IP addresses instead of names")
	fs.BoolVar(&c.Watch, "watch", c.Watch, "Follow the event stream instead of polling only")
	fs.BoolVar(&c.Once, "once", c.Once, "Reconcile once and exit")
	fs.DurationVar((*time.Duration)(&c.Interval), "interval", time.Duration(c.Interval), "Polling interval")
	fs.DurationVar((*time.Duration)(&c.Debounce), "debounce", time.Duration(c.Debounce), "Quiet window before reacting to container churn")
	fs.DurationVar((*time.Duration)(&c.Timeout), "timeout", time.Duration(c.Timeout), "Per-tick timeout for runtime query, validation and reload")
	fs.StringSliceVar(&c.ValidateCmd, "validate-cmd", c.ValidateCmd, "Validator argv; staging path is appended (empty to skip)")
	fs.StringSliceVar(&c.ReloadCmd, "reload-cmd", c.ReloadCmd, "Reload argv (empty to skip)")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, `Logging level ("debug"|"info"|"warn"|"error")`)
}

// Load merges the JSON file at path into c. Missing file when the path
// was never set explicitly is not an error; callers decide.
func Load(c *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// strip UTF-8 BOM; editors on some platforms add one
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(c); err != nil {
		return errors.Wrapf(err, "parsing configuration file %s", path)
	}
	return nil
}

// Merge resolves precedence between a file-loaded configuration and flag
// values: base starts as defaults plus the config file, then every flag
// the user actually set on the command line wins.
func Merge(base, flagCfg *Config, fs *pflag.FlagSet) *Config {
	merged := *base
	fs.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "host":
			merged.Host = flagCfg.Host
		case "conf":
			merged.ConfFile = flagCfg.ConfFile
		case "template":
			merged.TemplateFile = flagCfg.TemplateFile
		case "server-name":
			merged.ServerName = flagCfg.ServerName
		case "ipaddr":
			merged.UseIPAddress = flagCfg.UseIPAddress
		case "watch":
			merged.Watch = flagCfg.Watch
		case "once":
			merged.Once = flagCfg.Once
		case "interval":
			merged.Interval = flagCfg.Interval
		case "debounce":
			merged.Debounce = flagCfg.Debounce
		case "timeout":
			merged.Timeout = flagCfg.Timeout
		case "validate-cmd":
			merged.ValidateCmd = flagCfg.ValidateCmd
		case "reload-cmd":
			merged.ReloadCmd = flagCfg.ReloadCmd
		case "log-level":
			merged.LogLevel = flagCfg.LogLevel
		}
	})
	return &merged
}

// Validate checks invariants not enforceable by flag types.
func (c *Config) Validate() error {
	if c.ConfFile == "" {
		return errors.New("configuration path must not be empty")
	}
	if c.Interval <= 0 {
		return errors.New("interval must be positive")
	}
	if c.Debounce < 0 {
		return errors.New("debounce must not be negative")
	}
	if c.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	if c.ServerName == "" {
		return errors.New("server name must not be empty")
	}
	return nil
}
