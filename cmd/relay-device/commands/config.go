package commands

import (
	"crypto/tls"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/devrelay/relay-go/pkg/relay"
)

// FileConfig is the YAML configuration file of the run command. Command
// line flags take precedence over file values.
type FileConfig struct {
	Server      string `yaml:"server"`
	Name        string `yaml:"name"`
	Descriptor  string `yaml:"descriptor"`
	Forward     string `yaml:"forward"`
	LogFile     string `yaml:"log_file"`
	ProtocolLog string `yaml:"protocol_log"`
	MetricsAddr string `yaml:"metrics_addr"`

	// InsecureSkipVerify disables relay certificate verification.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`

	Polling  PollingConfig `yaml:"polling"`
	Timeouts TimeoutConfig `yaml:"timeouts"`
}

// PollingConfig overrides the poll and reconnect timing.
type PollingConfig struct {
	MinInterval    time.Duration `yaml:"min_interval"`
	MaxInterval    time.Duration `yaml:"max_interval"`
	BackoffCap     *int          `yaml:"backoff_cap"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
}

// TimeoutConfig overrides the exchange timeouts.
type TimeoutConfig struct {
	Connect  time.Duration `yaml:"connect"`
	Exchange time.Duration `yaml:"exchange"`
	Poll     time.Duration `yaml:"poll"`
	Handler  time.Duration `yaml:"handler"`
}

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := &FileConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// apply copies file values into opts for every flag not set on the command
// line.
func (c *FileConfig) apply(cmd *cobra.Command, opts *RunOptions) {
	flags := cmd.Flags()
	set := func(name string, dst *string, v string) {
		if v != "" && !flags.Changed(name) {
			*dst = v
		}
	}
	set("server", &opts.Server, c.Server)
	set("name", &opts.Name, c.Name)
	set("descriptor", &opts.Descriptor, c.Descriptor)
	set("forward", &opts.Forward, c.Forward)
	set("log-file", &opts.LogFile, c.LogFile)
	set("protocol-log", &opts.ProtocolLog, c.ProtocolLog)
	set("metrics-addr", &opts.MetricsAddr, c.MetricsAddr)
	if c.InsecureSkipVerify && !flags.Changed("insecure") {
		opts.Insecure = true
	}
	opts.file = c
}

// relayConfig builds the session configuration from the merged options.
func (o *RunOptions) relayConfig() relay.Config {
	cfg := relay.DefaultConfig()
	cfg.ServerURL = o.Server
	if o.Name != "" {
		cfg.DeviceName = o.Name
	}
	if o.Descriptor != "" {
		cfg.Descriptor = o.Descriptor
	}
	if o.Insecure {
		cfg.TLSConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for test relays
	}

	if f := o.file; f != nil {
		setDuration(&cfg.MinPollInterval, f.Polling.MinInterval)
		setDuration(&cfg.MaxPollInterval, f.Polling.MaxInterval)
		setDuration(&cfg.ReconnectDelay, f.Polling.ReconnectDelay)
		if f.Polling.BackoffCap != nil {
			cfg.BackoffCap = *f.Polling.BackoffCap
		}
		setDuration(&cfg.ConnectTimeout, f.Timeouts.Connect)
		setDuration(&cfg.ExchangeTimeout, f.Timeouts.Exchange)
		setDuration(&cfg.PollTimeout, f.Timeouts.Poll)
		setDuration(&cfg.HandlerTimeout, f.Timeouts.Handler)
	}
	return cfg
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v > 0 {
		*dst = v
	}
}
