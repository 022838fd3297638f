package main

import (
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// config holds the router binary's runtime configuration. setFlags binds
// each field directly to its pflag and also registers the flags with
// viper.BindPFlags; nothing reads the values back out of viper.
type config struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	SubjectPrefix string `mapstructure:"subjectPrefix"`

	HealthCheckInterval time.Duration `mapstructure:"healthCheckInterval"`
	InactivityTimeout   time.Duration `mapstructure:"inactivityTimeout"`

	LogLevel string `mapstructure:"logLevel"`
	Quiet    bool   `mapstructure:"quiet"`
	Verbose  bool   `mapstructure:"verbose"`
}

func defaultConfig() *config {
	return &config{
		Host:                "127.0.0.1",
		Port:                4222,
		SubjectPrefix:       "rpcmesh",
		HealthCheckInterval: 10 * time.Second,
		InactivityTimeout:   60 * time.Second,
		LogLevel:            "info",
	}
}

// setFlags registers cmd's persistent flags against conf's defaults and
// binds them into viper, so environment and (future) config-file layers
// can override them the same way keploy-keploy's cli.SetFlags does.
func setFlags(cmd *cobra.Command, conf *config) error {
	cmd.PersistentFlags().StringVar(&conf.Host, "host", conf.Host, "NATS server host the router dials into")
	cmd.PersistentFlags().IntVar(&conf.Port, "port", conf.Port, "NATS server port the router dials into")
	cmd.PersistentFlags().StringVar(&conf.SubjectPrefix, "subject-prefix", conf.SubjectPrefix, "NATS subject namespace this router's lobby and sessions live under")
	cmd.PersistentFlags().DurationVar(&conf.HealthCheckInterval, "health-check-interval", conf.HealthCheckInterval, "how often the presence registry sweeps for idle/zombie clients")
	cmd.PersistentFlags().DurationVar(&conf.InactivityTimeout, "inactivity-timeout", conf.InactivityTimeout, "how long a client may go quiet before the router disconnects it")
	cmd.PersistentFlags().StringVar(&conf.LogLevel, "log-level", conf.LogLevel, "panic|fatal|error|warn|info|debug|trace")
	cmd.PersistentFlags().BoolVarP(&conf.Quiet, "quiet", "q", conf.Quiet, "suppress all but warning-and-above logging")
	cmd.PersistentFlags().BoolVarP(&conf.Verbose, "verbose", "v", conf.Verbose, "shorthand for --log-level debug")

	return viper.BindPFlags(cmd.PersistentFlags())
}

func (c *config) effectiveLevel() string {
	switch {
	case c.Quiet:
		return "warn"
	case c.Verbose:
		return "debug"
	default:
		return c.LogLevel
	}
}
