package main

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestSetFlagsOverridesDefaults(t *testing.T) {
	viper.Reset()
	conf := defaultConfig()
	cmd := &cobra.Command{Use: "test"}
	require.NoError(t, setFlags(cmd, conf))

	require.NoError(t, cmd.ParseFlags([]string{"--host", "nats.internal", "--port", "4333", "--verbose"}))
	require.Equal(t, "nats.internal", conf.Host)
	require.Equal(t, 4333, conf.Port)
	require.True(t, conf.Verbose)
}

func TestEffectiveLevelPrecedence(t *testing.T) {
	conf := defaultConfig()
	conf.LogLevel = "error"
	require.Equal(t, "error", conf.effectiveLevel())

	conf.Verbose = true
	require.Equal(t, "debug", conf.effectiveLevel())

	conf.Quiet = true
	require.Equal(t, "warn", conf.effectiveLevel())
}
