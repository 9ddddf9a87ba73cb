package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	conf, err := Parse("node", nil)
	require.NoError(t, err)

	require.Equal(t, "info", conf.LogLevel)
	require.Equal(t, 300*time.Millisecond, conf.GossipInterval)
	require.Equal(t, 150*time.Millisecond, conf.GossipJitter)
	require.Equal(t, 10, conf.GossipExtra)
	require.Equal(t, 10, conf.PollLimit)
	require.Zero(t, conf.ForwardTimeout)
	require.Equal(t, time.Second, conf.AppendTimeout)
	require.Zero(t, conf.CasBackoff)
	require.Empty(t, conf.CacheDir)
	require.Empty(t, conf.MetricsAddr)
	require.Zero(t, conf.Backoff().BaseDelay)
}

func TestParse_Flags(t *testing.T) {
	conf, err := Parse("node", []string{
		"-log-level", "debug",
		"-gossip-interval", "1s",
		"-poll-limit", "3",
		"-cas-backoff", "5ms",
		"-cache-dir", "/tmp/entries",
	})
	require.NoError(t, err)

	require.Equal(t, "debug", conf.LogLevel)
	require.Equal(t, time.Second, conf.GossipInterval)
	require.Equal(t, 3, conf.PollLimit)
	require.Equal(t, "/tmp/entries", conf.CacheDir)
	require.Equal(t, 5*time.Millisecond, conf.Backoff().BaseDelay)
	require.Equal(t, 100*time.Millisecond, conf.Backoff().MaxDelay)
}

func TestParse_Invalid(t *testing.T) {
	for name, args := range map[string][]string{
		"unknown flag":    {"-nope"},
		"bad level":       {"-log-level", "loud"},
		"zero interval":   {"-gossip-interval", "0s"},
		"zero poll":       {"-poll-limit", "0"},
		"negative":        {"-cas-backoff", "-1ms"},
		"uncapped cas":    {"-cas-backoff", "1ms", "-cas-backoff-max", "0"},
		"cap below base":  {"-cas-backoff", "50ms", "-cas-backoff-max", "10ms"},
		"negative append": {"-append-timeout", "-1s"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse("node", args)
			require.Error(t, err)
		})
	}
}
