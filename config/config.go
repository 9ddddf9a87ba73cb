package config

import (
	"flag"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/backoff"
)

type Config struct {
	LogLevel       string
	GossipInterval time.Duration
	GossipJitter   time.Duration
	GossipExtra    int
	PollLimit      int
	ForwardTimeout time.Duration
	AppendTimeout  time.Duration
	CasBackoff     time.Duration
	CasBackoffMax  time.Duration
	MaxTopicLen    int
	CacheDir       string
	MetricsAddr    string
}

// Get reads the configuration from the process command line and exits on bad flags.
func Get() *Config {
	conf, err := Parse(os.Args[0], os.Args[1:])
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	return conf
}

// Parse builds a configuration from args without touching the global flag set.
func Parse(name string, args []string) (*Config, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	conf := &Config{}
	fs.StringVar(&conf.LogLevel, "log-level", "info", "logrus level (debug, info, warn, error)")
	fs.DurationVar(&conf.GossipInterval, "gossip-interval", 300*time.Millisecond, "base period between gossip rounds")
	fs.DurationVar(&conf.GossipJitter, "gossip-jitter", 150*time.Millisecond, "random extra delay added to every gossip round")
	fs.IntVar(&conf.GossipExtra, "gossip-extra", 10, "already acknowledged values resent with every gossip message")
	fs.IntVar(&conf.PollLimit, "poll-limit", 10, "max entries returned per topic by poll")
	fs.DurationVar(&conf.ForwardTimeout, "forward-timeout", 0, "how long a forwarded send may wait for the leader, 0 waits until shutdown")
	fs.DurationVar(&conf.AppendTimeout, "append-timeout", time.Second, "bound on the store calls of one append while its topic is locked, 0 waits forever")
	fs.DurationVar(&conf.CasBackoff, "cas-backoff", 0, "base delay between compare-and-store retries, 0 retries immediately")
	fs.DurationVar(&conf.CasBackoffMax, "cas-backoff-max", 100*time.Millisecond, "upper bound for the compare-and-store retry delay")
	fs.IntVar(&conf.MaxTopicLen, "max-topic-len", 256, "longest topic name accepted by the commit log")
	fs.StringVar(&conf.CacheDir, "cache-dir", "", "directory for the journaled entry cache, empty keeps it in memory")
	fs.StringVar(&conf.MetricsAddr, "metrics-addr", "", "serve prometheus metrics on this address, empty disables")

	if err := fs.Parse(args); err != nil {
		return nil, errors.Wrap(err, "parse flags")
	}
	if err := conf.validate(); err != nil {
		return nil, err
	}

	return conf, nil
}

// Backoff is the retry policy for compare-and-store conflicts.
func (c *Config) Backoff() backoff.Config {
	return backoff.Config{
		BaseDelay:  c.CasBackoff,
		Multiplier: backoff.DefaultConfig.Multiplier,
		Jitter:     backoff.DefaultConfig.Jitter,
		MaxDelay:   c.CasBackoffMax,
	}
}

func (c *Config) validate() error {
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrap(err, "log-level")
	}
	if c.GossipInterval <= 0 {
		return errors.New("gossip-interval must be positive")
	}
	if c.GossipJitter < 0 || c.ForwardTimeout < 0 || c.CasBackoff < 0 || c.CasBackoffMax < 0 || c.AppendTimeout < 0 {
		return errors.New("durations must not be negative")
	}
	if c.GossipExtra < 0 {
		return errors.New("gossip-extra must not be negative")
	}
	if c.CasBackoff > 0 && c.CasBackoffMax < c.CasBackoff {
		return errors.New("cas-backoff-max must be at least cas-backoff")
	}
	if c.PollLimit <= 0 {
		return errors.New("poll-limit must be positive")
	}
	if c.MaxTopicLen <= 0 {
		return errors.New("max-topic-len must be positive")
	}

	return nil
}
