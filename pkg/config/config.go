// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package config binds the configuration knobs enumerated in spec.md §6
// to viper/cobra flags, following the teacher's cmd/uplink configuration
// idiom (cobra flags bound through viper) rather than a mutable global.
package config

import (
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the complete, immutable-after-startup configuration for a
// peer. It is built once during start-up and threaded explicitly into
// every component that needs it, per spec.md §9's guidance against
// mutable globals.
type Config struct {
	// Kademlia engine.
	K                         int           `mapstructure:"k"`
	Alpha                     int           `mapstructure:"alpha"`
	ReplicateK                int           `mapstructure:"replicate-k"`
	RefreshInterval           time.Duration `mapstructure:"refresh-interval"`
	AggressiveRefreshMin      time.Duration `mapstructure:"aggressive-refresh-min"`
	AggressiveRefreshMax      time.Duration `mapstructure:"aggressive-refresh-max"`
	StandardRefreshMin        time.Duration `mapstructure:"standard-refresh-min"`
	StandardRefreshMax        time.Duration `mapstructure:"standard-refresh-max"`
	RepublishInterval         time.Duration `mapstructure:"republish-interval"`
	ExpireInterval            time.Duration `mapstructure:"expire-interval"`
	PingInterval              time.Duration `mapstructure:"ping-interval"`
	FindNodeMinInterval       time.Duration `mapstructure:"find-node-min-interval"`
	PeerFailureThreshold      int           `mapstructure:"peer-failure-threshold"`
	PeerBackoffDuration       time.Duration `mapstructure:"peer-backoff-duration"`
	RequestTimeout            time.Duration `mapstructure:"request-timeout"`
	TempRoutingEntryTTL       time.Duration `mapstructure:"temp-routing-entry-ttl"`

	// Transport fabric.
	MessageTimeout              time.Duration `mapstructure:"message-timeout"`
	MaxQueueSize                int           `mapstructure:"max-queue-size"`
	MessageDeduplicationTimeout time.Duration `mapstructure:"message-dedup-timeout"`
	WebsocketPendingTTL         time.Duration `mapstructure:"websocket-pending-ttl"`
	BootstrapGracePeriod        time.Duration `mapstructure:"bootstrap-grace-period"`

	// Pub/sub.
	BatchSize       int           `mapstructure:"batch-size"`
	BatchTime       time.Duration `mapstructure:"batch-time"`
	PollingInterval time.Duration `mapstructure:"polling-interval"`

	// Protocol.
	ProtocolVersion string `mapstructure:"protocol-version"`
	MinCompatible   string `mapstructure:"min-compatible-version"`
	BuildID         string `mapstructure:"build-id"`
}

// Default returns the configuration with every default from spec.md §6.
func Default() Config {
	return Config{
		K:                    20,
		Alpha:                3,
		ReplicateK:           3,
		RefreshInterval:      60 * time.Second,
		AggressiveRefreshMin: 15 * time.Second,
		AggressiveRefreshMax: 120 * time.Second,
		StandardRefreshMin:   10 * time.Minute,
		StandardRefreshMax:   30 * time.Minute,
		RepublishInterval:    24 * time.Hour,
		ExpireInterval:       24 * time.Hour,
		PingInterval:         60 * time.Second,
		FindNodeMinInterval:  10 * time.Second,
		PeerFailureThreshold: 3,
		PeerBackoffDuration:  5 * time.Minute,
		RequestTimeout:       10 * time.Second,
		TempRoutingEntryTTL:  2 * time.Minute,

		MessageTimeout:              30 * time.Second,
		MaxQueueSize:                100,
		MessageDeduplicationTimeout: 60 * time.Second,
		WebsocketPendingTTL:         30 * time.Second,
		BootstrapGracePeriod:        5 * time.Second,

		BatchSize:       10,
		BatchTime:       100 * time.Millisecond,
		PollingInterval: 5 * time.Second,

		ProtocolVersion: "1.0.0",
		MinCompatible:   "1.0.0",
	}
}

// BindFlags registers the configuration knobs listed below as pflags on
// flags, bound through v, matching the teacher's cmd/uplink root-command
// setup (spf13/cobra flags bound via spf13/viper). The aggressive and
// standard refresh bounds, request timeout, temporary routing entry TTL,
// websocket pending TTL, bootstrap grace period and minimum compatible
// version have no flag and keep their Default() values.
func BindFlags(flags *pflag.FlagSet, v *viper.Viper) {
	def := Default()

	flags.Int("k", def.K, "kademlia bucket capacity / lookup breadth")
	flags.Int("alpha", def.Alpha, "kademlia lookup concurrency")
	flags.Int("replicate-k", def.ReplicateK, "replication factor for store")
	flags.Duration("refresh-interval", def.RefreshInterval, "base refresh tick")
	flags.Duration("republish-interval", def.RepublishInterval, "republish owned values")
	flags.Duration("expire-interval", def.ExpireInterval, "local value ttl")
	flags.Duration("ping-interval", def.PingInterval, "liveness ping cadence")
	flags.Duration("find-node-min-interval", def.FindNodeMinInterval, "per-peer find_node rate limit")
	flags.Int("peer-failure-threshold", def.PeerFailureThreshold, "consecutive failures before eviction")
	flags.Duration("peer-backoff-duration", def.PeerBackoffDuration, "post-eviction silent period")
	flags.Duration("message-timeout", def.MessageTimeout, "per-peer inbox ttl")
	flags.Int("max-queue-size", def.MaxQueueSize, "per-peer inbox cap")
	flags.Duration("message-dedup-timeout", def.MessageDeduplicationTimeout, "dedup cache ttl")
	flags.Int("batch-size", def.BatchSize, "pub/sub batch size")
	flags.Duration("batch-time", def.BatchTime, "pub/sub batch window")
	flags.Duration("polling-interval", def.PollingInterval, "pub/sub polling fallback")
	flags.String("protocol-version", def.ProtocolVersion, "semver protocol version advertised to bootstrap")
	flags.String("build-id", def.BuildID, "build identifier advertised to bootstrap")

	_ = v.BindPFlags(flags)
}

// FromViper decodes a Config from v, starting from Default() so any flag
// the caller didn't set keeps its default.
func FromViper(v *viper.Viper) (Config, error) {
	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
