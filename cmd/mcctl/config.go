/*
Copyright 2011 The gomemcache AUTHORS

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Assertive-Yield/nbmemcache/memcache"
)

const (
	// envPrefix is prepended to every flag when read from the environment,
	// so --failure-mode becomes MCCTL_FAILURE_MODE.
	envPrefix = "MCCTL"

	// wrap is the column the flag help text is wrapped at.
	wrap = 50
)

// wrapString wraps text at wrap characters.
func wrapString(text string) string {
	var lines []string
	var line strings.Builder
	for _, word := range strings.Fields(text) {
		if line.Len() > 0 && line.Len()+1+len(word) > wrap {
			lines = append(lines, line.String())
			line.Reset()
		}
		if line.Len() > 0 {
			line.WriteByte(' ')
		}
		line.WriteString(word)
	}
	if line.Len() > 0 {
		lines = append(lines, line.String())
	}
	return strings.Join(lines, "\n")
}

// initConfig loads .env files and lets MCCTL_* variables override flag
// defaults. Missing .env files are not an error.
func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func setupClientFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.StringSlice("servers", []string{"localhost:11211"}, wrapString("Comma separated memcached addresses, host:port or a unix socket path"))
	f.String("discovery", "", wrapString("Address of a cluster config endpoint. When set, --servers is ignored and the node list is discovered"))
	f.Duration("poll-interval", time.Minute, wrapString("How often the discovery endpoint is polled"))
	f.String("protocol", string(memcache.TextProtocol), wrapString("Wire protocol: text or binary"))
	f.String("locator", string(memcache.ArrayModLocatorType), wrapString("Key distribution: arraymod, ketama, jump or hashring"))
	f.String("hash", memcache.NativeHash.String(), wrapString("Hash algorithm used by the locator"))
	f.String("node-key-format", string(memcache.NodeKeyAddress), wrapString("How nodes are named on a ketama ring: address, spymemcached or libmemcached"))
	f.String("failure-mode", string(memcache.FailureModeRedistribute), wrapString("What happens to the work of a lost node: cancel, retry or redistribute"))
	f.Duration("op-timeout", memcache.DefaultOperationTimeout, wrapString("How long an operation may stay queued or in flight"))
	f.Duration("dial-timeout", memcache.DefaultTimeout, wrapString("Timeout for establishing a connection"))
	f.Int("max-value-size", memcache.DefaultMaxValueSize, wrapString("Largest value a reply may declare before the connection is treated as corrupt"))
	f.String("log-level", "warn", wrapString("Log level: debug, info, warn or error"))
	f.Bool("metrics", false, wrapString("Print the client counters in Prometheus format after the command"))
}

// bindFlags binds the flags of cmd to viper so that environment
// variables can supply them.
func bindFlags(cmd *cobra.Command) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	return viper.BindPFlags(cmd.PersistentFlags())
}

// servers returns the configured servers. Environment values may be comma
// or space separated.
func servers() []string {
	var out []string
	for _, s := range viper.GetStringSlice("servers") {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func logger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})), nil
}

// clientConfig builds the connection config from flags and environment.
func clientConfig() (*memcache.ConnectionFactoryConfig, error) {
	cfg := memcache.DefaultConfig(servers()...)
	hash, err := memcache.ParseHashAlgorithm(viper.GetString("hash"))
	if err != nil {
		return nil, err
	}
	log, err := logger()
	if err != nil {
		return nil, err
	}
	cfg.HashAlgorithm = hash
	cfg.Protocol = memcache.Protocol(viper.GetString("protocol"))
	cfg.Locator = memcache.LocatorType(viper.GetString("locator"))
	cfg.NodeKeyFormat = memcache.NodeKeyFormat(viper.GetString("node-key-format"))
	cfg.FailureMode = memcache.FailureMode(viper.GetString("failure-mode"))
	cfg.OperationTimeout = viper.GetDuration("op-timeout")
	cfg.DialTimeout = viper.GetDuration("dial-timeout")
	cfg.MaxValueSize = viper.GetInt("max-value-size")
	cfg.Logger = log
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newClient connects either to the static server list or through a
// discovery endpoint.
func newClient() (*memcache.Client, error) {
	cfg, err := clientConfig()
	if err != nil {
		return nil, err
	}
	if addr := viper.GetString("discovery"); addr != "" {
		return memcache.NewDiscoveryClientWithConfig(addr, viper.GetDuration("poll-interval"), cfg)
	}
	return memcache.NewWithConfig(cfg)
}
