// Copyright (c) 2022 Hirotsuna Mizuno. All rights reserved.
// Use of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/tunabay/go-infounit"
	"github.com/tunabay/go-swcache"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

var errConfig = errors.New("invalid configuration")

// proxyConfig is the proxy configuration read from the environment and
// overridden by command line flags.
type proxyConfig struct {
	Listen   string `env:"SWPROXY_LISTEN" envDefault:":8080"`
	Origin   string `env:"SWPROXY_ORIGIN"`
	CacheDir string `env:"SWPROXY_CACHE_DIR" envDefault:"swproxy"`
	Config   string `env:"SWPROXY_CONFIG"`
	Match    string `env:"SWPROXY_MATCH" envDefault:"substring"`
	Debug    bool   `env:"SWPROXY_DEBUG"`

	matchMode swcache.MatchMode
}

// loadProxyConfig reads the environment, or environ if not nil, and applies
// the flags set on the command line.
func loadProxyConfig(cmd *cli.Command, environ map[string]string) (*proxyConfig, error) {
	pc := &proxyConfig{}
	if err := env.ParseWithOptions(pc, env.Options{Environment: environ}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if cmd != nil {
		for name, dst := range map[string]*string{
			"listen":    &pc.Listen,
			"origin":    &pc.Origin,
			"cache-dir": &pc.CacheDir,
			"config":    &pc.Config,
			"match":     &pc.Match,
		} {
			if cmd.IsSet(name) {
				*dst = cmd.String(name)
			}
		}
		if cmd.IsSet("debug") {
			pc.Debug = cmd.Bool("debug")
		}
	}

	if pc.Origin == "" {
		return nil, fmt.Errorf("%w: origin is required", errConfig)
	}
	mode, err := swcache.ParseMatchMode(pc.Match)
	if err != nil {
		return nil, err //nolint:wrapcheck
	}
	pc.matchMode = mode

	return pc, nil
}

// fileConfig is the optional YAML file overriding the cache configuration.
// Empty fields keep the defaults.
type fileConfig struct {
	Version           string       `yaml:"version"`
	StaticCache       string       `yaml:"static_cache"`
	DynamicCache      string       `yaml:"dynamic_cache"`
	StaticFiles       []string     `yaml:"static_files"`
	ExternalResources []string     `yaml:"external_resources"`
	DeferActivation   bool         `yaml:"defer_activation"`
	Dynamic           *limitConfig `yaml:"dynamic"`
}

// limitConfig is the limits of the dynamic partition.
type limitConfig struct {
	MaxEntries uint64 `yaml:"max_entries"`
	MaxBytes   uint64 `yaml:"max_bytes"`
	MaxAge     string `yaml:"max_age"`
}

// loadFileConfig reads the YAML file. An empty path yields an empty
// configuration.
func loadFileConfig(path string) (*fileConfig, error) {
	fc := &fileConfig{}
	if path == "" {
		return fc, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := yaml.Unmarshal(b, fc); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return fc, nil
}

// managerConfig returns the configuration of a new swcache version.
func (pc *proxyConfig) managerConfig(fc *fileConfig, storage *swcache.Storage) (*swcache.Config, error) {
	conf := swcache.DefaultConfig(pc.Origin, storage)
	conf.Match = pc.matchMode

	if fc.Version != "" {
		conf.Version = fc.Version
	}
	if fc.StaticCache != "" {
		conf.StaticCache = fc.StaticCache
	}
	if fc.DynamicCache != "" {
		conf.DynamicCache = fc.DynamicCache
	}
	if fc.StaticFiles != nil {
		conf.StaticFiles = fc.StaticFiles
	}
	if fc.ExternalResources != nil {
		conf.ExternalResources = fc.ExternalResources
	}
	conf.DeferActivation = fc.DeferActivation

	if d := fc.Dynamic; d != nil {
		conf.DynamicLimits = swcache.Limits{
			MaxEntries: d.MaxEntries,
			MaxSize:    infounit.ByteCount(d.MaxBytes),
		}
		if d.MaxAge != "" {
			age, err := time.ParseDuration(d.MaxAge)
			if err != nil {
				return nil, fmt.Errorf("%w: dynamic.max_age: %w", errConfig, err)
			}
			conf.DynamicLimits.MaxAge = age
		}
	}

	return conf, nil
}
