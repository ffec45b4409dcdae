// Copyright (c) 2022 Hirotsuna Mizuno. All rights reserved.
// Use of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package swcache

import (
	"fmt"
	"net/url"

	"github.com/tunabay/go-infounit"
	"go.uber.org/zap"
)

// Config represents the parameters to configure Manager creation.
type Config struct {
	// The generation tag identifying this deployment. It is reported by
	// the GET_VERSION message. Bump it when the static assets change.
	Version string

	// The names of the static and dynamic partitions. At activation, every
	// partition whose name is not one of these two is deleted.
	StaticCache  string
	DynamicCache string

	// The paths pre-cached at install time and served cache-first. They
	// are resolved against Origin to fetch them.
	StaticFiles []string

	// The absolute URLs of external resources served network-first.
	ExternalResources []string

	// The base URL of the application. Relative request URLs and static
	// file paths are resolved against it.
	Origin string

	// The policy to classify request URLs against StaticFiles and
	// ExternalResources.
	Match MatchMode

	// If true, a successfully installed version does not ask to skip
	// waiting. When another version is active, it stays waiting until a
	// SKIP_WAITING message or Registration.SkipWaiting.
	DeferActivation bool

	// The limits of the dynamic partition. Zero value means unlimited.
	DynamicLimits Limits

	// The partition storage shared by all versions. Required.
	Storage *Storage

	// The network. If nil, an HTTPFetcher with a pooled client is used.
	Fetcher Fetcher

	// The collaborators for push notifications, notification clicks and
	// background sync. Nil values discard the requests.
	Notifier Notifier
	Clients  Clients
	Syncer   Syncer

	// If not nil, Manager outputs log messages to this Logger.
	Logger *zap.Logger
}

// GenPeticiones defaults.
const (
	DefaultVersion      = "genpeticiones-v1.0.0"
	DefaultStaticCache  = "genpeticiones-static-v1"
	DefaultDynamicCache = "genpeticiones-dynamic-v1"
)

// DefaultStaticFiles returns the assets of the GenPeticiones application
// pre-cached at install time.
func DefaultStaticFiles() []string {
	return []string{
		"./",
		"./index.html",
		"./manifest.json",
		"./icon-192.png",
		"./icon-512.png",
	}
}

// DefaultExternalResources returns the CDN scripts used by the GenPeticiones
// application.
func DefaultExternalResources() []string {
	return []string{
		"https://cdnjs.cloudflare.com/ajax/libs/jspdf/2.5.1/jspdf.umd.min.js",
		"https://cdnjs.cloudflare.com/ajax/libs/hammer.js/2.0.8/hammer.min.js",
	}
}

// DefaultConfig returns the GenPeticiones configuration for the application
// served at origin, using storage for the partitions.
func DefaultConfig(origin string, storage *Storage) *Config {
	return &Config{
		Version:           DefaultVersion,
		StaticCache:       DefaultStaticCache,
		DynamicCache:      DefaultDynamicCache,
		StaticFiles:       DefaultStaticFiles(),
		ExternalResources: DefaultExternalResources(),
		Origin:            origin,
		Match:             MatchSubstring,
		DynamicLimits: Limits{
			MaxEntries: 64,
			MaxSize:    infounit.Megabyte * 32,
		},
		Storage: storage,
	}
}

// validate checks the configuration and returns the parsed origin.
func (conf *Config) validate() (*url.URL, error) {
	switch {
	case conf.Version == "":
		return nil, fmt.Errorf("%w: empty Version", ErrInvalidConfig)
	case conf.StaticCache == "":
		return nil, fmt.Errorf("%w: empty StaticCache", ErrInvalidConfig)
	case conf.DynamicCache == "":
		return nil, fmt.Errorf("%w: empty DynamicCache", ErrInvalidConfig)
	case conf.StaticCache == conf.DynamicCache:
		return nil, fmt.Errorf("%w: StaticCache and DynamicCache are the same", ErrInvalidConfig)
	case conf.Storage == nil:
		return nil, fmt.Errorf("%w: nil Storage", ErrInvalidConfig)
	case conf.Match != MatchSubstring && conf.Match != MatchExact:
		return nil, fmt.Errorf("%w: unknown Match %d", ErrInvalidConfig, conf.Match)
	}
	origin, err := url.Parse(conf.Origin)
	if err != nil {
		return nil, fmt.Errorf("%w: Origin: %w", ErrInvalidConfig, err)
	}
	if !origin.IsAbs() || origin.Host == "" {
		return nil, fmt.Errorf("%w: Origin %q is not an absolute URL", ErrInvalidConfig, conf.Origin)
	}
	for _, s := range conf.ExternalResources {
		if s == "" {
			return nil, fmt.Errorf("%w: empty external resource", ErrInvalidConfig)
		}
	}
	for _, s := range conf.StaticFiles {
		if s == "" {
			return nil, fmt.Errorf("%w: empty static file", ErrInvalidConfig)
		}
	}
	return origin, nil
}
