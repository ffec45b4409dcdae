// Copyright (c) 2022 Hirotsuna Mizuno. All rights reserved.
// Use of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package swcache

import (
	"fmt"
	"net/url"
	"strings"
)

// MatchMode is the policy to decide whether a request URL refers to one of
// the configured static files or external resources.
type MatchMode int

const (
	// MatchSubstring treats a request as a listed resource when the listed
	// string appears anywhere in the request URL as received. A request
	// to "/foo/./index.html/bar" matches "./index.html". This is loose,
	// but it is how deployed clients have always been classified.
	MatchSubstring MatchMode = iota

	// MatchExact treats a request as a listed resource when the listed
	// path, resolved against the origin, equals the request URL without
	// its query string.
	MatchExact
)

// ParseMatchMode parses "substring" or "exact".
func ParseMatchMode(s string) (MatchMode, error) {
	switch strings.ToLower(s) {
	case "", "substring":
		return MatchSubstring, nil
	case "exact":
		return MatchExact, nil
	}
	return 0, fmt.Errorf("%w: unknown match mode %q", ErrInvalidConfig, s)
}

// String returns the name of the match mode.
func (m MatchMode) String() string {
	switch m {
	case MatchSubstring:
		return "substring"
	case MatchExact:
		return "exact"
	}
	return fmt.Sprintf("MatchMode(%d)", int(m))
}

// strategy is the request handling strategy chosen for a request.
type strategy uint8

const (
	strategyDefault  strategy = iota // network, then cache
	strategyStatic                   // cache first
	strategyExternal                 // network first, store in dynamic
)

// String returns the name of the strategy for log messages.
func (s strategy) String() string {
	switch s {
	case strategyStatic:
		return "cache-first"
	case strategyExternal:
		return "network-first"
	}
	return "network"
}

// classifier decides the strategy for request URLs.
type classifier struct {
	mode     MatchMode
	static   []string
	external []string

	// canonical URLs without query, for MatchExact
	staticURLs   map[string]bool
	externalURLs map[string]bool
}

// newClassifier creates a classifier. Static paths are resolved against
// origin for MatchExact.
func newClassifier(mode MatchMode, origin *url.URL, static, external []string) (*classifier, error) {
	c := &classifier{
		mode:         mode,
		static:       append([]string(nil), static...),
		external:     append([]string(nil), external...),
		staticURLs:   make(map[string]bool, len(static)),
		externalURLs: make(map[string]bool, len(external)),
	}
	for _, s := range static {
		ref, err := url.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("%w: static file %q: %w", ErrInvalidConfig, s, err)
		}
		c.staticURLs[withoutQuery(origin.ResolveReference(ref))] = true
	}
	for _, s := range external {
		u, err := url.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("%w: external resource %q: %w", ErrInvalidConfig, s, err)
		}
		c.externalURLs[withoutQuery(u.ResolveReference(u))] = true
	}
	return c, nil
}

// classify returns the strategy for the request. raw is the request URL as
// received and u is its canonical absolute form.
func (c *classifier) classify(raw string, u *url.URL) strategy {
	if c.mode == MatchExact {
		s := withoutQuery(u)
		switch {
		case c.staticURLs[s]:
			return strategyStatic
		case c.externalURLs[s]:
			return strategyExternal
		}
		return strategyDefault
	}

	for _, s := range c.static {
		if strings.Contains(raw, s) {
			return strategyStatic
		}
	}
	for _, s := range c.external {
		if strings.Contains(raw, s) {
			return strategyExternal
		}
	}
	return strategyDefault
}

// withoutQuery returns the string form of u without query and fragment.
func withoutQuery(u *url.URL) string {
	c := *u
	c.RawQuery, c.ForceQuery = "", false
	c.Fragment, c.RawFragment = "", ""
	return c.String()
}
