// Copyright (c) 2022 Hirotsuna Mizuno. All rights reserved.
// Use of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package swcache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"go.uber.org/zap"
)

// Fetch handles a request. Requests with a method other than GET are passed
// to the network untouched. GET requests are classified and handled with one
// of the strategies:
//
//   - static files: cache first, storing a 200 response in the static
//     partition on a miss. A network failure on a miss is returned.
//   - external resources: network first, storing a 200 response in the
//     dynamic partition. On a network failure, any cached response for the
//     request from any partition is returned.
//   - anything else: network, falling back to any cached response on a
//     network failure.
//
// The request URL may be relative, in which case it is resolved against the
// origin. If no response can be obtained, the returned error wraps the
// network error, and ErrNotFound where a cache lookup was also made.
func (m *Manager) Fetch(ctx context.Context, req *http.Request) (*Response, error) {
	u := m.origin.ResolveReference(req.URL)
	out := req.Clone(ctx)
	out.URL = u

	if req.Method != http.MethodGet {
		return m.fetcher.Fetch(ctx, out) //nolint:wrapcheck
	}

	key, err := NewKey(http.MethodGet, u.String())
	if err != nil {
		return nil, err
	}
	canonical, err := url.Parse(key.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInternal, err)
	}

	st := m.classifier.classify(req.URL.String(), canonical)
	m.log.Debug("Fetch.", zap.Stringer("strategy", st), zap.String("url", key.URL))

	switch st {
	case strategyStatic:
		return m.cacheFirst(ctx, out, key)
	case strategyExternal:
		return m.networkFirst(ctx, out, key)
	}
	return m.networkWithFallback(ctx, out, key)
}

// cacheFirst looks up the static partition and fetches from the network only
// on a miss.
func (m *Manager) cacheFirst(ctx context.Context, req *http.Request, key Key) (*Response, error) {
	if static, ok := m.storage.Lookup(m.staticName); ok {
		resp, hit, err := static.Match(key)
		switch {
		case err != nil:
			m.log.Warn("Cache lookup failed.", zap.String("url", key.URL), zap.Error(err))
		case hit:
			m.log.Debug("Serving from cache.", zap.String("url", key.URL))
			return resp, nil
		}
	}

	m.log.Debug("Downloading.", zap.String("url", key.URL))
	resp, err := m.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, err //nolint:wrapcheck
	}
	if resp.OK() {
		m.store(m.staticName, Limits{}, key, resp)
	}
	return resp, nil
}

// networkFirst fetches from the network, storing a 200 response in the
// dynamic partition, and falls back to the cache on a network failure.
func (m *Manager) networkFirst(ctx context.Context, req *http.Request, key Key) (*Response, error) {
	resp, err := m.fetcher.Fetch(ctx, req)
	if err == nil {
		m.log.Debug("External resource downloaded.", zap.String("url", key.URL))
		if resp.OK() {
			m.store(m.dynamicName, m.dynamicLimits, key, resp)
		}
		return resp, nil
	}

	m.log.Info("External resource offline, using cache.", zap.String("url", key.URL), zap.Error(err))
	return m.fallback(key, err)
}

// networkWithFallback fetches from the network and falls back to the cache on
// a network failure. Nothing is stored.
func (m *Manager) networkWithFallback(ctx context.Context, req *http.Request, key Key) (*Response, error) {
	resp, err := m.fetcher.Fetch(ctx, req)
	if err == nil {
		return resp, nil
	}
	return m.fallback(key, err)
}

// fallback looks up the response for the key in all the partitions after the
// network failed with netErr.
func (m *Manager) fallback(key Key, netErr error) (*Response, error) {
	resp, ok, err := m.storage.Match(key)
	if ok {
		return resp, nil
	}
	if err != nil {
		m.log.Warn("Cache lookup failed.", zap.String("url", key.URL), zap.Error(err))
	}
	return nil, fmt.Errorf("%s: %w: %w", key.URL, ErrNotFound, netErr)
}

// store puts a copy of the response into the named partition. Failures are
// logged and do not affect the response returned to the caller.
func (m *Manager) store(name string, limits Limits, key Key, resp *Response) {
	var (
		p   *Partition
		err error
	)
	if limits.unlimited() {
		p, err = m.storage.Open(name)
	} else {
		p, err = m.storage.OpenWithLimits(name, limits)
	}
	if err == nil {
		err = p.Put(key, resp.Clone())
	}
	if err != nil && !errors.Is(err, ErrInvalidState) {
		m.log.Warn("Failed to store response.", zap.String("partition", name), zap.String("url", key.URL), zap.Error(err))
	}
}

// ServeHTTP responds to the request with the result of Fetch. The request may
// be in origin form, resolved against the origin, or in absolute form as sent
// to a forward proxy. When no response can be obtained it responds with 502.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp, err := m.Fetch(r.Context(), r)
	if err != nil {
		m.log.Warn("Fetch failed.", zap.String("url", r.URL.String()), zap.Error(err))
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}
	if err := resp.Write(w, r.Method); err != nil {
		m.log.Warn("Failed to write response.", zap.Error(err))
	}
}
