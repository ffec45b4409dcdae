// Copyright (c) 2022 Hirotsuna Mizuno. All rights reserved.
// Use of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package swcache

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Manager represents one deployed version of the cache manager. It owns the
// life cycle of the version and serves requests with the caching strategies
// once activated.
type Manager struct {
	version       string
	staticName    string
	dynamicName   string
	staticFiles   []string
	dynamicLimits Limits
	deferActivate bool
	origin        *url.URL
	classifier    *classifier

	storage  *Storage
	fetcher  Fetcher
	notifier Notifier
	clients  Clients
	syncer   Syncer

	state       State
	skipWaiting bool
	host        host
	mu          sync.Mutex

	log *zap.Logger
}

// host is the interface implemented by the runtime hosting a Manager.
type host interface {
	// skipWaiting activates m now if it is waiting.
	skipWaiting(ctx context.Context, m *Manager) error

	// claim makes m the version serving all requests.
	claim(m *Manager)
}

// New creates a Manager with the GenPeticiones configuration for the
// application served at origin.
func New(origin string, storage *Storage) (*Manager, error) {
	return NewWithConfig(DefaultConfig(origin, storage))
}

// NewWithConfig creates a Manager using the given configuration parameters.
func NewWithConfig(conf *Config) (*Manager, error) {
	origin, err := conf.validate()
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(origin.Path, "/") {
		origin.Path += "/"
		if origin.RawPath != "" {
			origin.RawPath += "/"
		}
	}
	cl, err := newClassifier(conf.Match, origin, conf.StaticFiles, conf.ExternalResources)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		version:       conf.Version,
		staticName:    conf.StaticCache,
		dynamicName:   conf.DynamicCache,
		staticFiles:   append([]string(nil), conf.StaticFiles...),
		dynamicLimits: conf.DynamicLimits,
		deferActivate: conf.DeferActivation,
		origin:        origin,
		classifier:    cl,
		storage:       conf.Storage,
		fetcher:       conf.Fetcher,
		notifier:      conf.Notifier,
		clients:       conf.Clients,
		syncer:        conf.Syncer,
		log:           conf.Logger,
	}
	if m.fetcher == nil {
		m.fetcher = NewHTTPFetcher()
	}
	if m.log == nil {
		m.log = zap.NewNop()
	}
	m.log = m.log.With(zap.String("version", m.version))

	return m, nil
}

// Version returns the generation tag of the version.
func (m *Manager) Version() string { return m.version }

// Origin returns the base URL of the application.
func (m *Manager) Origin() *url.URL {
	u := *m.origin
	return &u
}

// State returns the current life cycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// transition moves the state from one to another. It fails if the current
// state is not from or the transition is not allowed.
func (m *Manager) transition(from, to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != from || !canTransition(from, to) {
		return fmt.Errorf("%w: %v -> %v in state %v", ErrInvalidState, from, to, m.state)
	}
	m.state = to
	return nil
}

// attach binds the version to the hosting runtime.
func (m *Manager) attach(h host) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.host = h
}

// Install pre-caches every static file into the static partition. All the
// files are fetched first, and they are stored only if every fetch returned
// status 200. If any of them fails, the install fails as a whole, the state
// goes back to uninstalled and the version never becomes active. No retry is
// made. On success, the version asks to be activated without waiting unless
// DeferActivation is configured.
func (m *Manager) Install(ctx context.Context) error {
	if err := m.transition(StateUninstalled, StateInstalling); err != nil {
		return err
	}
	m.log.Info("Installing...")

	if err := m.precache(ctx); err != nil {
		m.mu.Lock()
		m.state = StateUninstalled
		m.mu.Unlock()
		m.log.Error("Install failed.", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrInstall, err)
	}

	m.mu.Lock()
	m.state = StateInstalled
	if !m.deferActivate {
		m.skipWaiting = true
	}
	m.mu.Unlock()
	m.log.Info("Install completed.")

	return nil
}

// installingSuffix is appended to the static partition name to form the
// scratch partition filled during install.
const installingSuffix = ".installing"

// precache fetches all the static files concurrently and stores them. The
// responses are written to a scratch partition first and moved into the
// static partition only after every one of them has been stored, so a failed
// install leaves the static partition as it was.
func (m *Manager) precache(ctx context.Context) error {
	type fetched struct {
		key  Key
		resp *Response
	}
	results := make([]fetched, len(m.staticFiles))

	g, gctx := errgroup.WithContext(ctx)
	for i, file := range m.staticFiles {
		g.Go(func() error {
			req, key, err := m.staticRequest(gctx, file)
			if err != nil {
				return err
			}
			resp, err := m.fetcher.Fetch(gctx, req)
			if err != nil {
				return fmt.Errorf("%s: %w", file, err)
			}
			if !resp.OK() {
				return fmt.Errorf("%s: unexpected status %d", file, resp.Status)
			}
			results[i] = fetched{key: key, resp: resp}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err //nolint:wrapcheck
	}

	scratch := m.staticName + installingSuffix
	if _, err := m.storage.Delete(scratch); err != nil {
		return err
	}
	part, err := m.storage.Open(scratch)
	if err != nil {
		return err
	}
	m.log.Info("Caching static files.", zap.Int("files", len(results)))
	for _, r := range results {
		if err := part.Put(r.key, r.resp); err != nil {
			if _, derr := m.storage.Delete(scratch); derr != nil {
				err = multierr.Append(err, derr)
			}
			return err
		}
	}
	return m.storage.merge(scratch, m.staticName)
}

// staticRequest builds the GET request for the static file and its key.
func (m *Manager) staticRequest(ctx context.Context, file string) (*http.Request, Key, error) {
	ref, err := url.Parse(file)
	if err != nil {
		return nil, Key{}, fmt.Errorf("%s: %w", file, err)
	}
	u := m.origin.ResolveReference(ref)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, Key{}, fmt.Errorf("%s: %w", file, err)
	}
	key, err := RequestKey(req)
	if err != nil {
		return nil, Key{}, fmt.Errorf("%s: %w", file, err)
	}
	return req, key, nil
}

// Restore installs the version from the static partition left in the
// storage by an earlier install of the same partition name, without fetching
// anything. It lets a process restart while the network is unavailable. It
// fails with ErrInstall, and the state goes back to uninstalled, unless every
// static file is present in the partition. On success, the version asks to be
// activated without waiting unless DeferActivation is configured.
func (m *Manager) Restore(ctx context.Context) error {
	if err := m.transition(StateUninstalled, StateInstalling); err != nil {
		return err
	}
	m.log.Info("Restoring from the cache...")

	if err := m.checkStatic(ctx); err != nil {
		m.mu.Lock()
		m.state = StateUninstalled
		m.mu.Unlock()
		m.log.Warn("Restore failed.", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrInstall, err)
	}

	m.mu.Lock()
	m.state = StateInstalled
	if !m.deferActivate {
		m.skipWaiting = true
	}
	m.mu.Unlock()
	m.log.Info("Restore completed.")

	return nil
}

// checkStatic verifies that the static partition has every static file.
func (m *Manager) checkStatic(ctx context.Context) error {
	static, ok := m.storage.Lookup(m.staticName)
	if !ok {
		return fmt.Errorf("%s: %w", m.staticName, ErrNotFound)
	}
	for _, file := range m.staticFiles {
		_, key, err := m.staticRequest(ctx, file)
		if err != nil {
			return err
		}
		ok, err := static.Contains(key)
		switch {
		case err != nil:
			return err
		case !ok:
			return fmt.Errorf("%s: %s: %w", m.staticName, file, ErrNotFound)
		}
	}
	return nil
}

// SkipWaiting asks for the version to be activated immediately, without
// waiting for the clients of the active version to go away. If the version is
// already installed and waiting, it is activated by the hosting runtime now.
func (m *Manager) SkipWaiting(ctx context.Context) error {
	m.mu.Lock()
	m.skipWaiting = true
	h, state := m.host, m.state
	m.mu.Unlock()

	if h == nil || state != StateInstalled {
		return nil
	}
	return h.skipWaiting(ctx, m)
}

// skipWaitingRequested reports whether SkipWaiting has been requested.
func (m *Manager) skipWaitingRequested() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.skipWaiting
}

// Activate deletes every partition whose name is neither the static nor the
// dynamic partition name of this version, and only after all the deletions
// completed, claims the clients so that subsequent requests are handled by
// this version. Failures to delete stale partitions are logged and do not
// prevent the activation.
func (m *Manager) Activate(ctx context.Context) error {
	if m.State() == StateUninstalled {
		return ErrNotInstalled
	}
	if err := m.transition(StateInstalled, StateActivating); err != nil {
		return err
	}
	m.log.Info("Activating...")

	var stale []string
	for _, name := range m.storage.Keys() {
		if name != m.staticName && name != m.dynamicName {
			stale = append(stale, name)
		}
	}
	if err := m.deletePartitions(ctx, stale); err != nil {
		m.log.Warn("Failed to delete stale partitions.", zap.Error(err))
	}

	if err := m.transition(StateActivating, StateActivated); err != nil {
		return err
	}
	m.log.Info("Activation completed.")

	m.mu.Lock()
	h := m.host
	m.mu.Unlock()
	if h != nil {
		h.claim(m)
	}

	return nil
}

// deletePartitions deletes the named partitions concurrently and waits for
// all of them. Every failure is reported.
func (m *Manager) deletePartitions(ctx context.Context, names []string) error {
	var (
		errs error
		mu   sync.Mutex
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err //nolint:wrapcheck
			}
			m.log.Info("Deleting partition.", zap.String("partition", name))
			if _, err := m.storage.Delete(name); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		errs = multierr.Append(errs, err)
	}
	return errs
}

// clearCaches deletes every partition, of all versions.
func (m *Manager) clearCaches(ctx context.Context) error {
	return m.deletePartitions(ctx, m.storage.Keys())
}
