// Copyright (c) 2022 Hirotsuna Mizuno. All rights reserved.
// Use of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package swcache

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Registration is the hosting runtime of the Manager versions. It drives the
// install and activation of new versions and routes requests and messages to
// the active version. A version whose install fails never replaces the
// active one.
type Registration struct {
	active  atomic.Pointer[Manager]
	waiting *Manager
	mu      sync.Mutex // serializes Register and SkipWaiting

	log *zap.Logger
}

// NewRegistration creates a Registration with no version.
func NewRegistration(log *zap.Logger) *Registration {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registration{log: log}
}

// Register installs the new version m. If the install succeeds and m asked
// to skip waiting, or there is no active version yet, m is activated and
// claims all the requests. Otherwise m waits until SkipWaiting. If the install
// fails, the previously active version keeps serving.
func (r *Registration) Register(ctx context.Context, m *Manager) error {
	return r.register(ctx, m, func() error {
		return m.Dispatch(ctx, &InstallEvent{})
	})
}

// Restore is like Register, but installs m with Manager.Restore from the
// static partition already in the storage instead of fetching the static
// files. It is used to bring a version back after a restart when the origin
// is unreachable.
func (r *Registration) Restore(ctx context.Context, m *Manager) error {
	return r.register(ctx, m, func() error {
		return m.Restore(ctx)
	})
}

func (r *Registration) register(ctx context.Context, m *Manager, install func() error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m.attach(r)
	if err := install(); err != nil {
		r.log.Error("Version rejected.", zap.String("version", m.Version()), zap.Error(err))
		return err
	}
	if r.waiting != nil && r.waiting != m {
		r.log.Info("Waiting version replaced.", zap.String("version", r.waiting.Version()))
	}
	r.waiting = m

	if m.skipWaitingRequested() || r.active.Load() == nil {
		return r.activateWaiting(ctx)
	}
	r.log.Info("Version waiting.", zap.String("version", m.Version()))

	return nil
}

// SkipWaiting activates the waiting version, if any.
func (r *Registration) SkipWaiting(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.waiting == nil {
		return nil
	}
	return r.activateWaiting(ctx)
}

// skipWaiting implements host. It activates m if m is the waiting version.
func (r *Registration) skipWaiting(ctx context.Context, m *Manager) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.waiting != m {
		return nil
	}
	return r.activateWaiting(ctx)
}

// activateWaiting activates the waiting version. It must be called with r.mu
// held.
func (r *Registration) activateWaiting(ctx context.Context) error {
	m := r.waiting
	r.waiting = nil
	return m.Dispatch(ctx, &ActivateEvent{})
}

// claim implements host. All subsequent requests go to m.
func (r *Registration) claim(m *Manager) {
	if prev := r.active.Swap(m); prev != nil && prev != m {
		r.log.Info("Clients claimed.", zap.String("version", m.Version()), zap.String("previous", prev.Version()))
		return
	}
	r.log.Info("Clients claimed.", zap.String("version", m.Version()))
}

// Active returns the active version, or nil if there is none.
func (r *Registration) Active() *Manager { return r.active.Load() }

// Waiting returns the version installed and waiting for activation, or nil.
func (r *Registration) Waiting() *Manager {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waiting
}

// PostMessage delivers a control message to the active version, or to the
// waiting one if toWaiting is true. It does nothing if there is no such
// version.
func (r *Registration) PostMessage(ctx context.Context, msg Message, port Port, toWaiting bool) error {
	m := r.Active()
	if toWaiting {
		m = r.Waiting()
	}
	if m == nil {
		r.log.Debug("No version to deliver message.", zap.String("type", string(msg.Type)))
		return nil
	}
	ev := &MessageEvent{Data: msg}
	if port != nil {
		ev.Ports = []Port{port}
	}
	return m.Dispatch(ctx, ev)
}

// ServeHTTP routes the request to the active version. Without an active
// version it responds with 503.
func (r *Registration) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	m := r.Active()
	if m == nil {
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}
	m.ServeHTTP(w, req)
}
