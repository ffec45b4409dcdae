// Copyright (c) 2022 Hirotsuna Mizuno. All rights reserved.
// Use of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tunabay/go-swcache"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// maxControlBody is the maximum size of a control request body.
const maxControlBody = 64 << 10

// server represents the proxy. It holds one swcache.Registration, the
// versions of which share the storage.
type server struct {
	pc      *proxyConfig
	fc      *fileConfig
	storage *swcache.Storage
	fetcher swcache.Fetcher
	reg     *swcache.Registration
	router  chi.Router
	log     *zap.Logger
}

// newServer creates a proxy with no version. Call update to install the
// first one.
func newServer(pc *proxyConfig, fc *fileConfig, storage *swcache.Storage, fetcher swcache.Fetcher, log *zap.Logger) *server {
	sv := &server{
		pc:      pc,
		fc:      fc,
		storage: storage,
		fetcher: fetcher,
		reg:     swcache.NewRegistration(log.Named("registration")),
		log:     log,
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		newStorageCollector(storage),
	)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(sv.logRequest)

	r.Route("/_sw", func(r chi.Router) {
		r.Post("/message", sv.handleMessage)
		r.Post("/push", sv.handlePush)
		r.Post("/notificationclick", sv.handleNotificationClick)
		r.Post("/sync", sv.handleSync)
		r.Post("/update", sv.handleUpdate)
		r.Get("/status", sv.handleStatus)
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	r.Handle("/*", sv.reg)
	sv.router = r

	return sv
}

// ServeHTTP implements http.Handler.
func (sv *server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sv.router.ServeHTTP(w, r)
}

// newVersion creates a new version with the current configuration.
func (sv *server) newVersion() (*swcache.Manager, error) {
	conf, err := sv.pc.managerConfig(sv.fc, sv.storage)
	if err != nil {
		return nil, err
	}
	conf.Fetcher = sv.fetcher
	conf.Notifier = logNotifier{log: sv.log.Named("notifier")}
	conf.Clients = logNotifier{log: sv.log.Named("clients")}
	conf.Syncer = logNotifier{log: sv.log.Named("sync")}
	conf.Logger = sv.log.Named("swcache")

	m, err := swcache.NewWithConfig(conf)
	if err != nil {
		return nil, fmt.Errorf("failed to create version: %w", err)
	}
	return m, nil
}

// update creates a new version with the current configuration and registers
// it.
func (sv *server) update(ctx context.Context) error {
	m, err := sv.newVersion()
	if err != nil {
		return err
	}
	if err := sv.reg.Register(ctx, m); err != nil {
		return fmt.Errorf("failed to register version: %w", err)
	}
	return nil
}

// start brings up the first version. If it can not be installed, typically
// because the origin is unreachable, the version is restored from the static
// partition a previous run left in the cache dir.
func (sv *server) start(ctx context.Context) error {
	uerr := sv.update(ctx)
	if uerr == nil {
		return nil
	}
	sv.log.Warn("Install failed, restoring from the cache.", zap.Error(uerr))

	m, err := sv.newVersion()
	if err != nil {
		return err
	}
	if err := sv.reg.Restore(ctx, m); err != nil {
		return multierr.Combine(uerr, fmt.Errorf("failed to restore version: %w", err))
	}
	return nil
}

// logStatus logs the partition status at every interval until ctx is done.
func (sv *server) logStatus(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, st := range sv.storage.Status() {
			sv.log.Info("Cache status.", zap.Stringer("partition", st))
		}
	}
}

// logRequest is the middleware logging every request.
func (sv *server) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		startedAt := time.Now()
		next.ServeHTTP(ww, r)
		sv.log.Debug("Request.",
			zap.String("id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("url", r.URL.String()),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("elapsed", time.Since(startedAt)),
		)
	})
}

// handleMessage delivers a control message to the active version, or the
// waiting one with ?worker=waiting. Replies are returned as a JSON array.
func (sv *server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg swcache.Message
	if err := decodeJSON(r, &msg); err != nil {
		sv.errorf(w, http.StatusBadRequest, "Invalid message: %v", err)
		return
	}

	var (
		replies = []any{}
		mu      sync.Mutex
	)
	port := swcache.PortFunc(func(v any) error {
		mu.Lock()
		defer mu.Unlock()
		replies = append(replies, v)
		return nil
	})
	toWaiting := r.URL.Query().Get("worker") == "waiting"
	if err := sv.reg.PostMessage(r.Context(), msg, port, toWaiting); err != nil {
		sv.errorf(w, http.StatusInternalServerError, "Message failed: %v", err)
		return
	}

	mu.Lock()
	defer mu.Unlock()
	sv.writeJSON(w, http.StatusOK, replies)
}

// handlePush delivers the request body as a push message. An empty body is a
// push without payload.
func (sv *server) handlePush(w http.ResponseWriter, r *http.Request) {
	m := sv.active(w)
	if m == nil {
		return
	}
	b, err := io.ReadAll(io.LimitReader(r.Body, maxControlBody))
	if err != nil {
		sv.errorf(w, http.StatusBadRequest, "Failed to read body: %v", err)
		return
	}
	ev := &swcache.PushEvent{}
	if len(b) != 0 {
		ev.Data = b
	}
	if err := m.Dispatch(r.Context(), ev); err != nil {
		sv.errorf(w, http.StatusInternalServerError, "Push failed: %v", err)
		return
	}
	sv.writeJSON(w, http.StatusOK, ev.Notification)
}

// handleNotificationClick delivers a notification click.
func (sv *server) handleNotificationClick(w http.ResponseWriter, r *http.Request) {
	m := sv.active(w)
	if m == nil {
		return
	}
	var req struct {
		Action       string `json:"action"`
		Notification string `json:"notification"`
	}
	if err := decodeJSON(r, &req); err != nil {
		sv.errorf(w, http.StatusBadRequest, "Invalid request: %v", err)
		return
	}
	ev := &swcache.NotificationClickEvent{NotificationID: req.Notification, Action: req.Action}
	if err := m.Dispatch(r.Context(), ev); err != nil {
		sv.errorf(w, http.StatusInternalServerError, "Notification click failed: %v", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSync delivers a background sync request.
func (sv *server) handleSync(w http.ResponseWriter, r *http.Request) {
	m := sv.active(w)
	if m == nil {
		return
	}
	var req struct {
		Tag string `json:"tag"`
	}
	if err := decodeJSON(r, &req); err != nil {
		sv.errorf(w, http.StatusBadRequest, "Invalid request: %v", err)
		return
	}
	if err := m.Dispatch(r.Context(), &swcache.SyncEvent{Tag: req.Tag}); err != nil {
		sv.errorf(w, http.StatusInternalServerError, "Sync failed: %v", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleUpdate installs a new version.
func (sv *server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if err := sv.update(r.Context()); err != nil {
		sv.errorf(w, http.StatusInternalServerError, "Update failed: %v", err)
		return
	}
	sv.handleStatus(w, r)
}

// status is the response of /_sw/status.
type status struct {
	Active     *versionStatus    `json:"active"`
	Waiting    *versionStatus    `json:"waiting"`
	Partitions []*swcache.Status `json:"partitions"`
}

type versionStatus struct {
	Version string        `json:"version"`
	State   swcache.State `json:"state"`
}

func newVersionStatus(m *swcache.Manager) *versionStatus {
	if m == nil {
		return nil
	}
	return &versionStatus{Version: m.Version(), State: m.State()}
}

// handleStatus reports the versions and the partitions.
func (sv *server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	sv.writeJSON(w, http.StatusOK, &status{
		Active:     newVersionStatus(sv.reg.Active()),
		Waiting:    newVersionStatus(sv.reg.Waiting()),
		Partitions: sv.storage.Status(),
	})
}

// active returns the active version. Without one it responds with 503 and
// returns nil.
func (sv *server) active(w http.ResponseWriter) *swcache.Manager {
	m := sv.reg.Active()
	if m == nil {
		sv.errorf(w, http.StatusServiceUnavailable, "No active version.")
	}
	return m
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxControlBody))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("empty body")
		}
		return err //nolint:wrapcheck
	}
	return nil
}

func (sv *server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		sv.log.Warn("Failed to write response.", zap.Error(err))
	}
}

func (sv *server) errorf(w http.ResponseWriter, code int, format string, v ...any) {
	msg := fmt.Sprintf(format, v...)
	sv.log.Info("Control request failed.", zap.Int("status", code), zap.String("error", msg))
	http.Error(w, msg, code)
}
