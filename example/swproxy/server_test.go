// Copyright (c) 2022 Hirotsuna Mizuno. All rights reserved.
// Use of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunabay/go-swcache"
	"go.uber.org/zap/zaptest"
)

// testOrigin serves index.html, unless offline is set.
type testOrigin struct {
	offline atomic.Bool
	calls   atomic.Int64
}

func (o *testOrigin) Fetch(_ context.Context, req *http.Request) (*swcache.Response, error) {
	o.calls.Add(1)
	if o.offline.Load() {
		return nil, errors.New("offline")
	}
	if req.URL.String() != "https://app.example/index.html" {
		return &swcache.Response{Status: http.StatusNotFound, Header: http.Header{}, Body: []byte("not found")}, nil
	}
	return &swcache.Response{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": {"text/html"}},
		Body:   []byte("<html>index</html>"),
	}, nil
}

func newTestServer(t *testing.T, origin *testOrigin) *server {
	t.Helper()
	return newTestServerOn(t, origin, swcache.NewMemoryStorage(zaptest.NewLogger(t)))
}

func newTestServerOn(t *testing.T, origin *testOrigin, storage *swcache.Storage) *server {
	t.Helper()
	log := zaptest.NewLogger(t)
	pc := &proxyConfig{Origin: "https://app.example/", matchMode: swcache.MatchExact}
	fc := &fileConfig{StaticFiles: []string{"./index.html"}, ExternalResources: []string{}}
	return newServer(pc, fc, storage, origin, log)
}

// openDir opens the cache dir as a new process would.
func openDir(t *testing.T, dir string) *swcache.Storage {
	t.Helper()
	storage, err := swcache.NewStorage(&swcache.StorageConfig{Dir: dir, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	return storage
}

func doRequest(sv *server, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	sv.ServeHTTP(rec, req)
	return rec
}

func TestServerWithoutVersion(t *testing.T) {
	sv := newTestServer(t, &testOrigin{})

	rec := doRequest(sv, http.MethodGet, "/index.html", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = doRequest(sv, http.MethodPost, "/_sw/push", "hello")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServerServesOffline(t *testing.T) {
	origin := &testOrigin{}
	sv := newTestServer(t, origin)
	require.NoError(t, sv.update(context.Background()))

	origin.offline.Store(true)
	before := origin.calls.Load()

	rec := doRequest(sv, http.MethodGet, "/index.html", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "<html>index</html>", rec.Body.String())
	assert.Equal(t, "text/html", rec.Header().Get("Content-Type"))
	assert.Equal(t, before, origin.calls.Load())

	rec = doRequest(sv, http.MethodGet, "/api/data", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestServerStartOfflineRestoresFromCacheDir(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first := newTestServerOn(t, &testOrigin{}, openDir(t, dir))
	require.NoError(t, first.start(ctx))

	origin := &testOrigin{}
	origin.offline.Store(true)
	sv := newTestServerOn(t, origin, openDir(t, dir))
	require.NoError(t, sv.start(ctx))
	require.NotNil(t, sv.reg.Active())

	rec := doRequest(sv, http.MethodGet, "/index.html", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "<html>index</html>", rec.Body.String())
}

func TestServerStartOfflineWithEmptyCacheDir(t *testing.T) {
	origin := &testOrigin{}
	origin.offline.Store(true)
	sv := newTestServerOn(t, origin, openDir(t, t.TempDir()))

	err := sv.start(context.Background())
	require.ErrorIs(t, err, swcache.ErrInstall)
	assert.ErrorIs(t, err, swcache.ErrNotFound)
	assert.Nil(t, sv.reg.Active())

	rec := doRequest(sv, http.MethodGet, "/index.html", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServerMessage(t *testing.T) {
	sv := newTestServer(t, &testOrigin{})
	require.NoError(t, sv.update(context.Background()))

	rec := doRequest(sv, http.MethodPost, "/_sw/message", `{"type":"GET_VERSION"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"version":"genpeticiones-v1.0.0","status":"active"}]`, rec.Body.String())

	rec = doRequest(sv, http.MethodPost, "/_sw/message", `{"type":"UNKNOWN"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = doRequest(sv, http.MethodPost, "/_sw/message", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(sv, http.MethodPost, "/_sw/message", `{"type":"CLEAR_CACHE"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"success":true,"message":"Cache cleared successfully"}]`, rec.Body.String())
	assert.Empty(t, sv.storage.Keys())
}

func TestServerPush(t *testing.T) {
	sv := newTestServer(t, &testOrigin{})
	require.NoError(t, sv.update(context.Background()))

	rec := doRequest(sv, http.MethodPost, "/_sw/push", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"body":"New update available"`)

	rec = doRequest(sv, http.MethodPost, "/_sw/push", "Form approved")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"body":"Form approved"`)
	assert.Contains(t, rec.Body.String(), `"title":"GenPeticiones"`)
}

func TestServerNotificationClickAndSync(t *testing.T) {
	sv := newTestServer(t, &testOrigin{})
	require.NoError(t, sv.update(context.Background()))

	rec := doRequest(sv, http.MethodPost, "/_sw/notificationclick", `{"action":"explore","notification":"n1"}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(sv, http.MethodPost, "/_sw/sync", `{"tag":"background-sync"}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(sv, http.MethodPost, "/_sw/sync", ``)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServerStatusAndMetrics(t *testing.T) {
	sv := newTestServer(t, &testOrigin{})
	require.NoError(t, sv.update(context.Background()))

	rec := doRequest(sv, http.MethodGet, "/_sw/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"activated"`)
	assert.Contains(t, rec.Body.String(), `"waiting":null`)

	rec = doRequest(sv, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `swcache_partition_entries{partition="genpeticiones-static-v1"} 1`)
}

func TestServerUpdateFailureKeepsActive(t *testing.T) {
	origin := &testOrigin{}
	sv := newTestServer(t, origin)
	require.NoError(t, sv.update(context.Background()))
	first := sv.reg.Active()

	origin.offline.Store(true)
	rec := doRequest(sv, http.MethodPost, "/_sw/update", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Same(t, first, sv.reg.Active())
}
