// Copyright (c) 2022 Hirotsuna Mizuno. All rights reserved.
// Use of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package swcache

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testOrigin = "https://app.example/"

var errOffline = errors.New("network unreachable")

// fakeNetwork is a Fetcher serving canned responses by URL.
type fakeNetwork struct {
	mu      sync.Mutex
	pages   map[string]*Response
	offline bool
	calls   []string
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{pages: make(map[string]*Response)}
}

func (n *fakeNetwork) set(url string, status int, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pages[url] = &Response{
		Status: status,
		Header: http.Header{"Content-Type": {"text/plain"}},
		Body:   []byte(body),
	}
}

func (n *fakeNetwork) setOffline(offline bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offline = offline
}

func (n *fakeNetwork) numCalls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

func (n *fakeNetwork) Fetch(_ context.Context, req *http.Request) (*Response, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, req.Method+" "+req.URL.String())
	if n.offline {
		return nil, errOffline
	}
	resp, ok := n.pages[req.URL.String()]
	if !ok {
		return &Response{Status: http.StatusNotFound, Header: http.Header{}, Body: []byte("not found")}, nil
	}
	return resp.Clone(), nil
}

// genPeticionesNetwork returns a network serving every default static file.
func genPeticionesNetwork() *fakeNetwork {
	n := newFakeNetwork()
	n.set("https://app.example/", http.StatusOK, "<html>root</html>")
	n.set("https://app.example/index.html", http.StatusOK, "<html>index</html>")
	n.set("https://app.example/manifest.json", http.StatusOK, `{"name":"GenPeticiones"}`)
	n.set("https://app.example/icon-192.png", http.StatusOK, "\x89PNG192")
	n.set("https://app.example/icon-512.png", http.StatusOK, "\x89PNG512")
	return n
}

// newTestManager creates a Manager with the default configuration, modified
// by opts, on a fresh in-memory storage unless opts set one.
func newTestManager(t *testing.T, net Fetcher, opts ...func(*Config)) *Manager {
	t.Helper()
	log := zaptest.NewLogger(t)
	conf := DefaultConfig(testOrigin, NewMemoryStorage(log))
	conf.Fetcher = net
	conf.Logger = log
	for _, opt := range opts {
		opt(conf)
	}
	m, err := NewWithConfig(conf)
	require.NoError(t, err)
	return m
}

func mustKey(t *testing.T, rawURL string) Key {
	t.Helper()
	key, err := NewKey(http.MethodGet, rawURL)
	require.NoError(t, err)
	return key
}

func mustRequest(t *testing.T, method, rawURL string) *http.Request {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), method, rawURL, nil)
	require.NoError(t, err)
	return req
}
