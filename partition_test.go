// Copyright (c) 2022 Hirotsuna Mizuno. All rights reserved.
// Use of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package swcache

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func okResponse(body string) *Response {
	return &Response{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": {"text/plain"}},
		Body:   []byte(body),
	}
}

func TestPartitionPutMatch(t *testing.T) {
	s := NewMemoryStorage(zaptest.NewLogger(t))
	p, err := s.Open("static")
	require.NoError(t, err)

	key := mustKey(t, "https://app.example/index.html")
	_, hit, err := p.Match(key)
	require.NoError(t, err)
	assert.False(t, hit)

	require.NoError(t, p.Put(key, okResponse("index")))

	resp, hit, err := p.Match(key)
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	assert.Equal(t, []byte("index"), resp.Body)

	st := p.Status()
	assert.Equal(t, uint64(1), st.NumEntries)
	assert.Equal(t, uint64(2), st.NumRequested)
	assert.Equal(t, uint64(1), st.NumHit)
	assert.Equal(t, uint64(1), st.NumStored)
}

func TestPartitionPutRejectsNonGET(t *testing.T) {
	s := NewMemoryStorage(zaptest.NewLogger(t))
	p, err := s.Open("static")
	require.NoError(t, err)

	key, err := NewKey(http.MethodPost, "https://app.example/api")
	require.NoError(t, err)
	assert.ErrorIs(t, p.Put(key, okResponse("x")), ErrNotGET)
	assert.Equal(t, uint64(0), p.Status().NumEntries)
}

func TestPartitionPutReplaces(t *testing.T) {
	s := NewMemoryStorage(zaptest.NewLogger(t))
	p, err := s.Open("static")
	require.NoError(t, err)

	key := mustKey(t, "https://app.example/index.html")
	require.NoError(t, p.Put(key, okResponse("first")))
	require.NoError(t, p.Put(key, okResponse("second")))

	resp, hit, err := p.Match(key)
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, []byte("second"), resp.Body)
	assert.Equal(t, uint64(1), p.Status().NumEntries)
}

func TestPartitionConcurrentPut(t *testing.T) {
	s, err := NewStorage(&StorageConfig{Dir: t.TempDir(), Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	p, err := s.Open("dynamic")
	require.NoError(t, err)

	key := mustKey(t, "https://cdn.example/lib.js")
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, p.Put(key, okResponse(fmt.Sprintf("v%d", i))))
		}()
	}
	wg.Wait()

	resp, hit, err := p.Match(key)
	require.NoError(t, err)
	require.True(t, hit)
	assert.Regexp(t, `^v[0-7]$`, string(resp.Body))
	assert.Equal(t, uint64(1), p.Status().NumEntries)
}

func TestPartitionDeleteAndKeys(t *testing.T) {
	s := NewMemoryStorage(zaptest.NewLogger(t))
	p, err := s.Open("static")
	require.NoError(t, err)

	a := mustKey(t, "https://app.example/a")
	b := mustKey(t, "https://app.example/b")
	require.NoError(t, p.Put(a, okResponse("a")))
	require.NoError(t, p.Put(b, okResponse("b")))

	keys, err := p.Keys()
	require.NoError(t, err)
	assert.ElementsMatch(t, []Key{a, b}, keys)

	removed, err := p.Delete(a)
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = p.Delete(a)
	require.NoError(t, err)
	assert.False(t, removed)

	keys, err = p.Keys()
	require.NoError(t, err)
	assert.Equal(t, []Key{b}, keys)
}

func TestPartitionCollectLimits(t *testing.T) {
	s, err := NewStorage(&StorageConfig{Dir: t.TempDir(), Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	p, err := s.OpenWithLimits("dynamic", Limits{MaxEntries: 2})
	require.NoError(t, err)

	for i := range 5 {
		require.NoError(t, p.Put(mustKey(t, fmt.Sprintf("https://cdn.example/%d.js", i)), okResponse("js")))
	}
	assert.Equal(t, uint64(5), p.Status().NumEntries)

	p.collect()

	st := p.Status()
	assert.Equal(t, uint64(2), st.NumEntries)
	assert.Equal(t, uint64(3), st.NumRemoved)
	keys, err := p.Keys()
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}

// setLastAccess sets the last access time of the entry for the key.
func setLastAccess(t *testing.T, dir string, p *Partition, key Key, at time.Time) {
	t.Helper()
	_, fpath := p.entryPath(key.Hash())
	require.NoError(t, os.Chtimes(filepath.Join(dir, p.name, filepath.FromSlash(fpath)), at, at))
}

func TestPartitionCollectLeastRecentlyUsed(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStorage(&StorageConfig{Dir: dir, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	p, err := s.OpenWithLimits("dynamic", Limits{MaxEntries: 2})
	require.NoError(t, err)

	a := mustKey(t, "https://cdn.example/a.js")
	b := mustKey(t, "https://cdn.example/b.js")
	c := mustKey(t, "https://cdn.example/c.js")
	now := time.Now()
	for i, key := range []Key{a, b, c} {
		require.NoError(t, p.Put(key, okResponse("js")))
		setLastAccess(t, dir, p, key, now.Add(time.Duration(i-3)*time.Hour))
	}

	// a becomes the most recently used
	_, hit, err := p.Match(a)
	require.NoError(t, err)
	require.True(t, hit)

	p.collect()

	keys, err := p.Keys()
	require.NoError(t, err)
	assert.ElementsMatch(t, []Key{a, c}, keys)
}

func TestPartitionCollectMaxAge(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStorage(&StorageConfig{Dir: dir, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	p, err := s.OpenWithLimits("dynamic", Limits{MaxAge: time.Hour})
	require.NoError(t, err)

	old := mustKey(t, "https://cdn.example/old.js")
	fresh := mustKey(t, "https://cdn.example/fresh.js")
	require.NoError(t, p.Put(old, okResponse("old")))
	require.NoError(t, p.Put(fresh, okResponse("fresh")))
	setLastAccess(t, dir, p, old, time.Now().Add(-2*time.Hour))

	p.collect()

	_, hit, err := p.Match(old)
	require.NoError(t, err)
	assert.False(t, hit)
	_, hit, err = p.Match(fresh)
	require.NoError(t, err)
	assert.True(t, hit)
}

func TestPartitionStatusString(t *testing.T) {
	st := Status{Name: "static", NumEntries: 3, NumHit: 1}
	assert.Contains(t, st.String(), "static: entries=3")
	assert.Contains(t, st.String(), "hit=1")
}
