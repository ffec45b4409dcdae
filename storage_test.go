// Copyright (c) 2022 Hirotsuna Mizuno. All rights reserved.
// Use of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package swcache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestStorageOpenLookupDelete(t *testing.T) {
	s := NewMemoryStorage(zaptest.NewLogger(t))

	_, ok := s.Lookup("static")
	assert.False(t, ok)
	assert.False(t, s.Has("static"))

	p1, err := s.Open("static")
	require.NoError(t, err)
	p2, err := s.Open("static")
	require.NoError(t, err)
	assert.Same(t, p1, p2)

	_, err = s.Open("dynamic")
	require.NoError(t, err)
	assert.Equal(t, []string{"static", "dynamic"}, s.Keys())

	key := mustKey(t, "https://app.example/index.html")
	require.NoError(t, p1.Put(key, okResponse("index")))

	existed, err := s.Delete("static")
	require.NoError(t, err)
	assert.True(t, existed)
	existed, err = s.Delete("static")
	require.NoError(t, err)
	assert.False(t, existed)
	assert.Equal(t, []string{"dynamic"}, s.Keys())

	// a stale handle neither hits nor stores
	_, hit, err := p1.Match(key)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.ErrorIs(t, p1.Put(key, okResponse("index")), ErrInvalidState)

	// reopened partition is empty
	p3, err := s.Open("static")
	require.NoError(t, err)
	_, hit, err = p3.Match(key)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestStorageOpenEmptyName(t *testing.T) {
	s := NewMemoryStorage(zaptest.NewLogger(t))
	_, err := s.Open("")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestStorageMatchAcrossPartitions(t *testing.T) {
	s := NewMemoryStorage(zaptest.NewLogger(t))
	static, err := s.Open("static")
	require.NoError(t, err)
	dynamic, err := s.Open("dynamic")
	require.NoError(t, err)

	a := mustKey(t, "https://app.example/index.html")
	b := mustKey(t, "https://cdn.example/lib.js")
	require.NoError(t, static.Put(a, okResponse("index")))
	require.NoError(t, dynamic.Put(b, okResponse("lib")))

	resp, ok, err := s.Match(b)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("lib"), resp.Body)

	_, ok, err = s.Match(mustKey(t, "https://app.example/missing"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStorageReload(t *testing.T) {
	dir := t.TempDir()
	s1, err := NewStorage(&StorageConfig{Dir: dir, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	p, err := s1.Open("genpeticiones-static-v1")
	require.NoError(t, err)
	key := mustKey(t, "https://app.example/index.html")
	require.NoError(t, p.Put(key, okResponse("index")))

	s2, err := NewStorage(&StorageConfig{Dir: dir, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	assert.Equal(t, []string{"genpeticiones-static-v1"}, s2.Keys())

	p2, ok := s2.Lookup("genpeticiones-static-v1")
	require.True(t, ok)
	assert.Equal(t, uint64(1), p2.Status().NumEntries)
	resp, hit, err := p2.Match(key)
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, []byte("index"), resp.Body)
}

func TestStorageServe(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStorage(&StorageConfig{
		Dir:        dir,
		GCInterval: time.Millisecond * 10,
		Logger:     zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, s.Serve(ctx))
	}()

	// opened after Serve started
	p, err := s.OpenWithLimits("dynamic", Limits{MaxEntries: 1})
	require.NoError(t, err)
	require.NoError(t, p.Put(mustKey(t, "https://cdn.example/a.js"), okResponse("a")))
	require.NoError(t, p.Put(mustKey(t, "https://cdn.example/b.js"), okResponse("b")))

	assert.Eventually(t, func() bool {
		return p.Status().NumEntries == 1
	}, time.Second*5, time.Millisecond*10)

	cancel()
	wg.Wait()
}

func TestStorageServeShutdownWhileOpening(t *testing.T) {
	s := NewMemoryStorage(zaptest.NewLogger(t))

	for round := range 3 {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- s.Serve(ctx) }()

		var wg sync.WaitGroup
		for i := range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Open(fmt.Sprintf("part-%d-%d", round, i))
				assert.NoError(t, err)
			}()
		}
		cancel()
		wg.Wait()
		require.NoError(t, <-done)

		s.mu.Lock()
		assert.Nil(t, s.serveCtx)
		assert.Empty(t, s.stops)
		s.mu.Unlock()
	}
	assert.Len(t, s.Keys(), 24)
}

func TestStorageNegativeGCInterval(t *testing.T) {
	_, err := NewStorage(&StorageConfig{FS: newLockedFS(nil), GCInterval: -1})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
