// Copyright (c) 2022 Hirotsuna Mizuno. All rights reserved.
// Use of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package swcache

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewKey(t *testing.T) {
	tests := []struct {
		name   string
		method string
		url    string
		want   Key
	}{
		{
			name: "plain",
			url:  "https://app.example/index.html",
			want: Key{Method: "GET", URL: "https://app.example/index.html"},
		},
		{
			name: "dot segments removed",
			url:  "https://app.example/a/./b/../index.html",
			want: Key{Method: "GET", URL: "https://app.example/a/index.html"},
		},
		{
			name: "fragment dropped, query kept",
			url:  "https://app.example/index.html?v=2#top",
			want: Key{Method: "GET", URL: "https://app.example/index.html?v=2"},
		},
		{
			name:   "method upper cased",
			method: "post",
			url:    "https://app.example/api",
			want:   Key{Method: "POST", URL: "https://app.example/api"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewKey(tt.method, tt.url)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewKeyRejectsRelativeURL(t *testing.T) {
	_, err := NewKey(http.MethodGet, "./index.html")
	assert.Error(t, err)
}

func TestKeyHash(t *testing.T) {
	a := mustKey(t, "https://app.example/index.html")
	b := mustKey(t, "https://app.example/./index.html")
	assert.Equal(t, a.Hash(), b.Hash())

	post, err := NewKey(http.MethodPost, "https://app.example/index.html")
	require.NoError(t, err)
	assert.NotEqual(t, a.Hash(), post.Hash())
	assert.True(t, a.IsGet())
	assert.False(t, post.IsGet())
	assert.Equal(t, "GET https://app.example/index.html", a.String())
}
