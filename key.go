// Copyright (c) 2022 Hirotsuna Mizuno. All rights reserved.
// Use of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package swcache

import (
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// HashSize is the size, in bytes, of the key hash.
const HashSize = 32

// Hash represents a 32-bytes hash value.
type Hash [HashSize]byte

// Key identifies a cache entry. It is the identity of a request: the method
// and the canonical absolute URL.
type Key struct {
	Method string
	URL    string
}

// NewKey creates a Key for the request method and absolute URL. The URL is
// canonicalized: dot segments are removed and the fragment is dropped, so that
// "https://host/a/./b#top" and "https://host/a/b" are the same entry.
func NewKey(method, rawURL string) (Key, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Key{}, fmt.Errorf("%q: %w", rawURL, err)
	}
	if !u.IsAbs() {
		return Key{}, fmt.Errorf("%q: not an absolute URL", rawURL)
	}
	if method == "" {
		method = http.MethodGet
	}
	return Key{Method: strings.ToUpper(method), URL: canonicalURL(u)}, nil
}

// RequestKey returns the Key of the request. The request URL must be
// absolute.
func RequestKey(req *http.Request) (Key, error) {
	return NewKey(req.Method, req.URL.String())
}

// canonicalURL returns the string form of an absolute URL with the dot
// segments of its path resolved and without fragment.
func canonicalURL(u *url.URL) string {
	c := u.ResolveReference(u)
	c.Fragment, c.RawFragment = "", ""
	return c.String()
}

// Hash calculates and returns a hash value of the key using SHA-512/256.
func (k Key) Hash() Hash {
	return sha512.Sum512_256([]byte(k.Method + " " + k.URL))
}

// String returns the string representation of the key.
func (k Key) String() string { return k.Method + " " + k.URL }

// IsGet reports whether the key was derived from a GET request.
func (k Key) IsGet() bool { return k.Method == http.MethodGet }

// b2hex converts a byte into a hex two letters string.
func b2hex(b byte) string { return hex.EncodeToString([]byte{b}) }

// hashHex returns the hex representation of the hash.
func hashHex(hash Hash) string { return hex.EncodeToString(hash[:]) }
