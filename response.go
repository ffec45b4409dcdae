// Copyright (c) 2022 Hirotsuna Mizuno. All rights reserved.
// Use of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package swcache

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Response is an immutable snapshot of an HTTP response: the status code, the
// header and the complete body. It is the value stored in a cache partition.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// NewResponse reads the whole body of the HTTP response and returns a
// snapshot of it. The body of resp is closed.
func NewResponse(resp *http.Response) (*Response, error) {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	h := resp.Header.Clone()
	if h == nil {
		h = make(http.Header)
	}
	// Keep the announced length of a response without body, as to HEAD.
	if h.Get("Content-Length") == "" && len(body) == 0 && resp.ContentLength > 0 {
		h.Set("Content-Length", strconv.FormatInt(resp.ContentLength, 10))
	}
	return &Response{
		Status: resp.StatusCode,
		Header: h,
		Body:   body,
	}, nil
}

// Clone returns a deep copy of the response.
func (r *Response) Clone() *Response {
	return &Response{
		Status: r.Status,
		Header: r.Header.Clone(),
		Body:   bytes.Clone(r.Body),
	}
}

// OK reports whether the status is exactly 200. Only such responses are
// stored by the caching strategies.
func (r *Response) OK() bool { return r.Status == http.StatusOK }

// Write sends the response to a request with the given method. Hop-by-hop
// headers from the snapshot are dropped and Content-Length is set to the
// actual body length. A response to HEAD has no body, so the length the
// origin announced is kept as is.
func (r *Response) Write(w http.ResponseWriter, method string) error {
	h := w.Header()
	for k, vs := range r.Header {
		if hopHeaders[k] {
			continue
		}
		h[k] = append([]string(nil), vs...)
	}
	if method == http.MethodHead {
		if cl := r.Header.Get("Content-Length"); cl != "" {
			h.Set("Content-Length", cl)
		}
		w.WriteHeader(r.Status)
		return nil
	}
	h.Set("Content-Length", strconv.Itoa(len(r.Body)))
	w.WriteHeader(r.Status)
	if _, err := w.Write(r.Body); err != nil {
		return fmt.Errorf("failed to write body: %w", err)
	}
	return nil
}

// hopHeaders lists the headers that must not be replayed from a snapshot.
var hopHeaders = map[string]bool{
	"Connection":          true,
	"Content-Length":      true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// entryMeta is the metadata part of a cache entry file.
type entryMeta struct {
	Method   string      `cbor:"1,keyasint"`
	URL      string      `cbor:"2,keyasint"`
	Status   int         `cbor:"3,keyasint"`
	Header   http.Header `cbor:"4,keyasint,omitempty"`
	StoredAt time.Time   `cbor:"5,keyasint"`
}

// maxMetaSize is the upper limit of the metadata part of an entry file.
const maxMetaSize = 1 << 20

// encodeEntry writes a cache entry: the 4-byte big-endian length of the CBOR
// encoded metadata, the metadata, then the body bytes as is.
func encodeEntry(w io.Writer, key Key, resp *Response, storedAt time.Time) error {
	meta, err := cbor.Marshal(&entryMeta{
		Method:   key.Method,
		URL:      key.URL,
		Status:   resp.Status,
		Header:   resp.Header,
		StoredAt: storedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	var lb [4]byte
	binary.BigEndian.PutUint32(lb[:], uint32(len(meta)))
	for _, b := range [][]byte{lb[:], meta, resp.Body} {
		if _, err := w.Write(b); err != nil {
			return err //nolint:wrapcheck
		}
	}
	return nil
}

// decodeEntry parses an entry file written by encodeEntry.
func decodeEntry(b []byte) (Key, *Response, time.Time, error) {
	if len(b) < 4 {
		return Key{}, nil, time.Time{}, fmt.Errorf("%w: truncated entry", ErrInternal)
	}
	n := binary.BigEndian.Uint32(b)
	if maxMetaSize < n || uint64(len(b)-4) < uint64(n) {
		return Key{}, nil, time.Time{}, fmt.Errorf("%w: broken entry header", ErrInternal)
	}
	var meta entryMeta
	if err := cbor.Unmarshal(b[4:4+n], &meta); err != nil {
		return Key{}, nil, time.Time{}, fmt.Errorf("failed to decode metadata: %w", err)
	}
	resp := &Response{
		Status: meta.Status,
		Header: meta.Header,
		Body:   bytes.Clone(b[4+n:]),
	}
	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	return Key{Method: meta.Method, URL: meta.URL}, resp, meta.StoredAt, nil
}
