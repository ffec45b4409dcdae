// Copyright (c) 2022 Hirotsuna Mizuno. All rights reserved.
// Use of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package swcache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// replies is a Port recording the posted replies.
type replies struct {
	posted []any
	onPost func()
}

func (r *replies) PostMessage(v any) error {
	if r.onPost != nil {
		r.onPost()
	}
	r.posted = append(r.posted, v)
	return nil
}

func TestMessageGetVersion(t *testing.T) {
	m := newTestManager(t, genPeticionesNetwork(), func(c *Config) { c.Version = "genpeticiones-v2.3.4" })
	port := &replies{}

	require.NoError(t, m.HandleMessage(context.Background(), Message{Type: MessageGetVersion}, port))
	require.Len(t, port.posted, 1)
	assert.Equal(t, &VersionReply{Version: "genpeticiones-v2.3.4", Status: "active"}, port.posted[0])
}

func TestMessageClearCache(t *testing.T) {
	m := installed(t, genPeticionesNetwork())
	for _, name := range []string{DefaultDynamicCache, "unrelated"} {
		_, err := m.storage.Open(name)
		require.NoError(t, err)
	}

	var keysAtReply []string
	port := &replies{onPost: func() { keysAtReply = m.storage.Keys() }}
	require.NoError(t, m.HandleMessage(context.Background(), Message{Type: MessageClearCache}, port))

	require.Len(t, port.posted, 1)
	assert.Equal(t, &ClearCacheReply{Success: true, Message: "Cache cleared successfully"}, port.posted[0])
	assert.Empty(t, keysAtReply)
	assert.Empty(t, m.storage.Keys())
}

func TestMessageWithoutReplyPort(t *testing.T) {
	m := installed(t, genPeticionesNetwork())
	ctx := context.Background()

	assert.ErrorIs(t, m.HandleMessage(ctx, Message{Type: MessageGetVersion}, nil), ErrNoReplyPort)
	assert.ErrorIs(t, m.HandleMessage(ctx, Message{Type: MessageClearCache}, nil), ErrNoReplyPort)
	assert.True(t, m.storage.Has(DefaultStaticCache))
}

func TestMessageUnknownIgnored(t *testing.T) {
	m := newTestManager(t, genPeticionesNetwork())
	port := &replies{}
	require.NoError(t, m.HandleMessage(context.Background(), Message{Type: "PING"}, port))
	assert.Empty(t, port.posted)
}

func TestMessageSkipWaiting(t *testing.T) {
	m := newTestManager(t, genPeticionesNetwork(), func(c *Config) { c.DeferActivation = true })
	require.NoError(t, m.HandleMessage(context.Background(), Message{Type: MessageSkipWaiting}, nil))
	assert.True(t, m.skipWaitingRequested())
}
