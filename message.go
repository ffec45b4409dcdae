// Copyright (c) 2022 Hirotsuna Mizuno. All rights reserved.
// Use of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package swcache

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// MessageType is the type of a control message sent by the application.
type MessageType string

// Recognized message types. Messages of any other type are ignored.
const (
	MessageSkipWaiting MessageType = "SKIP_WAITING"
	MessageGetVersion  MessageType = "GET_VERSION"
	MessageClearCache  MessageType = "CLEAR_CACHE"
)

// Message is a control message.
type Message struct {
	Type MessageType `json:"type"`
}

// Port is the interface implemented by the reply channel of a message.
type Port interface {
	PostMessage(v any) error
}

// PortFunc is an adapter to allow the use of ordinary functions as Port.
type PortFunc func(v any) error

// PostMessage calls f(v).
func (f PortFunc) PostMessage(v any) error { return f(v) }

// VersionReply is the reply to GET_VERSION.
type VersionReply struct {
	Version string `json:"version"`
	Status  string `json:"status"`
}

// ClearCacheReply is the reply to CLEAR_CACHE.
type ClearCacheReply struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// clearCacheMessage is the message of a successful ClearCacheReply.
const clearCacheMessage = "Cache cleared successfully"

// HandleMessage handles a control message. GET_VERSION and CLEAR_CACHE reply
// on port, and fail with ErrNoReplyPort if it is nil. The CLEAR_CACHE reply is
// posted only after every partition has been deleted.
func (m *Manager) HandleMessage(ctx context.Context, msg Message, port Port) error {
	m.log.Debug("Message received.", zap.String("type", string(msg.Type)))

	switch msg.Type {
	case MessageSkipWaiting:
		return m.SkipWaiting(ctx)

	case MessageGetVersion:
		if port == nil {
			return fmt.Errorf("%s: %w", msg.Type, ErrNoReplyPort)
		}
		return port.PostMessage(&VersionReply{Version: m.version, Status: "active"}) //nolint:wrapcheck

	case MessageClearCache:
		if port == nil {
			return fmt.Errorf("%s: %w", msg.Type, ErrNoReplyPort)
		}
		reply := &ClearCacheReply{Success: true, Message: clearCacheMessage}
		if err := m.clearCaches(ctx); err != nil {
			m.log.Error("Failed to clear caches.", zap.Error(err))
			reply = &ClearCacheReply{Success: false, Message: err.Error()}
		}
		return port.PostMessage(reply) //nolint:wrapcheck
	}

	return nil
}
