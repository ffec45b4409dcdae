// Copyright (c) 2022 Hirotsuna Mizuno. All rights reserved.
// Use of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package swcache

import (
	"context"
	"fmt"
	"net/http"
)

// Event is an event delivered to a Manager by the hosting runtime.
type Event interface {
	eventName() string
}

// InstallEvent triggers the install of the version.
type InstallEvent struct{}

// ActivateEvent triggers the activation of the version.
type ActivateEvent struct{}

// FetchEvent is a request intercepted by the version. Response is set by
// Dispatch.
type FetchEvent struct {
	Request  *http.Request
	Response *Response
}

// MessageEvent is a control message. The first port, if any, is the reply
// port.
type MessageEvent struct {
	Data  Message
	Ports []Port
}

// PushEvent is a push message. Data is nil when the push carried no payload.
// Notification is set by Dispatch.
type PushEvent struct {
	Data         []byte
	Notification *Notification
}

// NotificationClickEvent is a click on a notification.
type NotificationClickEvent struct {
	NotificationID string
	Action         string
}

// SyncEvent is a background sync request.
type SyncEvent struct {
	Tag string
}

func (*InstallEvent) eventName() string           { return "install" }
func (*ActivateEvent) eventName() string          { return "activate" }
func (*FetchEvent) eventName() string             { return "fetch" }
func (*MessageEvent) eventName() string           { return "message" }
func (*PushEvent) eventName() string              { return "push" }
func (*NotificationClickEvent) eventName() string { return "notificationclick" }
func (*SyncEvent) eventName() string              { return "sync" }

// Dispatch delivers the event to its handler and returns when the handler's
// work has completed, so the runtime never proceeds past a phase before its
// work is done: the partitions are all stored when an InstallEvent returns,
// and stale partitions are all deleted before an ActivateEvent claims the
// clients.
func (m *Manager) Dispatch(ctx context.Context, ev Event) error {
	var err error
	switch ev := ev.(type) {
	case *InstallEvent:
		err = m.Install(ctx)
	case *ActivateEvent:
		err = m.Activate(ctx)
	case *FetchEvent:
		ev.Response, err = m.Fetch(ctx, ev.Request)
	case *MessageEvent:
		var port Port
		if len(ev.Ports) != 0 {
			port = ev.Ports[0]
		}
		err = m.HandleMessage(ctx, ev.Data, port)
	case *PushEvent:
		ev.Notification, err = m.Push(ctx, ev.Data)
	case *NotificationClickEvent:
		err = m.NotificationClick(ctx, ev.NotificationID, ev.Action)
	case *SyncEvent:
		err = m.Sync(ctx, ev.Tag)
	default:
		return fmt.Errorf("%w: unknown event %T", ErrInternal, ev)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", ev.eventName(), err)
	}
	return nil
}
