// Copyright (c) 2022 Hirotsuna Mizuno. All rights reserved.
// Use of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package swcache

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Notification actions.
const (
	ActionExplore = "explore" // opens the application
	ActionClose   = "close"   // dismisses only
)

// Notification defaults.
const (
	NotificationTitle = "GenPeticiones"
	DefaultPushBody   = "New update available"
)

// SyncTag is the only background sync tag recognized.
const SyncTag = "background-sync"

// NotificationAction is a button shown on a notification.
type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
}

// NotificationData is the data attached to a notification.
type NotificationData struct {
	DateOfArrival time.Time `json:"dateOfArrival"`
	PrimaryKey    int       `json:"primaryKey"`
}

// Notification is a notification to display.
type Notification struct {
	ID      string               `json:"id"`
	Title   string               `json:"title"`
	Body    string               `json:"body"`
	Icon    string               `json:"icon,omitempty"`
	Badge   string               `json:"badge,omitempty"`
	Vibrate []int                `json:"vibrate,omitempty"`
	Data    NotificationData     `json:"data"`
	Actions []NotificationAction `json:"actions,omitempty"`
}

// Notifier is the interface implemented by the notification display service.
type Notifier interface {
	ShowNotification(ctx context.Context, n *Notification) error
	CloseNotification(ctx context.Context, id string) error
}

// Clients is the interface implemented by the service managing the client
// windows of the application.
type Clients interface {
	// OpenWindow opens the URL in a new or an existing focused window.
	OpenWindow(ctx context.Context, url string) error
}

// Syncer is the interface implemented by the background sync service.
type Syncer interface {
	Sync(ctx context.Context, tag string) error
}

// Push handles a push message. A nil payload means the push carried no data,
// in which case the default body is shown. The returned notification is the
// one passed to the Notifier.
func (m *Manager) Push(ctx context.Context, payload []byte) (*Notification, error) {
	m.log.Info("Push notification received.")

	body := DefaultPushBody
	if payload != nil {
		body = string(payload)
	}
	n := &Notification{
		ID:      uuid.NewString(),
		Title:   NotificationTitle,
		Body:    body,
		Icon:    "./icon-192.png",
		Badge:   "./icon-72.png",
		Vibrate: []int{100, 50, 100},
		Data: NotificationData{
			DateOfArrival: time.Now(),
			PrimaryKey:    1,
		},
		Actions: []NotificationAction{
			{Action: ActionExplore, Title: "Open app", Icon: "./icon-96.png"},
			{Action: ActionClose, Title: "Close", Icon: "./icon-96.png"},
		},
	}
	if m.notifier == nil {
		return n, nil
	}
	if err := m.notifier.ShowNotification(ctx, n); err != nil {
		return nil, fmt.Errorf("failed to show notification: %w", err)
	}
	return n, nil
}

// NotificationClick handles a click on the notification with the given id.
// The notification is closed and, for the explore action, the application
// root is opened.
func (m *Manager) NotificationClick(ctx context.Context, id, action string) error {
	m.log.Info("Notification clicked.", zap.String("id", id), zap.String("action", action))

	if m.notifier != nil {
		if err := m.notifier.CloseNotification(ctx, id); err != nil {
			return fmt.Errorf("failed to close notification: %w", err)
		}
	}
	if action != ActionExplore || m.clients == nil {
		return nil
	}
	root := m.origin.ResolveReference(&url.URL{Path: "./"})
	if err := m.clients.OpenWindow(ctx, root.String()); err != nil {
		return fmt.Errorf("failed to open window: %w", err)
	}
	return nil
}

// Sync handles a background sync request. Only SyncTag is recognized; there
// is no pending data to synchronize yet, so the Syncer is just notified.
func (m *Manager) Sync(ctx context.Context, tag string) error {
	m.log.Info("Background sync.", zap.String("tag", tag))

	if tag != SyncTag || m.syncer == nil {
		return nil
	}
	if err := m.syncer.Sync(ctx, tag); err != nil {
		return fmt.Errorf("sync %s: %w", tag, err)
	}
	return nil
}
