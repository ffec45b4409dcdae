// Copyright (c) 2022 Hirotsuna Mizuno. All rights reserved.
// Use of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package main

import (
	"context"

	"github.com/tunabay/go-swcache"
	"go.uber.org/zap"
)

// logNotifier implements swcache.Notifier, swcache.Clients and swcache.Syncer
// by writing log messages. A proxy has no screen to show notifications on.
type logNotifier struct {
	log *zap.Logger
}

func (n logNotifier) ShowNotification(_ context.Context, nt *swcache.Notification) error {
	n.log.Info("Notification.",
		zap.String("id", nt.ID),
		zap.String("title", nt.Title),
		zap.String("body", nt.Body),
	)
	return nil
}

func (n logNotifier) CloseNotification(_ context.Context, id string) error {
	n.log.Info("Notification closed.", zap.String("id", id))
	return nil
}

func (n logNotifier) OpenWindow(_ context.Context, url string) error {
	n.log.Info("Open window.", zap.String("url", url))
	return nil
}

func (n logNotifier) Sync(_ context.Context, tag string) error {
	n.log.Info("Sync.", zap.String("tag", tag))
	return nil
}
