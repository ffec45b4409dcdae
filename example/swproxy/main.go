// Copyright (c) 2022 Hirotsuna Mizuno. All rights reserved.
// Use of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tunabay/go-swcache"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// main is the main function of this example program. A reverse proxy in front
// of a web application that handles every request with the caching
// strategies of the active swcache version, so that the application keeps
// working while the origin is unreachable.
//
// The control endpoints under /_sw/ deliver messages, push messages,
// notification clicks and background sync requests to the active version,
// and /_sw/update installs a new version.
func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newCommand().Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

// newCommand creates the command line interface.
func newCommand() *cli.Command {
	return &cli.Command{
		Name:  "swproxy",
		Usage: "offline-capable caching proxy for a web application",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen", Usage: "`ADDR` to listen on"},
			&cli.StringFlag{Name: "origin", Usage: "base `URL` of the application"},
			&cli.StringFlag{Name: "cache-dir", Usage: "`DIR` of the cache partitions"},
			&cli.StringFlag{Name: "config", Usage: "YAML `FILE` overriding the cache configuration"},
			&cli.StringFlag{Name: "match", Usage: "URL match mode, substring or exact"},
			&cli.BoolFlag{Name: "debug", Usage: "output debug log messages"},
		},
		Action: run,
	}
}

// run runs the proxy until ctx is done.
func run(ctx context.Context, cmd *cli.Command) error {
	pc, err := loadProxyConfig(cmd, nil)
	if err != nil {
		return err
	}
	log, err := newLogger(pc.Debug)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	fc, err := loadFileConfig(pc.Config)
	if err != nil {
		return err
	}

	storage, err := swcache.NewStorage(&swcache.StorageConfig{
		Dir:    pc.CacheDir,
		Logger: log.Named("storage"),
	})
	if err != nil {
		return fmt.Errorf("failed to open cache: %w", err)
	}

	sv := newServer(pc, fc, storage, swcache.NewHTTPFetcher(), log)
	if err := sv.start(ctx); err != nil {
		return err
	}

	httpd := &http.Server{
		Addr:              pc.Listen,
		Handler:           sv,
		ReadHeaderTimeout: time.Second * 10,
		WriteTimeout:      time.Minute,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return storage.Serve(gctx)
	})
	g.Go(func() error {
		sv.logStatus(gctx, time.Second*30)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sdctx, sdcancel := context.WithTimeout(context.Background(), time.Second*5)
		defer sdcancel()
		if err := httpd.Shutdown(sdctx); err != nil { //nolint:contextcheck
			log.Error("Shutdown failed.", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		log.Info("Listening.", zap.String("addr", pc.Listen), zap.String("origin", pc.Origin))
		err := httpd.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("httpd: %w", err)
	})

	return g.Wait() //nolint:wrapcheck
}

// newLogger creates the logger, a development one when debug is true.
func newLogger(debug bool) (*zap.Logger, error) {
	var (
		log *zap.Logger
		err error
	)
	if debug {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return log, nil
}
