// Copyright (c) 2022 Hirotsuna Mizuno. All rights reserved.
// Use of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package swcache

import "errors"

// ErrInvalidConfig is the error thrown when the passed configuration parameter
// is not valid.
var ErrInvalidConfig = errors.New("invalid config")

// ErrInternal is the error thrown when an internal error occurred.
var ErrInternal = errors.New("internal error")

// ErrNotFound is the error returned when neither the network nor any cache
// partition could produce a response for a request.
var ErrNotFound = errors.New("no cached response")

// ErrNotGET is the error returned when an attempt is made to store a response
// for a request whose method is not GET.
var ErrNotGET = errors.New("only GET requests can be cached")

// ErrInstall is the error returned when the installation of a version fails.
// The version does not become active.
var ErrInstall = errors.New("install failed")

// ErrInvalidState is the error returned when a life cycle operation is
// requested in a state that does not allow it.
var ErrInvalidState = errors.New("invalid state")

// ErrNotInstalled is the error returned when a version that has not been
// installed is asked to activate.
var ErrNotInstalled = errors.New("not installed")

// ErrNoReplyPort is the error returned when a message that expects a reply is
// delivered without a port to reply on.
var ErrNoReplyPort = errors.New("no reply port")
