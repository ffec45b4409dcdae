// Copyright (c) 2022 Hirotsuna Mizuno. All rights reserved.
// Use of this source code is governed by the MIT license that can be found in
// the LICENSE file.

/*
Package swcache provides an offline asset cache manager modeled on the
service worker life cycle. It pre-caches a fixed list of static assets into a
versioned partition at install time, removes partitions left over from
previous generations at activation, and then serves requests with one of three
strategies: cache-first for static assets, network-first for external CDN
resources, and network with cache fallback for everything else.

Cache partitions are stored on a go-billy filesystem, so the same code runs on
the local disk or entirely in memory.

A Registration hosts the versions of a Manager: it installs a new version,
keeps it waiting or activates it, and routes requests and control messages to
the active one. See example/swproxy for a reverse proxy built on it.
*/
package swcache
