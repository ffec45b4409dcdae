// Copyright (c) 2022 Hirotsuna Mizuno. All rights reserved.
// Use of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package swcache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/tunabay/go-infounit"
	"go.uber.org/zap"
)

// StorageConfig represents the parameters to configure Storage creation.
type StorageConfig struct {
	// The filesystem to store partitions in. If nil, the directory Dir on
	// the local disk is used.
	FS billy.Filesystem

	// The path to the directory for cache partitions, used only if FS is
	// nil. It should be a dedicated directory used exclusively for this
	// storage. The directory will be automatically created if it does not
	// exist. A relative path is treated as relative from the user-specific
	// cache directory returned by os.UserCacheDir(). If it is empty, use
	// the program name directory.
	Dir string

	// The interval between GC processing of partitions with limits.
	GCInterval time.Duration

	// If not nil, Storage outputs log messages to this Logger.
	Logger *zap.Logger
}

// defaultGCInterval defines the default value for StorageConfig.GCInterval.
const defaultGCInterval = time.Minute

// Storage represents the set of named cache partitions shared by all the
// versions of a Manager. Partitions are created on first Open, pruned on
// activation and removed by an explicit Delete.
type Storage struct {
	fs         billy.Filesystem
	dir        string // local directory, empty if fs was given
	gcInterval time.Duration

	parts map[string]*Partition
	order []string // names in creation order
	stops map[string]context.CancelFunc

	serving  bool
	serveCtx context.Context //nolint:containedctx
	serveWG  sync.WaitGroup
	mu       sync.Mutex

	log *zap.Logger
}

// NewMemoryStorage creates a Storage that keeps everything in memory.
// Entries are never removed by the GC loop since the memory filesystem does
// not keep modification times.
func NewMemoryStorage(log *zap.Logger) *Storage {
	s, _ := NewStorage(&StorageConfig{FS: newLockedFS(memfs.New()), Logger: log})
	return s
}

// NewStorage creates a Storage using the given configuration parameters. The
// partitions that already exist in the filesystem are loaded.
func NewStorage(conf *StorageConfig) (*Storage, error) {
	if conf.GCInterval < 0 {
		return nil, fmt.Errorf("%w: negative GCInterval", ErrInvalidConfig)
	}
	s := &Storage{
		fs:         conf.FS,
		gcInterval: conf.GCInterval,
		parts:      make(map[string]*Partition),
		stops:      make(map[string]context.CancelFunc),
		log:        conf.Logger,
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.gcInterval == 0 {
		s.gcInterval = defaultGCInterval
	}

	if s.fs == nil {
		dir := conf.Dir
		if dir == "" {
			dir = filepath.Base(os.Args[0])
		}
		if !filepath.IsAbs(dir) {
			ucd, err := os.UserCacheDir()
			if err != nil {
				return nil, fmt.Errorf("%s: can not resolve relative cache dir: %w", dir, err)
			}
			dir = filepath.Join(ucd, dir)
		}
		if err := os.MkdirAll(dir, 0o0700); err != nil {
			return nil, fmt.Errorf("%s: %w", dir, err)
		}
		s.fs = osfs.New(dir)
		s.dir = dir
		s.log.Info("Cache directory.", zap.String("dir", dir))
	}

	infos, err := s.fs.ReadDir("/")
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read cache dir: %w", err)
	}
	sort.SliceStable(infos, func(i, j int) bool {
		return infos[i].ModTime().Before(infos[j].ModTime())
	})
	for _, info := range infos {
		if !info.IsDir() {
			continue
		}
		name, err := url.PathUnescape(info.Name())
		if err != nil {
			s.log.Warn("Skip unexpected directory in cache dir.", zap.String("dir", info.Name()))
			continue
		}
		if _, err := s.open(name); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// open opens or creates the named partition. It must be called with s.mu held
// or before s is shared.
func (s *Storage) open(name string) (*Partition, error) {
	if p, ok := s.parts[name]; ok {
		return p, nil
	}
	dir := url.PathEscape(name)
	if err := s.fs.MkdirAll(dir, 0o0700); err != nil {
		return nil, fmt.Errorf("%s: failed to create partition: %w", name, err)
	}
	pfs, err := s.fs.Chroot(dir)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to open partition: %w", name, err)
	}
	p, err := openPartition(name, pfs, s.toucher(dir, pfs), s.gcInterval, s.log)
	if err != nil {
		return nil, err
	}
	s.parts[name] = p
	s.order = append(s.order, name)
	if s.serveCtx != nil {
		s.startGC(p)
	}

	return p, nil
}

// toucher returns the function to set the modification time of the files in
// the partition directory dir, or nil if the filesystem can not do it.
func (s *Storage) toucher(dir string, pfs billy.Filesystem) func(string, time.Time) error {
	if s.dir != "" {
		root := filepath.Join(s.dir, dir)
		return func(fpath string, t time.Time) error {
			return os.Chtimes(filepath.Join(root, filepath.FromSlash(fpath)), t, t)
		}
	}
	if ch, ok := pfs.(billy.Change); ok {
		return func(fpath string, t time.Time) error {
			return ch.Chtimes(fpath, t, t)
		}
	}
	return nil
}

// Open returns the named partition, creating it if it does not exist.
func (s *Storage) Open(name string) (*Partition, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty partition name", ErrInvalidConfig)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.open(name)
}

// OpenWithLimits is like Open, and also sets the limits of the partition.
func (s *Storage) OpenWithLimits(name string, limits Limits) (*Partition, error) {
	p, err := s.Open(name)
	if err != nil {
		return nil, err
	}
	p.setLimits(limits)

	return p, nil
}

// Lookup returns the named partition if it exists. Unlike Open, it never
// creates one.
func (s *Storage) Lookup(name string) (*Partition, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.parts[name]
	return p, ok
}

// Has reports whether the named partition exists.
func (s *Storage) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.parts[name]
	return ok
}

// Keys returns the names of all the partitions in creation order.
func (s *Storage) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// Delete removes the named partition and all its entries. It reports whether
// the partition existed.
func (s *Storage) Delete(name string) (bool, error) {
	s.mu.Lock()
	p, ok := s.parts[name]
	if !ok {
		s.mu.Unlock()
		return false, nil
	}
	delete(s.parts, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	if stop, ok := s.stops[name]; ok {
		stop()
		delete(s.stops, name)
	}
	s.mu.Unlock()

	p.markDeleted()
	if err := util.RemoveAll(s.fs, url.PathEscape(name)); err != nil {
		return true, fmt.Errorf("%s: failed to remove partition: %w", name, err)
	}
	s.log.Info("Deleted partition.", zap.String("partition", name))

	return true, nil
}

// merge moves every entry of the partition src into the partition dst,
// creating dst if needed and replacing the entries it already has for the
// same keys, and then deletes src. Entry files are moved by renaming, so dst
// never sees a partially written entry.
func (s *Storage) merge(src, dst string) error {
	from, ok := s.Lookup(src)
	if !ok {
		return fmt.Errorf("%s: %w", src, ErrNotFound)
	}
	to, err := s.Open(dst)
	if err != nil {
		return err
	}
	srcDir, dstDir := url.PathEscape(src), url.PathEscape(dst)
	err = from.walk(func(_ Hash, fpath string, finfo os.FileInfo) error {
		return to.adopt(
			s.fs,
			path.Join(srcDir, fpath),
			path.Join(dstDir, fpath),
			fpath,
			infounit.ByteCount(finfo.Size()),
		)
	})
	if err != nil {
		return fmt.Errorf("%s -> %s: %w", src, dst, err)
	}
	if _, err := s.Delete(src); err != nil {
		return err
	}
	s.log.Debug("Merged partition.", zap.String("from", src), zap.String("to", dst))

	return nil
}

// Match looks up the key in every partition, in creation order, and returns
// the first response found.
func (s *Storage) Match(key Key) (*Response, bool, error) {
	s.mu.Lock()
	parts := make([]*Partition, 0, len(s.order))
	for _, name := range s.order {
		parts = append(parts, s.parts[name])
	}
	s.mu.Unlock()

	var firstErr error
	for _, p := range parts {
		resp, ok, err := p.Match(key)
		switch {
		case err != nil:
			if firstErr == nil {
				firstErr = err
			}
		case ok:
			return resp, true, nil
		}
	}
	return nil, false, firstErr
}

// Status returns the status of every partition in creation order.
func (s *Storage) Status() []*Status {
	s.mu.Lock()
	parts := make([]*Partition, 0, len(s.order))
	for _, name := range s.order {
		parts = append(parts, s.parts[name])
	}
	s.mu.Unlock()

	list := make([]*Status, len(parts))
	for i, p := range parts {
		list[i] = p.Status()
	}
	return list
}

// Serve serves the Storage instance. It runs the GC loop of every partition,
// including partitions opened later, until ctx is done.
func (s *Storage) Serve(ctx context.Context) error {
	s.mu.Lock()
	if s.serving {
		s.mu.Unlock()
		return fmt.Errorf("%w: already serving", ErrInvalidState)
	}
	s.serving = true
	s.serveCtx = ctx
	for _, name := range s.order {
		s.startGC(s.parts[name])
	}
	s.mu.Unlock()

	<-ctx.Done()

	// No GC loop is started once serveCtx is cleared.
	s.mu.Lock()
	s.serveCtx = nil
	s.mu.Unlock()

	s.serveWG.Wait()

	s.mu.Lock()
	clear(s.stops)
	s.serving = false
	s.mu.Unlock()

	return nil
}

// startGC starts the GC loop of the partition. It must be called with s.mu
// held.
func (s *Storage) startGC(p *Partition) {
	ctx, cancel := context.WithCancel(s.serveCtx)
	s.stops[p.name] = cancel
	s.serveWG.Add(1)
	go func() {
		defer s.serveWG.Done()
		defer cancel()
		p.serve(ctx)
	}()
}
