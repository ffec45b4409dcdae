// Copyright (c) 2022 Hirotsuna Mizuno. All rights reserved.
// Use of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package swcache

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/petar/GoLLRB/llrb"
	"github.com/tunabay/go-infounit"
	"go.uber.org/zap"
)

// Limits represents the upper limits of a partition. Zero value in each
// field means unlimited. When a limit is exceeded, the least recently used
// entries are removed by the GC loop run by Storage.Serve. Note that more than
// these limits may be used temporarily.
type Limits struct {
	MaxEntries uint64
	MaxSize    infounit.ByteCount

	// The maximum age of entries. Note that it is the time since last
	// access, not the time since stored.
	MaxAge time.Duration
}

// unlimited reports whether no limit is set.
func (l Limits) unlimited() bool {
	return l.MaxEntries == 0 && l.MaxSize == 0 && l.MaxAge == 0
}

// Partition represents a named cache partition, a persistent store of
// request to response pairs. A Partition is obtained from Storage.Open.
type Partition struct {
	name       string
	fs         billy.Filesystem
	touch      func(fpath string, t time.Time) error // nil if unsupported
	limits     Limits
	gcInterval time.Duration

	numEntries   uint64
	totalSize    infounit.ByteCount
	numRequested uint64
	numHit       uint64
	numStored    uint64
	numFailed    uint64
	numRemoved   uint64

	deleted bool
	cond    *sync.Cond
	mu      sync.Mutex

	log *zap.Logger
}

// openPartition opens the partition rooted at the filesystem pfs, counting the
// existing entries and removing leftover temporary files. touch, if not nil,
// sets the modification time of an entry file.
func openPartition(name string, pfs billy.Filesystem, touch func(string, time.Time) error, gcInterval time.Duration, log *zap.Logger) (*Partition, error) {
	p := &Partition{
		name:       name,
		fs:         pfs,
		touch:      touch,
		gcInterval: gcInterval,
		log:        log.With(zap.String("partition", name)),
	}
	p.cond = sync.NewCond(&p.mu)

	err := p.walk(func(_ Hash, fpath string, finfo os.FileInfo) error {
		p.numEntries++
		p.totalSize += infounit.ByteCount(finfo.Size())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: failed to read partition: %w", name, err)
	}
	if p.numEntries != 0 {
		p.log.Info("Found cache entries.",
			zap.Uint64("entries", p.numEntries),
			zap.Uint64("bytes", uint64(p.totalSize)),
		)
	}

	return p, nil
}

// Name returns the name of the partition.
func (p *Partition) Name() string { return p.name }

// setLimits replaces the limits of the partition and wakes up the GC loop.
func (p *Partition) setLimits(l Limits) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.limits = l
	p.cond.Broadcast()
}

// entryPath returns the path of the entry file corresponding to the given hash
// value, relative to the partition root.
func (p *Partition) entryPath(hash Hash) (dir, fpath string) {
	dir = path.Join(b2hex(hash[HashSize-1]), b2hex(hash[HashSize-2]))
	fpath = path.Join(dir, hashHex(hash))
	return
}

// Match looks up the entry for the key. It returns false if the partition does
// not have one.
func (p *Partition) Match(key Key) (*Response, bool, error) {
	p.mu.Lock()
	p.numRequested++
	p.mu.Unlock()

	resp, fpath, ok, err := p.load(key)
	if err != nil || !ok {
		return nil, false, err
	}

	// Refresh the last access time for the LRU order.
	if p.touch != nil {
		_ = p.touch(fpath, time.Now())
	}

	p.mu.Lock()
	p.numHit++
	p.mu.Unlock()
	p.log.Debug("Cache hit.", zap.Stringer("key", key))

	return resp, true, nil
}

// Contains reports whether the partition has an entry for the key. Unlike
// Match, it neither counts as a lookup nor refreshes the last access time.
func (p *Partition) Contains(key Key) (bool, error) {
	_, _, ok, err := p.load(key)
	return ok, err
}

// load reads and decodes the entry file for the key.
func (p *Partition) load(key Key) (*Response, string, bool, error) {
	_, fpath := p.entryPath(key.Hash())

	p.mu.Lock()
	deleted := p.deleted
	p.mu.Unlock()
	if deleted {
		return nil, fpath, false, nil
	}

	b, err := util.ReadFile(p.fs, fpath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, fpath, false, nil
	case err != nil:
		p.countFailure()
		return nil, fpath, false, fmt.Errorf("%s: %s: failed to read: %w", p.name, key, err)
	}
	ekey, resp, _, err := decodeEntry(b)
	if err != nil {
		p.countFailure()
		return nil, fpath, false, fmt.Errorf("%s: %s: %w", p.name, key, err)
	}
	if ekey != key {
		// hash collision, practically never
		return nil, fpath, false, nil
	}
	return resp, fpath, true, nil
}

// Put stores the response for the key, replacing an existing entry. Only keys
// of GET requests are accepted. The entry is written to a temporary file and
// then renamed, so concurrent writers to the same key never leave a broken
// entry: the last one wins.
func (p *Partition) Put(key Key, resp *Response) error {
	if !key.IsGet() {
		return fmt.Errorf("%s: %w", key, ErrNotGET)
	}
	hash := key.Hash()
	dir, fpath := p.entryPath(hash)

	p.mu.Lock()
	deleted := p.deleted
	p.mu.Unlock()
	if deleted {
		return fmt.Errorf("%s: %w: partition deleted", p.name, ErrInvalidState)
	}

	if err := p.fs.MkdirAll(dir, 0o0700); err != nil {
		p.countFailure()
		return fmt.Errorf("%s: %s: failed to create: %w", p.name, dir, err)
	}
	tmp, err := p.fs.TempFile(dir, hashHex(hash)+".tmp")
	if err != nil {
		p.countFailure()
		return fmt.Errorf("%s: failed to open file: %w", p.name, err)
	}
	tmpPath := tmp.Name()
	if err := encodeEntry(tmp, key, resp, time.Now()); err != nil {
		_ = tmp.Close()
		_ = p.fs.Remove(tmpPath)
		p.countFailure()
		return fmt.Errorf("%s: failed to write file: %w", p.name, err)
	}
	if err := tmp.Close(); err != nil {
		_ = p.fs.Remove(tmpPath)
		p.countFailure()
		return fmt.Errorf("%s: failed to write file: %w", p.name, err)
	}
	finfo, err := p.fs.Stat(tmpPath)
	if err != nil {
		_ = p.fs.Remove(tmpPath)
		p.countFailure()
		return fmt.Errorf("%s: failed to stat file: %w", p.name, err)
	}
	sz := infounit.ByteCount(finfo.Size())

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.deleted {
		_ = p.fs.Remove(tmpPath)
		return fmt.Errorf("%s: %w: partition deleted", p.name, ErrInvalidState)
	}
	err = p.replaceEntry(fpath, sz, func() error { return p.fs.Rename(tmpPath, fpath) })
	if err != nil {
		_ = p.fs.Remove(tmpPath)
		return err
	}
	p.log.Debug("Stored.", zap.Stringer("key", key), zap.Uint64("bytes", uint64(sz)))

	return nil
}

// adopt moves the complete entry file at from, a path in the storage root
// filesystem, into this partition as fpath. to is the same destination
// expressed in the root filesystem. No new data is written, so it does not
// fail for lack of space.
func (p *Partition) adopt(root billy.Filesystem, from, to, fpath string, sz infounit.ByteCount) error {
	if err := p.fs.MkdirAll(path.Dir(fpath), 0o0700); err != nil {
		p.countFailure()
		return fmt.Errorf("%s: %s: failed to create: %w", p.name, path.Dir(fpath), err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.deleted {
		return fmt.Errorf("%s: %w: partition deleted", p.name, ErrInvalidState)
	}
	return p.replaceEntry(fpath, sz, func() error { return root.Rename(from, to) })
}

// replaceEntry puts a complete entry file of size sz in place at fpath by
// calling mv, replacing an existing entry, and updates the counters. It must
// be called with p.mu held.
func (p *Partition) replaceEntry(fpath string, sz infounit.ByteCount, mv func() error) error {
	oinfo, oerr := p.fs.Stat(fpath)
	if err := mv(); err != nil {
		// Some filesystems refuse to rename over an existing file.
		if oerr != nil || p.fs.Remove(fpath) != nil || mv() != nil {
			p.numFailed++
			return fmt.Errorf("%s: failed to write file: %w", p.name, err)
		}
	}
	if oerr == nil {
		p.totalSize -= infounit.ByteCount(oinfo.Size())
	} else {
		p.numEntries++
	}
	p.totalSize += sz
	p.numStored++
	p.cond.Broadcast()

	return nil
}

// Delete removes the entry for the key. It reports whether an entry existed.
func (p *Partition) Delete(key Key) (bool, error) {
	_, fpath := p.entryPath(key.Hash())

	p.mu.Lock()
	defer p.mu.Unlock()

	return p.remove(fpath, time.Time{})
}

// remove removes the entry file. If lastMod is not zero, the file is removed
// only if it has not been accessed since. It must be called with p.mu held.
func (p *Partition) remove(fpath string, lastMod time.Time) (bool, error) {
	finfo, err := p.fs.Stat(fpath)
	if err != nil {
		return false, nil // file disappeared?
	}
	if !lastMod.IsZero() && !lastMod.Equal(finfo.ModTime()) {
		return false, nil // concurrently accessed
	}
	if err := p.fs.Remove(fpath); err != nil {
		p.numFailed++
		return false, fmt.Errorf("%s: %s: %w", p.name, fpath, err)
	}
	p.numRemoved++
	p.numEntries--
	p.totalSize -= infounit.ByteCount(finfo.Size())

	return true, nil
}

// Keys returns the keys of all the entries in the partition, in no particular
// order.
func (p *Partition) Keys() ([]Key, error) {
	var keys []Key
	err := p.walk(func(_ Hash, fpath string, _ os.FileInfo) error {
		b, err := util.ReadFile(p.fs, fpath)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil // concurrently removed
			}
			return err //nolint:wrapcheck
		}
		key, _, _, err := decodeEntry(b)
		if err != nil {
			p.log.Warn("Skip broken entry.", zap.String("path", fpath), zap.Error(err))
			return nil
		}
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: failed to read partition: %w", p.name, err)
	}
	return keys, nil
}

// walk calls fn for every entry file in the partition. Leftover temporary
// files are removed and unexpected files are skipped.
func (p *Partition) walk(fn func(Hash, string, os.FileInfo) error) error {
	l1, err := p.fs.ReadDir("/")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err //nolint:wrapcheck
	}
	for _, d1 := range l1 {
		if !d1.IsDir() {
			continue
		}
		l2, err := p.fs.ReadDir(d1.Name())
		if err != nil {
			continue
		}
		for _, d2 := range l2 {
			if !d2.IsDir() {
				continue
			}
			dir := path.Join(d1.Name(), d2.Name())
			files, err := p.fs.ReadDir(dir)
			if err != nil {
				continue
			}
			for _, finfo := range files {
				fname := finfo.Name()
				fpath := path.Join(dir, fname)
				if finfo.IsDir() {
					continue
				}
				if strings.Contains(fname, ".tmp") {
					_ = p.fs.Remove(fpath)
					continue
				}
				if len(fname) != HashSize*2 {
					continue
				}
				hb, err := hex.DecodeString(fname)
				if err != nil {
					continue
				}
				var hash Hash
				copy(hash[:], hb)
				if err := fn(hash, fpath, finfo); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// overflow reports whether the entry count or total size exceeds the limits.
// It must be called with p.mu held.
func (p *Partition) overflow() bool {
	return (p.limits.MaxEntries != 0 && p.limits.MaxEntries < p.numEntries) ||
		(p.limits.MaxSize != 0 && p.limits.MaxSize < p.totalSize)
}

// serve runs the GC loop of the partition until ctx is done. It finds and
// removes the entries exceeding the limits.
func (p *Partition) serve(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	defer stop()

	for {
		p.mu.Lock()
		for ctx.Err() == nil && (p.limits.unlimited() || (p.limits.MaxAge == 0 && !p.overflow())) {
			p.cond.Wait()
		}
		p.mu.Unlock()
		if ctx.Err() != nil {
			return
		}

		p.collect()

		// wait for the next
		timer := time.NewTimer(p.gcInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// candidate represents a candidate entry for deletion. Among these
// candidates, those with the oldest lastMod will be deleted in order.
type candidate struct {
	hash    Hash
	path    string
	lastMod time.Time
}

// Less compares the lastMod values of the two candidates and reports the
// result.
func (c *candidate) Less(xif llrb.Item) bool {
	x := xif.(*candidate) //nolint:forcetypeassert
	if c.lastMod.Equal(x.lastMod) {
		return string(c.hash[:]) < string(x.hash[:])
	}
	return c.lastMod.Before(x.lastMod)
}

// collect performs one GC pass. Expired entries are removed, then the least
// recently used entries are removed until the partition fits its limits.
func (p *Partition) collect() {
	p.log.Debug("Started GC...")

	p.mu.Lock()
	limits := p.limits
	var maxCands uint64 = 64
	for p.numEntries+maxCands < limits.MaxEntries {
		maxCands <<= 1
	}
	p.mu.Unlock()

	tree := llrb.New()
	err := p.walk(func(hash Hash, fpath string, finfo os.FileInfo) error {
		if age := time.Since(finfo.ModTime()); limits.MaxAge != 0 && limits.MaxAge < age {
			p.mu.Lock()
			removed, err := p.remove(fpath, finfo.ModTime())
			p.mu.Unlock()
			switch {
			case err != nil:
				p.log.Warn("Failed to remove expired entry.", zap.String("path", fpath), zap.Error(err))
			case removed:
				p.log.Info("Removed expired entry.", zap.String("path", fpath), zap.Duration("age", age))
			}
			return nil
		}
		tree.InsertNoReplace(&candidate{hash: hash, path: fpath, lastMod: finfo.ModTime()})
		if maxCands < uint64(tree.Len()) {
			tree.DeleteMax()
		}
		return nil
	})
	if err != nil {
		p.log.Warn("Failed to read partition.", zap.Error(err))
		return
	}

	candList := make([]*candidate, 0, tree.Len())
	tree.AscendGreaterOrEqual(&candidate{}, func(iif llrb.Item) bool {
		candList = append(candList, iif.(*candidate)) //nolint:forcetypeassert
		return true
	})

	for _, cand := range candList {
		p.mu.Lock()
		if !p.overflow() {
			p.mu.Unlock()
			break
		}
		removed, err := p.remove(cand.path, cand.lastMod)
		p.mu.Unlock()
		switch {
		case err != nil:
			p.log.Warn("Failed to remove entry.", zap.String("path", cand.path), zap.Error(err))
		case removed:
			p.log.Debug("Removed.", zap.String("hash", hashHex(cand.hash)))
		}
	}
	p.log.Debug("GC finished.")
}

// markDeleted marks the partition as deleted. Later Put calls fail and Match
// calls miss.
func (p *Partition) markDeleted() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleted = true
	p.cond.Broadcast()
}

// countFailure increments the failure counter.
func (p *Partition) countFailure() {
	p.mu.Lock()
	p.numFailed++
	p.mu.Unlock()
}

// Status represents the partition status and statistics.
type Status struct {
	Name         string             // name of the partition.
	NumEntries   uint64             // number of entries currently in the partition.
	TotalSize    infounit.ByteCount // total size of entry files.
	NumRequested uint64             // total number of lookups.
	NumHit       uint64             // total number of lookup hits.
	NumStored    uint64             // total number of stored responses.
	NumFailed    uint64             // total number of operation failures.
	NumRemoved   uint64             // total number of removed entries.
}

// String returns the string representation of Status.
func (s Status) String() string {
	return fmt.Sprintf(
		"%s: entries=%d, size=%.1S, req=%d, hit=%d, put=%d, fail=%d, del=%d",
		s.Name,
		s.NumEntries,
		s.TotalSize,
		s.NumRequested,
		s.NumHit,
		s.NumStored,
		s.NumFailed,
		s.NumRemoved,
	)
}

// Status returns the current partition status and statistics.
func (p *Partition) Status() *Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return &Status{
		Name:         p.name,
		NumEntries:   p.numEntries,
		TotalSize:    p.totalSize,
		NumRequested: p.numRequested,
		NumHit:       p.numHit,
		NumStored:    p.numStored,
		NumFailed:    p.numFailed,
		NumRemoved:   p.numRemoved,
	}
}
