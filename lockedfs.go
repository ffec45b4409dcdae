// Copyright (c) 2022 Hirotsuna Mizuno. All rights reserved.
// Use of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package swcache

import (
	"os"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/helper/chroot"
)

// lockedFS serializes the operations on a filesystem that is not safe for
// concurrent use, such as memfs. Reads and writes on opened files are not
// serialized.
type lockedFS struct {
	fs billy.Filesystem
	mu sync.Mutex
}

func newLockedFS(fs billy.Filesystem) *lockedFS {
	return &lockedFS{fs: fs}
}

func (l *lockedFS) Create(filename string) (billy.File, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fs.Create(filename) //nolint:wrapcheck
}

func (l *lockedFS) Open(filename string) (billy.File, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fs.Open(filename) //nolint:wrapcheck
}

func (l *lockedFS) OpenFile(filename string, flag int, perm os.FileMode) (billy.File, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fs.OpenFile(filename, flag, perm) //nolint:wrapcheck
}

func (l *lockedFS) Stat(filename string) (os.FileInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fs.Stat(filename) //nolint:wrapcheck
}

func (l *lockedFS) Rename(oldpath, newpath string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fs.Rename(oldpath, newpath) //nolint:wrapcheck
}

func (l *lockedFS) Remove(filename string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fs.Remove(filename) //nolint:wrapcheck
}

func (l *lockedFS) Join(elem ...string) string { return l.fs.Join(elem...) }

func (l *lockedFS) TempFile(dir, prefix string) (billy.File, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fs.TempFile(dir, prefix) //nolint:wrapcheck
}

func (l *lockedFS) ReadDir(path string) ([]os.FileInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fs.ReadDir(path) //nolint:wrapcheck
}

func (l *lockedFS) MkdirAll(filename string, perm os.FileMode) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fs.MkdirAll(filename, perm) //nolint:wrapcheck
}

func (l *lockedFS) Lstat(filename string) (os.FileInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fs.Lstat(filename) //nolint:wrapcheck
}

func (l *lockedFS) Symlink(target, link string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fs.Symlink(target, link) //nolint:wrapcheck
}

func (l *lockedFS) Readlink(link string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fs.Readlink(link) //nolint:wrapcheck
}

// Chroot returns a view of the directory whose operations still go through l.
func (l *lockedFS) Chroot(path string) (billy.Filesystem, error) {
	return chroot.New(l, path), nil
}

func (l *lockedFS) Root() string { return l.fs.Root() }

func (l *lockedFS) Capabilities() billy.Capability { return billy.Capabilities(l.fs) }
