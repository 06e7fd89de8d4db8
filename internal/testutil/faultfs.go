// Package testutil provides helpers shared by the package tests, most notably
// a filesystem wrapper that injects I/O failures on demand.
package testutil

import (
	"errors"
	"os"
	"strings"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
)

// ErrInjected is returned by every injected failure.
var ErrInjected = errors.New("injected I/O failure")

// FaultFS wraps a billy.Filesystem and fails selected operations.
// Faults are evaluated when the operation runs, so they can be switched on
// in the middle of a write.
type FaultFS struct {
	billy.Filesystem

	mu       sync.Mutex
	write    func(name string) bool
	truncate func(name string) bool
	rename   func(from, to string) bool
	open     func(name string) bool
	remove   func(name string) bool
	sync     func(name string) bool
	renamed  func(from, to string)
}

// NewFaultFS wraps base; a nil base uses a fresh memfs.
func NewFaultFS(base billy.Filesystem) *FaultFS {
	if base == nil {
		base = memfs.New()
	}
	return &FaultFS{Filesystem: base}
}

// HasSuffix matches file names ending in suffix.
func HasSuffix(suffix string) func(string) bool {
	return func(name string) bool { return strings.HasSuffix(name, suffix) }
}

// FailWrites makes writes to matching files fail. nil clears the fault.
func (f *FaultFS) FailWrites(match func(name string) bool) {
	f.mu.Lock()
	f.write = match
	f.mu.Unlock()
}

// FailTruncates makes truncation of matching files fail.
func (f *FaultFS) FailTruncates(match func(name string) bool) {
	f.mu.Lock()
	f.truncate = match
	f.mu.Unlock()
}

// FailRenames makes matching renames fail.
func (f *FaultFS) FailRenames(match func(from, to string) bool) {
	f.mu.Lock()
	f.rename = match
	f.mu.Unlock()
}

// FailOpens makes Open, OpenFile and Create fail for matching names.
func (f *FaultFS) FailOpens(match func(name string) bool) {
	f.mu.Lock()
	f.open = match
	f.mu.Unlock()
}

// FailRemoves makes Remove fail for matching names.
func (f *FaultFS) FailRemoves(match func(name string) bool) {
	f.mu.Lock()
	f.remove = match
	f.mu.Unlock()
}

// FailSyncs makes Sync of matching files fail.
func (f *FaultFS) FailSyncs(match func(name string) bool) {
	f.mu.Lock()
	f.sync = match
	f.mu.Unlock()
}

// OnRename runs hook after every successful rename, before Rename returns.
func (f *FaultFS) OnRename(hook func(from, to string)) {
	f.mu.Lock()
	f.renamed = hook
	f.mu.Unlock()
}

// Reset clears every fault and hook.
func (f *FaultFS) Reset() {
	f.mu.Lock()
	f.write, f.truncate, f.rename, f.open, f.remove, f.sync = nil, nil, nil, nil, nil, nil
	f.renamed = nil
	f.mu.Unlock()
}

func (f *FaultFS) hit(match func(string) bool, name string) bool {
	return match != nil && match(name)
}

func (f *FaultFS) shouldFail(kind string, name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch kind {
	case "write":
		return f.hit(f.write, name)
	case "truncate":
		return f.hit(f.truncate, name)
	case "open":
		return f.hit(f.open, name)
	case "remove":
		return f.hit(f.remove, name)
	case "sync":
		return f.hit(f.sync, name)
	}
	return false
}

// Create implements billy.Basic.
func (f *FaultFS) Create(name string) (billy.File, error) {
	return f.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o666)
}

// Open implements billy.Basic.
func (f *FaultFS) Open(name string) (billy.File, error) {
	return f.OpenFile(name, os.O_RDONLY, 0)
}

// OpenFile implements billy.Basic.
func (f *FaultFS) OpenFile(name string, flag int, perm os.FileMode) (billy.File, error) {
	if f.shouldFail("open", name) {
		return nil, &os.PathError{Op: "open", Path: name, Err: ErrInjected}
	}
	file, err := f.Filesystem.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return &faultFile{File: file, fs: f, name: name}, nil
}

// Rename implements billy.Basic.
func (f *FaultFS) Rename(from, to string) error {
	f.mu.Lock()
	match, hook := f.rename, f.renamed
	f.mu.Unlock()
	if match != nil && match(from, to) {
		return &os.LinkError{Op: "rename", Old: from, New: to, Err: ErrInjected}
	}
	if err := f.Filesystem.Rename(from, to); err != nil {
		return err
	}
	if hook != nil {
		hook(from, to)
	}
	return nil
}

// Remove implements billy.Basic.
func (f *FaultFS) Remove(name string) error {
	if f.shouldFail("remove", name) {
		return &os.PathError{Op: "remove", Path: name, Err: ErrInjected}
	}
	return f.Filesystem.Remove(name)
}

type faultFile struct {
	billy.File
	fs   *FaultFS
	name string
}

func (f *faultFile) Write(p []byte) (int, error) {
	if f.fs.shouldFail("write", f.name) {
		return 0, &os.PathError{Op: "write", Path: f.name, Err: ErrInjected}
	}
	return f.File.Write(p)
}

func (f *faultFile) Truncate(size int64) error {
	if f.fs.shouldFail("truncate", f.name) {
		return &os.PathError{Op: "truncate", Path: f.name, Err: ErrInjected}
	}
	return f.File.Truncate(size)
}

// Sync forwards to the wrapped file when it supports syncing.
func (f *faultFile) Sync() error {
	if f.fs.shouldFail("sync", f.name) {
		return &os.PathError{Op: "sync", Path: f.name, Err: ErrInjected}
	}
	if s, ok := f.File.(interface{ Sync() error }); ok {
		return s.Sync()
	}
	return nil
}
