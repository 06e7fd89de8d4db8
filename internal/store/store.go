package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/diskcache/internal/keyhash"
)

const (
	// EntriesDir 存放全部负载文件，相对文件系统根目录。
	EntriesDir = "entries"
	tmpSuffix  = ".tmp"
	dirPerm    = 0o755
	filePerm   = 0o644
)

// ErrNotFound 表示该 id 没有已提交负载。
var ErrNotFound = errors.New("payload not found")

// Stored 描述存储上找到的已提交负载。
type Stored struct {
	ID      string
	Size    int64
	ModTime time.Time
}

// Store 管理负载文件，可并发使用。同一 id 的发布与记录按 id 加锁串行执行。
type Store struct {
	fs     billy.Filesystem
	logger logrus.FieldLogger

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// New 在 fsys 中准备 entries 目录。
func New(fsys billy.Filesystem, logger logrus.FieldLogger) (*Store, error) {
	if fsys == nil {
		return nil, errors.New("store filesystem required")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if err := fsys.MkdirAll(EntriesDir, dirPerm); err != nil {
		return nil, fmt.Errorf("create entries dir: %w", err)
	}
	return &Store{fs: fsys, logger: logger, locks: make(map[string]*entryLock)}, nil
}

// Open 返回 id 已提交负载的 Reader，它持有独立句柄，之后的发布或删除不影响它。
func (s *Store) Open(id string) (*Reader, error) {
	name := s.path(id)
	f, err := s.fs.Open(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("open payload %s: %w", id, err)
	}

	size, err := fileSize(s.fs, f, name)
	if err != nil {
		_ = f.Close()
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("stat payload %s: %w", id, err)
	}
	return &Reader{File: f, id: id, size: size}, nil
}

// Remove 删除 id 的已提交负载，不存在时忽略。
func (s *Store) Remove(id string) error {
	if err := s.fs.Remove(s.path(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove payload %s: %w", id, err)
	}
	return nil
}

// DeleteAll 清除全部负载与临时文件并重建目录。
func (s *Store) DeleteAll() error {
	if err := util.RemoveAll(s.fs, EntriesDir); err != nil {
		return fmt.Errorf("delete entries: %w", err)
	}
	if err := s.fs.MkdirAll(EntriesDir, dirPerm); err != nil {
		return fmt.Errorf("create entries dir: %w", err)
	}
	return nil
}

// List 返回已提交负载，按修改时间从旧到新，时间相同按 id 排序；跳过临时文件和无关文件名。
func (s *Store) List() ([]Stored, error) {
	infos, err := s.fs.ReadDir(EntriesDir)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}

	out := make([]Stored, 0, len(infos))
	for _, info := range infos {
		if !info.Mode().IsRegular() || !keyhash.Valid(info.Name()) {
			continue
		}
		out = append(out, Stored{ID: info.Name(), Size: info.Size(), ModTime: info.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ModTime.Equal(out[j].ModTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].ModTime.Before(out[j].ModTime)
	})
	return out, nil
}

// SweepTemp 删除中断写入遗留的临时文件并返回删除数量，只能在没有打开事务时调用。
func (s *Store) SweepTemp() (int, error) {
	infos, err := s.fs.ReadDir(EntriesDir)
	if err != nil {
		return 0, fmt.Errorf("list entries: %w", err)
	}

	removed := 0
	for _, info := range infos {
		if info.IsDir() || !strings.HasSuffix(info.Name(), tmpSuffix) {
			continue
		}
		if err := s.fs.Remove(s.fs.Join(EntriesDir, info.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, fmt.Errorf("remove stale temp %s: %w", info.Name(), err)
		}
		removed++
	}
	if removed > 0 {
		s.logger.WithFields(logrus.Fields{
			"action":  "sweep_temp",
			"removed": removed,
		}).Info("removed stale temp files")
	}
	return removed, nil
}

func (s *Store) path(id string) string {
	return s.fs.Join(EntriesDir, id)
}

type statFile interface {
	Stat() (os.FileInfo, error)
}

// fileSize 优先使用已打开句柄，使大小与读者所见一致。
func fileSize(fsys billy.Filesystem, f billy.File, name string) (int64, error) {
	if sf, ok := f.(statFile); ok {
		if info, err := sf.Stat(); err == nil {
			return info.Size(), nil
		}
	}
	info, err := fsys.Stat(name)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// lockEntry 按 id 加锁，返回的函数释放锁并在无人等待时回收。
func (s *Store) lockEntry(id string) func() {
	s.mu.Lock()
	lock := s.locks[id]
	if lock == nil {
		lock = &entryLock{}
		s.locks[id] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, id)
		}
		s.mu.Unlock()
	}
}

type syncer interface {
	Sync() error
}

func syncFile(f billy.File) error {
	if sf, ok := f.(syncer); ok {
		return sf.Sync()
	}
	return nil
}
