package diskcache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/oxtoacart/bpool"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/diskcache/internal/journal"
	"github.com/any-hub/diskcache/internal/store"
)

const (
	// ClearPath 是 Clear 通知给 Notifier 的路径。
	ClearPath = "/"

	copyBufferSize = 32 * 1024
	copyPoolSize   = 16
)

var (
	// ErrNotFound 表示键没有已提交条目或无法读取。
	ErrNotFound = errors.New("cache entry not found")
	// ErrClosed 表示向已关闭的 Writer 写入。
	ErrClosed = errors.New("cache closed")
	// ErrUnavailable 表示已关闭的缓存无法重新打开。
	ErrUnavailable = errors.New("cache unavailable")
)

// State 是 Cache 的生命周期状态。
type State int

const (
	StateClosed State = iota
	StateOpen
)

func (s State) String() string {
	if s == StateOpen {
		return "open"
	}
	return "closed"
}

// Notifier 接收每次已提交变更的路径。
type Notifier interface {
	Notify(path string)
}

// NotifierFunc 将普通函数适配为 Notifier。
type NotifierFunc func(path string)

// Notify 调用 f(path)。
func (f NotifierFunc) Notify(path string) { f(path) }

// Options 描述 Open 的参数。
type Options struct {
	// Dir 为缓存目录，设置 FS 时忽略。
	Dir string
	// FS 使用任意 billy 文件系统替代 Dir。
	FS billy.Filesystem
	// MaxSize 为负载总字节预算，必须为正。
	MaxSize int64
	// Version 标记磁盘格式，变更后清空缓存。
	Version int
	// CompactThreshold 原样传给 journal。
	CompactThreshold int
	Logger           logrus.FieldLogger
	Notifier         Notifier
}

// Stats 是缓存某一时刻的快照。
type Stats struct {
	State   State
	Size    int64
	MaxSize int64
	Entries int
	Version int
}

// Cache 是磁盘 LRU 缓存，零值不可用，需通过 Open 创建。
type Cache struct {
	opts   Options
	fs     billy.Filesystem
	logger logrus.FieldLogger
	pool   *bpool.BytePool

	mu sync.Mutex
	h  *handle // CLOSED 时为 nil
}

// handle 表示缓存的一代打开状态。Clear 与自愈会替换它，
// 仍持有旧 handle 的操作会得到 journal.ErrClosed。
type handle struct {
	index *journal.Index
	store *store.Store
}

// Open 准备缓存目录、恢复索引并执行容量预算。
// Version 变化时清空全部条目；journal 无法读取时根据磁盘上的负载重建。
func Open(opts Options) (*Cache, error) {
	if opts.MaxSize <= 0 {
		return nil, fmt.Errorf("cache max size must be positive, got %d", opts.MaxSize)
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	fsys := opts.FS
	logger := opts.Logger
	if fsys == nil {
		if opts.Dir == "" {
			return nil, errors.New("cache directory required")
		}
		abs, err := filepath.Abs(opts.Dir)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(abs, 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
		fsys = osfs.New(abs)
		logger = logger.WithField("cache_dir", abs)
	}

	c := &Cache{
		opts:   opts,
		fs:     fsys,
		logger: logger,
		pool:   bpool.NewBytePool(copyPoolSize, copyBufferSize),
	}
	h, err := c.openHandle()
	if err != nil {
		return nil, err
	}
	c.h = h
	return c, nil
}

// State 返回缓存当前是否处于打开状态。
func (c *Cache) State() State {
	if c.current() == nil {
		return StateClosed
	}
	return StateOpen
}

// Stats 返回容量与条目数，已关闭的缓存返回零值。
func (c *Cache) Stats() Stats {
	st := Stats{
		State:   StateClosed,
		MaxSize: c.opts.MaxSize,
		Version: c.opts.Version,
	}
	if h := c.current(); h != nil {
		st.State = StateOpen
		st.Size = h.index.Size()
		st.Entries = h.index.Len()
	}
	return st
}

// Close 释放 journal，下一次读写会重新打开缓存。
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.h == nil {
		return nil
	}
	err := c.h.index.Close()
	c.h = nil
	return err
}

// Clear 删除全部条目，并以相同参数重新打开缓存。
func (c *Cache) Clear() error {
	if err := c.wipe(); err != nil {
		return err
	}
	c.logger.WithField("action", "clear").Info("cache cleared")
	c.notify(ClearPath)
	return nil
}

func (c *Cache) wipe() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.h != nil {
		if err := c.h.index.Close(); err != nil {
			c.logger.WithField("action", "clear").WithError(err).Warn("failed to close journal")
		}
		c.h = nil
	}

	st, err := store.New(c.fs, c.logger)
	if err != nil {
		return err
	}
	if err := st.DeleteAll(); err != nil {
		return err
	}
	if err := journal.Remove(c.fs); err != nil {
		return fmt.Errorf("remove journal: %w", err)
	}
	h, err := c.openHandle()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	c.h = h
	return nil
}

func (c *Cache) current() *handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.h
}

// reopenIfClosed 返回当前 handle，处于 CLOSED 时打开新的一代。
func (c *Cache) reopenIfClosed() (*handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.h != nil {
		return c.h, nil
	}
	h, err := c.openHandle()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	c.h = h
	c.logger.WithField("action", "reopen").Info("cache reopened")
	return h, nil
}

// failClosed 在 err 导致 journal 不可用时将缓存切换为 CLOSED。
func (c *Cache) failClosed(h *handle, err error) {
	if !errors.Is(err, journal.ErrBroken) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.h != h {
		return
	}
	_ = h.index.Close()
	c.h = nil
	c.logger.WithField("action", "fail_closed").WithError(err).Warn("journal broken, closing cache")
}

func (c *Cache) notify(path string) {
	if c.opts.Notifier != nil {
		c.opts.Notifier.Notify(path)
	}
}

// evict 对 h 执行容量预算并删除被淘汰的负载。
func (c *Cache) evict(h *handle) error {
	ids, err := h.index.EvictUntilWithinBudget(c.opts.MaxSize)
	for _, id := range ids {
		if rmErr := h.store.Remove(id); rmErr != nil {
			c.logger.WithFields(logrus.Fields{
				"action": "evict",
				"id":     id,
			}).WithError(rmErr).Warn("failed to delete evicted payload")
		}
	}
	if len(ids) > 0 {
		c.logger.WithFields(logrus.Fields{
			"action":  "evict",
			"evicted": len(ids),
			"size":    h.index.Size(),
		}).Debug("evicted entries")
	}
	return err
}
