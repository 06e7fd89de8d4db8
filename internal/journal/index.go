package journal

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strconv"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/sirupsen/logrus"
)

// Index 是 journal 的内存视图，可并发使用。
type Index struct {
	fs      billy.Filesystem
	version int
	opts    Options
	logger  logrus.FieldLogger

	mu        sync.Mutex
	file      billy.File
	offset    int64 // 最后一条已落盘记录的结尾
	entries   map[string]*Entry
	size      int64
	nextSeq   uint64
	redundant int
	broken    bool
	closed    bool
}

// Open 回放 fsys 中的 journal。不存在时返回 ErrMissing，
// 版本不符时返回 ErrVersionMismatch，无法解析时返回 ErrCorrupt。
func Open(fsys billy.Filesystem, version int, opts Options) (*Index, error) {
	opts = opts.withDefaults()
	// 残留的压缩文件一律不可信。
	_ = removeIfExists(fsys, tmpFileName)

	data, err := util.ReadFile(fsys, FileName)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrMissing
		}
		return nil, fmt.Errorf("read journal: %w", err)
	}

	res, err := replay(data, version)
	if err != nil {
		return nil, err
	}

	ix := newIndex(fsys, version, opts)
	ix.entries = res.entries
	ix.size = res.size
	ix.nextSeq = res.nextSeq
	ix.redundant = res.records - len(res.entries)

	if res.tornTail {
		ix.logger.WithFields(logrus.Fields{
			"action":  "journal_replay",
			"records": res.records,
		}).Warn("discarding torn journal tail")
		if err := ix.compactLocked(); err != nil {
			return nil, err
		}
		return ix, nil
	}

	f, err := fsys.OpenFile(FileName, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal for append: %w", err)
	}
	ix.file = f
	ix.offset = res.validLen
	ix.maybeCompactLocked()
	return ix, nil
}

// Create 写入空 journal，覆盖已有文件。
func Create(fsys billy.Filesystem, version int, opts Options) (*Index, error) {
	return Rebuild(fsys, version, nil, opts)
}

// Rebuild 根据存储上找到的负载创建 journal。
// recovered 的顺序决定最近使用顺序，第一个元素最久未使用。
func Rebuild(fsys billy.Filesystem, version int, recovered []Recovered, opts Options) (*Index, error) {
	ix := newIndex(fsys, version, opts.withDefaults())
	for _, r := range recovered {
		if prev, ok := ix.entries[r.ID]; ok {
			ix.size -= prev.Size
		}
		ix.entries[r.ID] = &Entry{ID: r.ID, Size: r.Size, Seq: ix.nextSeq}
		ix.nextSeq++
		ix.size += r.Size
	}
	if err := ix.compactLocked(); err != nil {
		return nil, err
	}
	return ix, nil
}

// Remove 从 fsys 删除 journal 文件。
func Remove(fsys billy.Basic) error {
	if err := removeIfExists(fsys, tmpFileName); err != nil {
		return err
	}
	return removeIfExists(fsys, FileName)
}

func newIndex(fsys billy.Filesystem, version int, opts Options) *Index {
	return &Index{
		fs:      fsys,
		version: version,
		opts:    opts,
		logger:  opts.Logger,
		entries: make(map[string]*Entry),
	}
}

// Lookup 返回 id 对应的记录。
func (ix *Index) Lookup(id string) (Entry, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	e, ok := ix.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Size 返回全部记录的负载大小之和。
func (ix *Index) Size() int64 {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.size
}

// Len 返回记录的条目数。
func (ix *Index) Len() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return len(ix.entries)
}

// Version 返回 journal 头部写入的版本标记。
func (ix *Index) Version() int {
	return ix.version
}

// Entries 返回全部条目的副本，最久未使用的在前。
func (ix *Index) Entries() []Entry {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	out := make([]Entry, 0, len(ix.entries))
	for _, e := range ix.sortedLocked() {
		out = append(out, *e)
	}
	return out
}

// RecordCommit 插入或替换 id 的条目并标记为最近使用，返回前记录已落盘。
func (ix *Index) RecordCommit(id string, size int64) error {
	if size < 0 {
		return fmt.Errorf("record commit %s: negative size %d", id, size)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if err := ix.writableLocked(); err != nil {
		return err
	}
	cp := ix.checkpointLocked(id)
	if prev, ok := ix.entries[id]; ok {
		ix.size -= prev.Size
		ix.redundant++
	}
	ix.entries[id] = &Entry{ID: id, Size: size, Seq: ix.nextSeq}
	ix.nextSeq++
	ix.size += size

	if err := ix.appendLocked(string(opCommit) + " " + id + " " + strconv.FormatInt(size, 10) + "\n"); err != nil {
		ix.restoreLocked(cp)
		return fmt.Errorf("record commit %s: %w", id, err)
	}
	ix.maybeCompactLocked()
	return nil
}

// RecordTouch 将 id 标记为最近使用，未知 id 忽略。
func (ix *Index) RecordTouch(id string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if err := ix.writableLocked(); err != nil {
		return err
	}
	e, ok := ix.entries[id]
	if !ok {
		return nil
	}
	cp := ix.checkpointLocked(id)
	e.Seq = ix.nextSeq
	ix.nextSeq++
	ix.redundant++

	if err := ix.appendLocked(string(opTouch) + " " + id + "\n"); err != nil {
		ix.restoreLocked(cp)
		return fmt.Errorf("record touch %s: %w", id, err)
	}
	ix.maybeCompactLocked()
	return nil
}

// RecordRemoval 删除 id 的条目并返回其是否存在，未知 id 不写入任何记录。
func (ix *Index) RecordRemoval(id string) (bool, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if err := ix.writableLocked(); err != nil {
		return false, err
	}
	if _, ok := ix.entries[id]; !ok {
		return false, nil
	}
	if err := ix.removeLocked(id); err != nil {
		return false, err
	}
	ix.maybeCompactLocked()
	return true, nil
}

// EvictUntilWithinBudget 依次移除最久未使用的条目直到总大小不超过 maxSize，
// 按移除顺序返回 id。序号相同时按 id 升序。持久化失败时返回已移除的 id 与错误。
func (ix *Index) EvictUntilWithinBudget(maxSize int64) ([]string, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if err := ix.writableLocked(); err != nil {
		return nil, err
	}
	if ix.size <= maxSize {
		return nil, nil
	}

	var removed []string
	for _, e := range ix.sortedLocked() {
		if ix.size <= maxSize {
			break
		}
		if err := ix.removeLocked(e.ID); err != nil {
			return removed, err
		}
		removed = append(removed, e.ID)
	}
	ix.maybeCompactLocked()
	return removed, nil
}

// Close 释放 journal 文件，之后的变更返回 ErrClosed。
func (ix *Index) Close() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.closed {
		return nil
	}
	ix.closed = true
	if ix.file == nil {
		return nil
	}
	err := ix.file.Close()
	ix.file = nil
	return err
}

func (ix *Index) removeLocked(id string) error {
	e := ix.entries[id]
	cp := ix.checkpointLocked(id)
	delete(ix.entries, id)
	ix.size -= e.Size
	// 创建它的提交记录与本次删除记录都已成为冗余。
	ix.redundant += 2

	if err := ix.appendLocked(string(opRemoval) + " " + id + "\n"); err != nil {
		ix.restoreLocked(cp)
		return fmt.Errorf("record removal %s: %w", id, err)
	}
	return nil
}

func (ix *Index) writableLocked() error {
	switch {
	case ix.closed:
		return ErrClosed
	case ix.broken:
		return ErrBroken
	}
	return nil
}

// sortedLocked 按序号、再按 id 排序条目。
func (ix *Index) sortedLocked() []*Entry {
	list := make([]*Entry, 0, len(ix.entries))
	for _, e := range ix.entries {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Seq == list[j].Seq {
			return list[i].ID < list[j].ID
		}
		return list[i].Seq < list[j].Seq
	})
	return list
}

// checkpoint 保存单条目变更可能改动的状态。
type checkpoint struct {
	id        string
	prev      *Entry
	size      int64
	nextSeq   uint64
	redundant int
}

func (ix *Index) checkpointLocked(id string) checkpoint {
	cp := checkpoint{
		id:        id,
		size:      ix.size,
		nextSeq:   ix.nextSeq,
		redundant: ix.redundant,
	}
	if e, ok := ix.entries[id]; ok {
		dup := *e
		cp.prev = &dup
	}
	return cp
}

func (ix *Index) restoreLocked(cp checkpoint) {
	if cp.prev != nil {
		ix.entries[cp.id] = cp.prev
	} else {
		delete(ix.entries, cp.id)
	}
	ix.size = cp.size
	ix.nextSeq = cp.nextSeq
	ix.redundant = cp.redundant
}

func removeIfExists(fsys billy.Basic, name string) error {
	if err := fsys.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
