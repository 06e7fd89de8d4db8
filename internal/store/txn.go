package store

import (
	"errors"
	"fmt"
	"os"

	"github.com/go-git/go-billy/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	// ErrAborted 表示 Txn.Close 未发布任何内容。
	ErrAborted = errors.New("write transaction aborted")
	// ErrTxnClosed 表示在 Close 之后写入。
	ErrTxnClosed = errors.New("write transaction closed")
	// ErrNotRecorded 包装 CommitFunc 的失败，新负载已被撤回，该 id 不再有任何负载。
	ErrNotRecorded = errors.New("payload published but not recorded")

	errTxnFailed = errors.New("write transaction failed")
)

// CommitFunc 记录刚发布的负载，在 rename 之后、Txn.Close 返回之前执行。
// CommitFunc 失败时撤回该负载。
type CommitFunc func(id string, size int64) error

// Txn 是对单个负载的一次写入，不可并发使用。
type Txn struct {
	store   *Store
	id      string
	tmp     string
	file    billy.File
	commit  CommitFunc
	written int64
	failed  bool
	closed  bool
}

// Begin 开启事务，将 id 的负载写入私有临时文件，Close 发布前读者不可见。
func (s *Store) Begin(id string, commit CommitFunc) (*Txn, error) {
	tmp := s.fs.Join(EntriesDir, id+"."+uuid.NewString()+tmpSuffix)
	f, err := s.fs.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, filePerm)
	if err != nil {
		return nil, fmt.Errorf("create temp payload for %s: %w", id, err)
	}
	return &Txn{
		store:  s,
		id:     id,
		tmp:    tmp,
		file:   f,
		commit: commit,
	}, nil
}

// ID 返回事务发布的目标标识。
func (t *Txn) ID() string { return t.id }

// Size 返回目前已写入的字节数。
func (t *Txn) Size() int64 { return t.written }

// Failed 返回 Close 时事务是否会放弃。
func (t *Txn) Failed() bool { return t.failed }

// Write 向临时文件追加 p，任何错误都使事务失败。
func (t *Txn) Write(p []byte) (int, error) {
	if t.closed {
		return 0, ErrTxnClosed
	}
	if t.failed {
		return 0, errTxnFailed
	}
	n, err := t.file.Write(p)
	t.written += int64(n)
	if err == nil && n < len(p) {
		err = errors.New("short write")
	}
	if err != nil {
		t.failed = true
		return n, fmt.Errorf("write payload %s: %w", t.id, err)
	}
	return n, nil
}

// Abort 将事务标记为失败，Close 时丢弃临时文件。
func (t *Txn) Abort() {
	t.failed = true
}

// Close 结束事务。失败的事务丢弃临时文件并返回 ErrAborted，已提交负载保持不变；
// 否则临时文件落盘后替换已提交负载，并将大小交给 CommitFunc。可重复调用。
func (t *Txn) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true

	if !t.failed {
		if err := syncFile(t.file); err != nil {
			_ = t.file.Close()
			t.failed = true
			t.discard()
			return fmt.Errorf("sync temp payload %s: %w", t.id, err)
		}
	}
	if err := t.file.Close(); err != nil && !t.failed {
		t.failed = true
		t.discard()
		return fmt.Errorf("close temp payload %s: %w", t.id, err)
	}
	if t.failed {
		t.discard()
		return ErrAborted
	}

	unlock := t.store.lockEntry(t.id)
	defer unlock()

	final := t.store.path(t.id)
	if err := t.store.fs.Rename(t.tmp, final); err != nil {
		t.discard()
		return fmt.Errorf("publish payload %s: %w", t.id, err)
	}

	if t.commit == nil {
		return nil
	}
	if err := t.commit(t.id, t.written); err != nil {
		if rmErr := t.store.Remove(t.id); rmErr != nil {
			t.store.logger.WithFields(logrus.Fields{
				"action": "unpublish",
				"id":     t.id,
			}).WithError(rmErr).Warn("failed to remove unrecorded payload")
		}
		return fmt.Errorf("%w: %s: %w", ErrNotRecorded, t.id, err)
	}
	return nil
}

func (t *Txn) discard() {
	if err := t.store.fs.Remove(t.tmp); err != nil && !errors.Is(err, os.ErrNotExist) {
		t.store.logger.WithFields(logrus.Fields{
			"action": "discard_temp",
			"path":   t.tmp,
		}).WithError(err).Warn("failed to remove temp payload")
	}
}
