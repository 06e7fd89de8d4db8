package diskcache

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/diskcache/internal/store"
)

// Writer 为单个键流式写入新负载，Close 成功之前读者不可见。
// Write 失败或调用 Abort 后，Close 只丢弃数据，原有条目保持不变。
type Writer struct {
	c      *Cache
	h      *handle
	key    string
	txn    *store.Txn
	closed bool
}

// Write 将 p 追加到待提交负载。
func (w *Writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, ErrClosed
	}
	return w.txn.Write(p)
}

// Abort 使 Close 丢弃待提交负载。
func (w *Writer) Abort() {
	w.txn.Abort()
}

// Size 返回目前已写入的字节数。
func (w *Writer) Size() int64 { return w.txn.Size() }

// Close 发布负载、写入记录、按预算淘汰并发出通知。
// 写入失败或调用 Abort 后返回 store.ErrAborted。可重复调用。
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	err := w.txn.Close()
	switch {
	case err == nil:
	case errors.Is(err, store.ErrAborted):
		return err
	case errors.Is(err, store.ErrNotRecorded):
		// 负载已不存在，旧记录一并移除。
		if _, rmErr := w.h.index.RecordRemoval(w.txn.ID()); rmErr != nil {
			w.c.logger.WithFields(logrus.Fields{
				"action": "commit",
				"id":     w.txn.ID(),
			}).WithError(rmErr).Warn("failed to drop record of unpublished payload")
			w.c.failClosed(w.h, rmErr)
		}
		w.c.failClosed(w.h, err)
		return err
	default:
		return err
	}

	if err := w.c.evict(w.h); err != nil {
		w.c.failClosed(w.h, err)
		return fmt.Errorf("evict: %w", err)
	}
	w.c.notify(w.key)
	return nil
}

// Reader 流式读取已提交负载。它持有独立的文件句柄，
// 之后对该键的写入、删除或淘汰都不影响它。
type Reader struct {
	r *store.Reader
}

func (r *Reader) Read(p []byte) (int, error) { return r.r.Read(p) }

func (r *Reader) ReadAt(p []byte, off int64) (int, error) { return r.r.ReadAt(p, off) }

func (r *Reader) Seek(offset int64, whence int) (int64, error) { return r.r.Seek(offset, whence) }

func (r *Reader) Close() error { return r.r.Close() }

// Size 返回负载长度。
func (r *Reader) Size() int64 { return r.r.Size() }
