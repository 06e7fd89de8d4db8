package diskcache

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/diskcache/internal/keyhash"
	"github.com/any-hub/diskcache/internal/store"
)

// Exists 返回 key 是否存在已提交条目。已关闭的缓存返回 false 且不会重新打开。
func (c *Cache) Exists(key string) bool {
	h := c.current()
	if h == nil {
		return false
	}
	_, ok := h.index.Lookup(keyhash.Hash(key))
	return ok
}

// Touch 在不打开负载的情况下将 key 标记为最近使用，并返回条目是否存在。
// 自行持有副本的上层在命中时调用它，使磁盘顺序跟随其命中。
func (c *Cache) Touch(key string) bool {
	h, err := c.reopenIfClosed()
	if err != nil {
		return false
	}
	id := keyhash.Hash(key)
	if _, ok := h.index.Lookup(id); !ok {
		return false
	}
	if err := h.index.RecordTouch(id); err != nil {
		c.logger.WithFields(logrus.Fields{"action": "touch", "id": id}).WithError(err).Warn("failed to record access")
		c.failClosed(h, err)
	}
	return true
}

// OpenWriteStream 开始写入 key，必要时重新打开缓存。
func (c *Cache) OpenWriteStream(key string) (*Writer, error) {
	h, err := c.reopenIfClosed()
	if err != nil {
		return nil, err
	}
	txn, err := h.store.Begin(keyhash.Hash(key), h.index.RecordCommit)
	if err != nil {
		return nil, err
	}
	return &Writer{c: c, h: h, key: key, txn: txn}, nil
}

// OpenReadStream 打开 key 的已提交条目并标记为最近使用。
// 所有失败都报告为 ErrNotFound，有具体原因时一并包装。
func (c *Cache) OpenReadStream(key string) (*Reader, error) {
	h, err := c.reopenIfClosed()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	id := keyhash.Hash(key)
	if _, ok := h.index.Lookup(id); !ok {
		return nil, ErrNotFound
	}

	r, err := h.store.Open(id)
	if err != nil {
		fields := logrus.Fields{"action": "read", "id": id}
		if errors.Is(err, store.ErrNotFound) {
			// 负载已被外部删除，同步丢弃记录。
			c.logger.WithFields(fields).Warn("recorded payload missing")
			if _, rmErr := h.index.RecordRemoval(id); rmErr != nil {
				c.failClosed(h, rmErr)
			}
			return nil, ErrNotFound
		}
		c.logger.WithFields(fields).WithError(err).Warn("failed to open payload")
		return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
	}

	if err := h.index.RecordTouch(id); err != nil {
		c.logger.WithFields(logrus.Fields{"action": "touch", "id": id}).WithError(err).Warn("failed to record access")
		c.failClosed(h, err)
	}
	return &Reader{r: r}, nil
}

// Remove 删除 key 的条目，并返回条目是否存在。
func (c *Cache) Remove(key string) (bool, error) {
	h, err := c.reopenIfClosed()
	if err != nil {
		return false, err
	}
	id := keyhash.Hash(key)
	existed, err := h.index.RecordRemoval(id)
	if err != nil {
		c.failClosed(h, err)
		return false, err
	}
	// 残留的孤立负载由下一次打开清理。
	if err := h.store.Remove(id); err != nil {
		return existed, err
	}
	if existed {
		c.notify(key)
	}
	return existed, nil
}

// Put 将 body 的全部内容写入 key 并返回写入字节数。
// 读取出错或 ctx 取消时放弃本次写入。
func (c *Cache) Put(ctx context.Context, key string, body io.Reader) (int64, error) {
	w, err := c.OpenWriteStream(key)
	if err != nil {
		return 0, err
	}
	buf := c.pool.Get()
	defer c.pool.Put(buf)

	n, err := copyWithContext(ctx, w, body, buf)
	if err != nil {
		w.Abort()
		_ = w.Close()
		return n, err
	}
	return n, w.Close()
}

// Get 读取 key 的完整条目。
func (c *Cache) Get(key string) ([]byte, error) {
	r, err := c.OpenReadStream(key)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	data := make([]byte, r.Size())
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return data, nil
}

// CopyBuffer 从池中取出复制缓冲区，用完后交给 ReleaseBuffer。
func (c *Cache) CopyBuffer() []byte { return c.pool.Get() }

// ReleaseBuffer 归还 CopyBuffer 取得的缓冲区。
func (c *Cache) ReleaseBuffer(buf []byte) { c.pool.Put(buf) }

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader, buf []byte) (int64, error) {
	var copied int64
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
