package typed

import (
	"encoding/json"

	"github.com/coocood/freecache"

	"github.com/any-hub/diskcache/internal/diskcache"
)

// freecache 的最小分配量，且拒绝超过其容量 1/1024 的条目。
const (
	minMemorySize = 512 * 1024
	entryFraction = 1024
	noExpiry      = 0
)

// Codec 负责值与存储形式之间的转换。
type Codec[T any] interface {
	Encode(v T) ([]byte, error)
	Decode(data []byte) (T, error)
}

// JSON 是默认 Codec。
type JSON[T any] struct{}

func (JSON[T]) Encode(v T) ([]byte, error) { return encode(v) }

func (JSON[T]) Decode(data []byte) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}

// Raw 原样存储字节切片。
type Raw struct{}

func (Raw) Encode(v []byte) ([]byte, error) { return v, nil }

func (Raw) Decode(data []byte) ([]byte, error) { return data, nil }

// Cache 在磁盘缓存前维护容量受限的内存层，保存最近使用的值。
// 磁盘层可以为 nil，此时只使用内存。
type Cache[T any] struct {
	disk  *diskcache.Cache
	mem   *freecache.Cache
	codec Codec[T]
	limit int
}

// NewCache 创建内存层最多 memSize 字节的两级缓存，codec 为 nil 时使用 JSON。
func NewCache[T any](disk *diskcache.Cache, memSize int, codec Codec[T]) *Cache[T] {
	if codec == nil {
		codec = JSON[T]{}
	}
	if memSize < minMemorySize {
		memSize = minMemorySize
	}
	return &Cache[T]{
		disk:  disk,
		mem:   freecache.NewCache(memSize),
		codec: codec,
		limit: memSize / entryFraction,
	}
}

// EntryLimit 是内存层可保存的最大编码长度，更大的值只写入磁盘。
func (c *Cache[T]) EntryLimit() int { return c.limit }

// Get 先从内存读取 key，未命中再读磁盘，磁盘命中会提升到内存。
func (c *Cache[T]) Get(key string) (T, bool) {
	if v, ok := c.Cached(key); ok {
		return v, true
	}
	var zero T
	if c.disk == nil || !c.disk.Exists(key) {
		return zero, false
	}
	data, err := c.disk.Get(key)
	if err != nil {
		return zero, false
	}
	v, err := c.codec.Decode(data)
	if err != nil {
		return zero, false
	}
	c.setMem(key, data)
	return v, true
}

// Put 将 v 写入内存与磁盘。磁盘失败时返回错误，内存副本保留。
func (c *Cache[T]) Put(key string, v T) error {
	data, err := c.codec.Encode(v)
	if err != nil {
		return err
	}
	c.setMem(key, data)
	if c.disk == nil {
		return nil
	}
	w, err := c.disk.OpenWriteStream(key)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

// Remove 从两级同时删除 key。
func (c *Cache[T]) Remove(key string) error {
	c.Forget(key)
	if c.disk == nil {
		return nil
	}
	_, err := c.disk.Remove(key)
	return err
}

// Exists 判断任一层是否持有 key。
func (c *Cache[T]) Exists(key string) bool {
	if _, err := c.mem.Get([]byte(key)); err == nil {
		return true
	}
	return c.disk != nil && c.disk.Exists(key)
}

// Clear 清空内存层，未设置 memOnly 时同时清空磁盘层。
func (c *Cache[T]) Clear(memOnly bool) error {
	c.mem.Clear()
	if memOnly || c.disk == nil {
		return nil
	}
	return c.disk.Clear()
}

// Cached 只从内存层读取 key。
func (c *Cache[T]) Cached(key string) (T, bool) {
	var zero T
	data, err := c.mem.Get([]byte(key))
	if err != nil {
		return zero, false
	}
	v, err := c.codec.Decode(data)
	if err != nil {
		c.mem.Del([]byte(key))
		return zero, false
	}
	return v, true
}

// Remember 只把 v 放入内存层。
func (c *Cache[T]) Remember(key string, v T) {
	data, err := c.codec.Encode(v)
	if err != nil {
		return
	}
	c.setMem(key, data)
}

// Forget 只从内存层丢弃 key。
func (c *Cache[T]) Forget(key string) {
	c.mem.Del([]byte(key))
}

// MemStats 返回内存层的条目数与命中率。
func (c *Cache[T]) MemStats() (entries int64, hitRate float64) {
	return c.mem.EntryCount(), c.mem.HitRate()
}

func (c *Cache[T]) setMem(key string, data []byte) {
	if len(data) > c.limit {
		c.mem.Del([]byte(key))
		return
	}
	if err := c.mem.Set([]byte(key), data, noExpiry); err != nil {
		c.mem.Del([]byte(key))
	}
}
