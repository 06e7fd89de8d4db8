// Package typed 在面向字节的磁盘缓存之上提供 JSON 编码的类型化值。
// 解码失败与打开失败都视为未命中，调用方对损坏条目与缺失条目的处理完全相同。
package typed

import (
	"encoding/json"
	"errors"

	"github.com/any-hub/diskcache/internal/diskcache"
)

// Put 将 v 编码为 JSON 并存入 key。
func Put[T any](c *diskcache.Cache, key string, v T) error {
	w, err := c.OpenWriteStream(key)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		w.Abort()
		_ = w.Close()
		return err
	}
	return w.Close()
}

// Get 解码 key 下的条目。未命中、读取失败或负载无法解码为 T 时 ok 为 false。
func Get[T any](c *diskcache.Cache, key string) (v T, ok bool) {
	data, err := c.Get(key)
	if err != nil {
		return v, false
	}
	return decode[T](data)
}

func encode[T any](v T) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errors.New("empty encoding")
	}
	return data, nil
}

func decode[T any](data []byte) (v T, ok bool) {
	if err := json.Unmarshal(data, &v); err != nil {
		var zero T
		return zero, false
	}
	return v, true
}
