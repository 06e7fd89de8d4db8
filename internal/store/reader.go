package store

import "github.com/go-git/go-billy/v5"

// Reader 流式读取一个已提交负载。
type Reader struct {
	billy.File
	id   string
	size int64
}

// ID 返回负载的标识。
func (r *Reader) ID() string { return r.id }

// Size 返回打开时的负载长度。
func (r *Reader) Size() int64 { return r.size }
