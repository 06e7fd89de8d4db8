package journal

import (
	"errors"

	"github.com/sirupsen/logrus"
)

const (
	// FileName 是 journal 相对缓存文件系统根目录的路径。
	FileName    = "journal"
	tmpFileName = "journal.tmp"

	magic    = "diskcache-journal"
	revision = "1"

	// DefaultCompactThreshold 是触发重写 journal 前允许的冗余记录数。
	DefaultCompactThreshold = 2000
)

const (
	opCommit  = 'C'
	opTouch   = 'T'
	opRemoval = 'R'
)

var (
	// ErrMissing 表示 journal 尚不存在。
	ErrMissing = errors.New("journal missing")
	// ErrCorrupt 表示 journal 存在但无法回放。
	ErrCorrupt = errors.New("journal corrupt")
	// ErrVersionMismatch 表示 journal 属于其他版本标记。
	ErrVersionMismatch = errors.New("journal version mismatch")
	// ErrBroken 表示失败的追加无法在磁盘上回滚，重新打开之前索引拒绝任何变更。
	ErrBroken = errors.New("journal broken")
	// ErrClosed 表示在 Close 之后发起变更。
	ErrClosed = errors.New("journal closed")
)

// Entry 是索引为每个标识保存的元数据。
type Entry struct {
	ID   string
	Size int64
	// Seq 表示最近使用顺序，越大越新。
	Seq uint64
}

// Recovered 描述重建时在存储上找到的负载。
type Recovered struct {
	ID   string
	Size int64
}

// Options 调整 Index 的行为。
type Options struct {
	// CompactThreshold <= 0 时使用 DefaultCompactThreshold。
	CompactThreshold int
	Logger           logrus.FieldLogger
}

func (o Options) withDefaults() Options {
	if o.CompactThreshold <= 0 {
		o.CompactThreshold = DefaultCompactThreshold
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	return o
}
