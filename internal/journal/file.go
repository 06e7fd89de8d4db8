package journal

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/sirupsen/logrus"
)

// syncer 由操作系统文件实现（osfs 内嵌 *os.File）。
type syncer interface {
	Sync() error
}

func syncFile(f billy.File) error {
	if s, ok := f.(syncer); ok {
		return s.Sync()
	}
	return nil
}

// appendLocked 写入一条记录并落盘。写入失败时截断回最后的持久偏移，
// 截断也失败则索引进入 broken 状态。
func (ix *Index) appendLocked(record string) error {
	if _, err := ix.file.Write([]byte(record)); err != nil {
		return ix.rewindLocked(err)
	}
	if err := syncFile(ix.file); err != nil {
		return ix.rewindLocked(err)
	}
	ix.offset += int64(len(record))
	return nil
}

func (ix *Index) rewindLocked(cause error) error {
	err := ix.file.Truncate(ix.offset)
	if err == nil {
		_, err = ix.file.Seek(ix.offset, io.SeekStart)
	}
	if err != nil {
		ix.broken = true
		ix.logger.WithFields(logrus.Fields{
			"action": "journal_rewind",
			"offset": ix.offset,
		}).WithError(err).Error("journal left with a partial record")
		return fmt.Errorf("%w: %w", ErrBroken, cause)
	}
	return cause
}

func (ix *Index) maybeCompactLocked() {
	if ix.redundant < ix.opts.CompactThreshold || ix.redundant < len(ix.entries) {
		return
	}
	if err := ix.compactLocked(); err != nil {
		// 触发压缩的记录已经落盘，下一次变更时重试压缩。
		ix.logger.WithFields(logrus.Fields{
			"action":    "journal_compact",
			"redundant": ix.redundant,
		}).WithError(err).Warn("journal compaction failed")
	}
}

// compactLocked 按最近使用顺序为每个条目写一条提交记录，再用 rename 替换 journal。
func (ix *Index) compactLocked() error {
	ordered := ix.sortedLocked()

	var b strings.Builder
	b.WriteString(magic + "\n" + revision + "\n" + strconv.Itoa(ix.version) + "\n\n")
	for _, e := range ordered {
		b.WriteString(string(opCommit) + " " + e.ID + " " + strconv.FormatInt(e.Size, 10) + "\n")
	}
	content := b.String()

	if err := writeSynced(ix.fs, tmpFileName, content); err != nil {
		_ = removeIfExists(ix.fs, tmpFileName)
		return fmt.Errorf("write compacted journal: %w", err)
	}

	if ix.file != nil {
		_ = ix.file.Close()
		ix.file = nil
	}
	if err := ix.fs.Rename(tmpFileName, FileName); err != nil {
		_ = removeIfExists(ix.fs, tmpFileName)
		if reopenErr := ix.openAppendLocked(); reopenErr != nil {
			ix.broken = true
		}
		return fmt.Errorf("install compacted journal: %w", err)
	}
	if err := ix.openAppendLocked(); err != nil {
		ix.broken = true
		return err
	}

	// 序号重新开始，使内存状态与回放结果一致。
	for i, e := range ordered {
		e.Seq = uint64(i)
	}
	ix.nextSeq = uint64(len(ordered))
	ix.offset = int64(len(content))
	ix.redundant = 0
	return nil
}

func (ix *Index) openAppendLocked() error {
	f, err := ix.fs.OpenFile(FileName, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open journal for append: %w", err)
	}
	st, err := ix.fs.Stat(FileName)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat journal: %w", err)
	}
	ix.file = f
	ix.offset = st.Size()
	return nil
}

func writeSynced(fsys billy.Filesystem, name, content string) error {
	f, err := fsys.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write([]byte(content)); err != nil {
		_ = f.Close()
		return err
	}
	if err := syncFile(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
