package journal

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/any-hub/diskcache/internal/keyhash"
)

// replayResult 是从 journal 文件回放得到的状态。
type replayResult struct {
	entries  map[string]*Entry
	size     int64
	nextSeq  uint64
	records  int
	validLen int64
	tornTail bool
}

func replay(data []byte, version int) (*replayResult, error) {
	res := &replayResult{entries: make(map[string]*Entry)}

	body := data
	if n := len(body); n > 0 && body[n-1] != '\n' {
		cut := bytes.LastIndexByte(body, '\n') + 1
		body = body[:cut]
		res.tornTail = true
	}
	res.validLen = int64(len(body))

	lines := strings.Split(string(body), "\n")
	// Split 会在末尾换行后留下一个空元素。
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) < 4 {
		return nil, fmt.Errorf("%w: truncated header", ErrCorrupt)
	}
	if lines[0] != magic {
		return nil, fmt.Errorf("%w: unexpected magic %q", ErrCorrupt, lines[0])
	}
	if lines[1] != revision {
		return nil, fmt.Errorf("%w: unsupported revision %q", ErrCorrupt, lines[1])
	}
	have, err := strconv.Atoi(lines[2])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid version tag %q", ErrCorrupt, lines[2])
	}
	if have != version {
		return nil, fmt.Errorf("%w: journal has %d, want %d", ErrVersionMismatch, have, version)
	}
	if lines[3] != "" {
		return nil, fmt.Errorf("%w: missing header separator", ErrCorrupt)
	}
	for i, line := range lines[4:] {
		if err := res.apply(line); err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrCorrupt, i+5, err)
		}
		res.records++
	}
	return res, nil
}

func (r *replayResult) apply(line string) error {
	fields := strings.Split(line, " ")
	if len(fields[0]) != 1 {
		return fmt.Errorf("unknown record %q", line)
	}
	op := fields[0][0]

	switch op {
	case opCommit:
		if len(fields) != 3 {
			return fmt.Errorf("malformed commit %q", line)
		}
		size, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil || size < 0 {
			return fmt.Errorf("invalid size in %q", line)
		}
		id := fields[1]
		if !keyhash.Valid(id) {
			return fmt.Errorf("invalid id in %q", line)
		}
		if prev, ok := r.entries[id]; ok {
			r.size -= prev.Size
		}
		r.entries[id] = &Entry{ID: id, Size: size, Seq: r.nextSeq}
		r.nextSeq++
		r.size += size
	case opTouch, opRemoval:
		if len(fields) != 2 || !keyhash.Valid(fields[1]) {
			return fmt.Errorf("malformed record %q", line)
		}
		e, ok := r.entries[fields[1]]
		if !ok {
			// 无害：记录指向的条目已经不存在。
			return nil
		}
		if op == opTouch {
			e.Seq = r.nextSeq
			r.nextSeq++
			return nil
		}
		r.size -= e.Size
		delete(r.entries, fields[1])
	default:
		return fmt.Errorf("unknown record %q", line)
	}
	return nil
}
