package config

import (
	"errors"
	"fmt"
)

// ErrInvalid 匹配所有字段级校验错误，调用方可用 errors.Is 区分配置错误与 I/O 错误。
var ErrInvalid = errors.New("invalid config")

// FieldError 提供字段路径与错误原因，便于 CLI 向用户反馈。
type FieldError struct {
	Field  string
	Reason string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Is 让 FieldError 与 ErrInvalid 匹配。
func (e FieldError) Is(target error) bool {
	return target == ErrInvalid
}

func newFieldError(field, reason string) error {
	return FieldError{Field: field, Reason: reason}
}

// cacheField 输出 Cache[<name>].Field；名称缺失时退回到 Cache[#<index>].Field。
func cacheField(index int, name, field string) string {
	if name == "" {
		return fmt.Sprintf("Cache[#%d].%s", index, field)
	}
	return fmt.Sprintf("Cache[%s].%s", name, field)
}
