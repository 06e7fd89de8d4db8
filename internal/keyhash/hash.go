// Package keyhash 将调用方提供的缓存键映射为定长标识，用作文件名与 journal 记录。
package keyhash

import (
	// 注册 digest.SHA256 依赖的 SHA-256 实现。
	_ "crypto/sha256"

	"github.com/opencontainers/go-digest"
)

// Size 是 Hash 返回标识的固定长度。
const Size = 64

// Hash 返回 key 的小写十六进制 SHA-256，结果长度恒为 Size，保留前导零。
func Hash(key string) string {
	return digest.SHA256.FromString(key).Encoded()
}

// Valid 判断 id 是否符合 Hash 生成的标识格式。
func Valid(id string) bool {
	return digest.SHA256.Validate(id) == nil
}
