package version

import (
	"fmt"
	"runtime/debug"
)

// Name 是 CLI 与日志中使用的程序名。
const Name = "diskcache"

// Version/Commit 可在构建时通过 -ldflags 注入；未注入 Commit 时尝试读取 VCS 构建信息。
var (
	Version = "0.1.0"
	Commit  = "dev"
)

// Full 返回 "diskcache <version> (<commit>)"。
func Full() string {
	return fmt.Sprintf("%s %s (%s)", Name, Version, commit())
}

func commit() string {
	if Commit != "dev" {
		return Commit
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return Commit
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && len(s.Value) >= 12 {
			return s.Value[:12]
		}
	}
	return Commit
}
