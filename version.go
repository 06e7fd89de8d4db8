package main

import (
	"fmt"
	"runtime"

	"github.com/any-hub/diskcache/internal/version"
)

// printVersion 输出版本、提交与编译所用的 Go 版本。
func printVersion() {
	fmt.Fprintf(stdOut, "%s %s\n", version.Full(), runtime.Version())
}
