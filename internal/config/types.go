package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	units "github.com/docker/go-units"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// ByteSize 表示字节数，可写作纯整数或 "50MB"、"512KiB" 等人类可读形式（按 1024 进位）。
type ByteSize int64

// UnmarshalText 解析人类可读的容量写法。
func (b *ByteSize) UnmarshalText(text []byte) error {
	parsed, err := parseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// Int64 返回字节数。
func (b ByteSize) Int64() int64 {
	return int64(b)
}

func (b ByteSize) String() string {
	return units.BytesSize(float64(b))
}

func parseByteSize(raw string) (ByteSize, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if n, err := parseInt(raw); err == nil {
		return ByteSize(n), nil
	}
	n, err := units.RAMInBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid size value: %s", raw)
	}
	return ByteSize(n), nil
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述全局运行时行为，所有缓存实例共享同一份参数。
type GlobalConfig struct {
	ListenPort       int      `mapstructure:"ListenPort"`
	LogLevel         string   `mapstructure:"LogLevel"`
	LogFilePath      string   `mapstructure:"LogFilePath"`
	LogMaxSize       int      `mapstructure:"LogMaxSize"`
	LogMaxBackups    int      `mapstructure:"LogMaxBackups"`
	LogCompress      bool     `mapstructure:"LogCompress"`
	StoragePath      string   `mapstructure:"StoragePath"`
	CompactThreshold int      `mapstructure:"CompactThreshold"`
	ShutdownTimeout  Duration `mapstructure:"ShutdownTimeout"`
	MaxUploadSize    ByteSize `mapstructure:"MaxUploadSize"`
}

// CacheConfig 描述单个磁盘缓存实例，目录固定为 StoragePath/<Name>。
type CacheConfig struct {
	Name       string   `mapstructure:"Name"`
	MaxSize    ByteSize `mapstructure:"MaxSize"`
	Version    int      `mapstructure:"Version"`
	MemorySize ByteSize `mapstructure:"MemorySize"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig  `mapstructure:",squash"`
	Caches []CacheConfig `mapstructure:"Cache"`
}

// HasMemoryTier 表示该缓存是否启用内存层。
func (c CacheConfig) HasMemoryTier() bool {
	return c.MemorySize > 0
}

// CacheSummaries 返回所有缓存的容量摘要，例如 objects:50MiB，供日志字段使用。
func CacheSummaries(caches []CacheConfig) []string {
	if len(caches) == 0 {
		return nil
	}
	result := make([]string, len(caches))
	for i, c := range caches {
		result[i] = fmt.Sprintf("%s:%s", c.Name, c.MaxSize)
	}
	return result
}
