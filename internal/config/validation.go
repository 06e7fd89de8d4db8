package config

import (
	"errors"
	"regexp"
)

// 名称同时用作目录名与 URL 首段，首字符不允许是 "." 或 "-"。
var cacheNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]*$`)

var supportedLogLevels = map[string]struct{}{
	"trace": {},
	"debug": {},
	"info":  {},
	"warn":  {},
	"error": {},
	"fatal": {},
	"panic": {},
}

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.CompactThreshold <= 0 {
		return newFieldError("Global.CompactThreshold", "必须大于 0")
	}
	if g.ShutdownTimeout.DurationValue() < 0 {
		return newFieldError("Global.ShutdownTimeout", "不能为负数")
	}
	if g.MaxUploadSize <= 0 {
		return newFieldError("Global.MaxUploadSize", "必须大于 0")
	}
	if g.LogLevel != "" {
		if _, ok := supportedLogLevels[g.LogLevel]; !ok {
			return newFieldError("Global.LogLevel", "仅支持 trace/debug/info/warn/error/fatal/panic")
		}
	}

	if len(c.Caches) == 0 {
		return errors.New("至少需要配置一个 Cache")
	}

	seenNames := map[string]struct{}{}
	for i := range c.Caches {
		cache := &c.Caches[i]
		if cache.Name == "" {
			return newFieldError(cacheField(i, "", "Name"), "不能为空")
		}
		if !cacheNamePattern.MatchString(cache.Name) {
			return newFieldError(cacheField(i, cache.Name, "Name"), "仅允许小写字母、数字与 _ . -")
		}
		if _, exists := seenNames[cache.Name]; exists {
			return newFieldError(cacheField(i, cache.Name, "Name"), "重复")
		}
		seenNames[cache.Name] = struct{}{}

		if cache.MaxSize <= 0 {
			return newFieldError(cacheField(i, cache.Name, "MaxSize"), "必须大于 0")
		}
		if cache.Version < 0 {
			return newFieldError(cacheField(i, cache.Name, "Version"), "不能为负数")
		}
		if cache.MemorySize < 0 {
			return newFieldError(cacheField(i, cache.Name, "MemorySize"), "不能为负数")
		}
	}

	return nil
}
