package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// CacheFields 提供缓存名/动作/键字段，供缓存实例与变更通知日志复用。
func CacheFields(cache, action, key string) logrus.Fields {
	fields := logrus.Fields{
		"cache":  cache,
		"action": action,
	}
	if key != "" {
		fields["key"] = key
	}
	return fields
}

// RequestFields 提供缓存名/方法/状态码/命中状态字段，供 HTTP 请求日志复用。
func RequestFields(cache, method, key string, status int, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"cache":     cache,
		"method":    method,
		"key":       key,
		"status":    status,
		"cache_hit": cacheHit,
	}
}
