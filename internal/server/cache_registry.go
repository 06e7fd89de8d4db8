package server

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/diskcache/internal/config"
	"github.com/any-hub/diskcache/internal/diskcache"
	"github.com/any-hub/diskcache/internal/logging"
	"github.com/any-hub/diskcache/internal/typed"
)

// CacheInstance 将缓存配置与打开后的磁盘缓存、可选内存层聚合在一起，
// 供路由层直接复用。
type CacheInstance struct {
	// Config 是用户在 config.toml 中声明的缓存字段副本。
	Config config.CacheConfig
	// Dir 为 StoragePath/<Name> 的绝对路径。
	Dir  string
	Disk *diskcache.Cache
	// Memory 仅在配置了 MemorySize 时存在。
	Memory *typed.Cache[[]byte]
}

// CacheRegistry 提供缓存名到 CacheInstance 的查询能力。
type CacheRegistry struct {
	caches  map[string]*CacheInstance
	ordered []*CacheInstance
}

// NewCacheRegistry 并发打开配置中的所有缓存；任一失败时关闭已打开的实例并返回错误。
func NewCacheRegistry(cfg *config.Config, logger *logrus.Logger) (*CacheRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}

	instances := make([]*CacheInstance, len(cfg.Caches))
	var g errgroup.Group
	for i, cacheCfg := range cfg.Caches {
		g.Go(func() error {
			inst, err := openInstance(cfg.Global, cacheCfg, logger)
			if err != nil {
				return fmt.Errorf("open cache %s: %w", cacheCfg.Name, err)
			}
			instances[i] = inst
			return nil
		})
	}
	err := g.Wait()

	registry := &CacheRegistry{
		caches: make(map[string]*CacheInstance, len(instances)),
	}
	for _, inst := range instances {
		if inst == nil {
			continue
		}
		registry.caches[inst.Config.Name] = inst
		registry.ordered = append(registry.ordered, inst)
	}
	if err != nil {
		_ = registry.Close()
		return nil, err
	}
	return registry, nil
}

func openInstance(global config.GlobalConfig, cacheCfg config.CacheConfig, logger *logrus.Logger) (*CacheInstance, error) {
	inst := &CacheInstance{
		Config: cacheCfg,
		Dir:    filepath.Join(global.StoragePath, cacheCfg.Name),
	}
	disk, err := diskcache.Open(diskcache.Options{
		Dir:              inst.Dir,
		MaxSize:          cacheCfg.MaxSize.Int64(),
		Version:          cacheCfg.Version,
		CompactThreshold: global.CompactThreshold,
		Logger:           logging.CacheLogger(logger, cacheCfg.Name),
		Notifier:         newChangeNotifier(inst, logger),
	})
	if err != nil {
		return nil, err
	}
	inst.Disk = disk
	if cacheCfg.HasMemoryTier() {
		inst.Memory = typed.NewCache[[]byte](disk, int(cacheCfg.MemorySize.Int64()), typed.Raw{})
	}

	fields := logging.CacheFields(cacheCfg.Name, "cache_open", "")
	stats := disk.Stats()
	fields["dir"] = inst.Dir
	fields["entries"] = stats.Entries
	fields["size"] = stats.Size
	fields["max_size"] = stats.MaxSize
	fields["memory_tier"] = inst.Memory != nil
	logger.WithFields(fields).Info("cache opened")
	return inst, nil
}

// newChangeNotifier 记录每次变更，并让内存层与磁盘保持一致。
func newChangeNotifier(inst *CacheInstance, logger *logrus.Logger) diskcache.Notifier {
	return diskcache.NotifierFunc(func(path string) {
		if inst.Memory != nil {
			if path == diskcache.ClearPath {
				_ = inst.Memory.Clear(true)
			} else {
				inst.Memory.Forget(path)
			}
		}
		fields := logging.CacheFields(inst.Config.Name, "cache_changed", path)
		fields["path"] = changePath(inst.Config.Name, path)
		logger.WithFields(fields).Debug("cache changed")
	})
}

func changePath(name, key string) string {
	if key == diskcache.ClearPath {
		return name + "/"
	}
	return name + "/" + strings.TrimPrefix(key, "/")
}

// Lookup 根据缓存名查找 CacheInstance。
func (r *CacheRegistry) Lookup(name string) (*CacheInstance, bool) {
	if r == nil {
		return nil, false
	}
	inst, ok := r.caches[strings.TrimSpace(name)]
	return inst, ok
}

// List 返回当前注册的缓存实例（按配置定义的顺序），用于诊断输出。
func (r *CacheRegistry) List() []*CacheInstance {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}
	result := make([]*CacheInstance, len(r.ordered))
	copy(result, r.ordered)
	return result
}

// Close 关闭所有缓存实例的 journal。
func (r *CacheRegistry) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	for _, inst := range r.ordered {
		if err := inst.Disk.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close cache %s: %w", inst.Config.Name, err))
		}
	}
	return errors.Join(errs...)
}
