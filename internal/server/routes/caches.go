package routes

import (
	"sort"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/diskcache/internal/server"
)

// RegisterCacheRoutes 暴露 /-/caches 诊断接口，供运维查询各缓存实例的容量与状态。
func RegisterCacheRoutes(app *fiber.App, registry *server.CacheRegistry) {
	if app == nil || registry == nil {
		return
	}

	app.Get("/-/caches", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"caches": encodeCaches(registry.List()),
		})
	})

	app.Get("/-/caches/:name", func(c fiber.Ctx) error {
		name := strings.TrimSpace(c.Params("name"))
		if name == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "cache_name_required"})
		}
		inst, ok := registry.Lookup(name)
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "cache_unknown"})
		}
		return c.JSON(encodeCache(inst))
	})
}

type cachePayload struct {
	Name    string         `json:"name"`
	Dir     string         `json:"dir"`
	State   string         `json:"state"`
	Size    int64          `json:"size"`
	MaxSize int64          `json:"max_size"`
	Entries int            `json:"entries"`
	Version int            `json:"version"`
	Memory  *memoryPayload `json:"memory,omitempty"`
}

type memoryPayload struct {
	Capacity int64   `json:"capacity"`
	Entries  int64   `json:"entries"`
	HitRate  float64 `json:"hit_rate"`
}

func encodeCaches(instances []*server.CacheInstance) []cachePayload {
	if len(instances) == 0 {
		return nil
	}
	sort.Slice(instances, func(i, j int) bool {
		return instances[i].Config.Name < instances[j].Config.Name
	})
	result := make([]cachePayload, 0, len(instances))
	for _, inst := range instances {
		result = append(result, encodeCache(inst))
	}
	return result
}

func encodeCache(inst *server.CacheInstance) cachePayload {
	stats := inst.Disk.Stats()
	payload := cachePayload{
		Name:    inst.Config.Name,
		Dir:     inst.Dir,
		State:   stats.State.String(),
		Size:    stats.Size,
		MaxSize: stats.MaxSize,
		Entries: stats.Entries,
		Version: stats.Version,
	}
	if inst.Memory != nil {
		entries, hitRate := inst.Memory.MemStats()
		payload.Memory = &memoryPayload{
			Capacity: inst.Config.MemorySize.Int64(),
			Entries:  entries,
			HitRate:  hitRate,
		}
	}
	return payload
}
