package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// CacheHandler serves a request that addresses one cache. key is the rest of
// the path after the cache name and may be empty.
type CacheHandler interface {
	Handle(c fiber.Ctx, inst *CacheInstance, key string) error
}

// CacheHandlerFunc adapts a function to the CacheHandler interface.
type CacheHandlerFunc func(fiber.Ctx, *CacheInstance, string) error

// Handle makes CacheHandlerFunc satisfy CacheHandler.
func (f CacheHandlerFunc) Handle(c fiber.Ctx, inst *CacheInstance, key string) error {
	return f(c, inst, key)
}

// AppOptions controls how the Fiber application should behave on a specific port.
type AppOptions struct {
	Logger     *logrus.Logger
	Registry   *CacheRegistry
	Handler    CacheHandler
	ListenPort int
	// BodyLimit caps PUT payloads; zero keeps the Fiber default.
	BodyLimit int
}

const (
	contextKeyCache     = "_diskcache_cache"
	contextKeyKey       = "_diskcache_key"
	contextKeyRequestID = "_diskcache_request_id"
)

// NewApp builds a Fiber application with cache resolution middleware and
// structured error handling.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("cache registry is required")
	}
	if opts.Handler == nil {
		return nil, errors.New("cache handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
		BodyLimit:     opts.BodyLimit,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware(opts))

	app.All("/*", func(c fiber.Ctx) error {
		if isDiagnosticsPath(string(c.Request().URI().Path())) {
			return c.Next()
		}
		inst, key, ok := getCacheFromContext(c)
		if !ok {
			return renderCacheUnknown(c, opts.Logger, "")
		}
		return opts.Handler.Handle(c, inst, key)
	})

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID，并基于首段路径查找 CacheInstance。
func requestContextMiddleware(opts AppOptions) fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		path := string(c.Request().URI().Path())
		if isDiagnosticsPath(path) {
			return c.Next()
		}

		name, key := splitCachePath(path)
		inst, ok := opts.Registry.Lookup(name)
		if !ok {
			return renderCacheUnknown(c, opts.Logger, name)
		}

		c.Locals(contextKeyCache, inst)
		c.Locals(contextKeyKey, key)
		return c.Next()
	}
}

// splitCachePath 将 /<cache>/<key...> 拆分为缓存名与键。
func splitCachePath(path string) (string, string) {
	trimmed := strings.TrimPrefix(path, "/")
	name, key, _ := strings.Cut(trimmed, "/")
	return name, key
}

func renderCacheUnknown(c fiber.Ctx, logger *logrus.Logger, name string) error {
	fields := logrus.Fields{
		"action": "cache_lookup",
		"cache":  name,
	}
	logger.WithFields(fields).Warn("cache unknown")

	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
		"error": "cache_unknown",
	})
}

func getCacheFromContext(c fiber.Ctx) (*CacheInstance, string, bool) {
	inst, ok := c.Locals(contextKeyCache).(*CacheInstance)
	if !ok || inst == nil {
		return nil, "", false
	}
	key, _ := c.Locals(contextKeyKey).(string)
	return inst, key, true
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}
