package integration

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/diskcache/internal/config"
	"github.com/any-hub/diskcache/internal/server"
	"github.com/any-hub/diskcache/internal/server/routes"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func stringReader(s string) io.Reader {
	return strings.NewReader(s)
}

// cacheServer bundles a Fiber app with its registry so tests can restart the
// process against the same storage directory.
type cacheServer struct {
	app      *fiber.App
	registry *server.CacheRegistry
}

func startServer(t *testing.T, cfg *config.Config) *cacheServer {
	t.Helper()

	logger := quietLogger()
	registry, err := server.NewCacheRegistry(cfg, logger)
	if err != nil {
		t.Fatalf("registry error: %v", err)
	}
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Handler:    server.NewHandler(logger),
		ListenPort: cfg.Global.ListenPort,
		BodyLimit:  int(cfg.Global.MaxUploadSize.Int64()),
	})
	if err != nil {
		_ = registry.Close()
		t.Fatalf("app error: %v", err)
	}
	routes.RegisterCacheRoutes(app, registry)
	return &cacheServer{app: app, registry: registry}
}

func (s *cacheServer) stop(t *testing.T) {
	t.Helper()
	if err := s.registry.Close(); err != nil {
		t.Fatalf("close registry: %v", err)
	}
}

func (s *cacheServer) do(t *testing.T, method, target, body string) (int, string) {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	resp, err := s.app.Test(httptest.NewRequest(method, "http://cache.local"+target, reader))
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, target, err)
	}
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(data)
}

func baseConfig(t *testing.T, caches ...config.CacheConfig) *config.Config {
	t.Helper()
	return &config.Config{
		Global: config.GlobalConfig{
			ListenPort:       5000,
			StoragePath:      t.TempDir(),
			CompactThreshold: 4,
			MaxUploadSize:    1 << 20,
		},
		Caches: caches,
	}
}
