package integration

import (
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/diskcache/internal/config"
)

func TestCacheFlowSurvivesRestart(t *testing.T) {
	cfg := baseConfig(t, config.CacheConfig{Name: "objects", MaxSize: 1 << 20, Version: 1})

	srv := startServer(t, cfg)
	if status, body := srv.do(t, "PUT", "/objects/pkg/a.tgz", "alpha"); status != fiber.StatusCreated {
		t.Fatalf("put failed: %d %s", status, body)
	}
	for i := 0; i < 10; i++ {
		srv.do(t, "PUT", "/objects/pkg/b.tgz", strings.Repeat("b", i+1))
	}
	srv.stop(t)

	srv = startServer(t, cfg)
	defer srv.stop(t)

	status, body := srv.do(t, "GET", "/objects/pkg/a.tgz", "")
	if status != fiber.StatusOK || body != "alpha" {
		t.Fatalf("entry should survive restart, got %d %q", status, body)
	}
	status, body = srv.do(t, "GET", "/objects/pkg/b.tgz", "")
	if status != fiber.StatusOK || body != strings.Repeat("b", 10) {
		t.Fatalf("latest overwrite should survive restart, got %d %q", status, body)
	}

	inst, _ := srv.registry.Lookup("objects")
	if stats := inst.Disk.Stats(); stats.Entries != 2 || stats.Size != 15 {
		t.Fatalf("unexpected stats after restart: %+v", stats)
	}
}

func TestCacheFlowVersionBumpWipes(t *testing.T) {
	cfg := baseConfig(t, config.CacheConfig{Name: "objects", MaxSize: 1 << 20, Version: 1})

	srv := startServer(t, cfg)
	srv.do(t, "PUT", "/objects/k", "v1")
	srv.stop(t)

	cfg.Caches[0].Version = 2
	srv = startServer(t, cfg)
	defer srv.stop(t)

	if status, _ := srv.do(t, "GET", "/objects/k", ""); status != fiber.StatusNotFound {
		t.Fatalf("version change should drop entries, got %d", status)
	}
}

func TestCacheFlowEvictsLeastRecentlyUsed(t *testing.T) {
	cfg := baseConfig(t, config.CacheConfig{Name: "small", MaxSize: 10, Version: 1})
	srv := startServer(t, cfg)
	defer srv.stop(t)

	srv.do(t, "PUT", "/small/a", "aaaa")
	srv.do(t, "PUT", "/small/b", "bbbb")
	// 读取 a 使 b 成为最久未使用的条目。
	srv.do(t, "GET", "/small/a", "")
	srv.do(t, "PUT", "/small/c", "cccc")

	if status, _ := srv.do(t, "HEAD", "/small/b", ""); status != fiber.StatusNotFound {
		t.Fatalf("b should be evicted, got %d", status)
	}
	for _, key := range []string{"a", "c"} {
		if status, _ := srv.do(t, "HEAD", "/small/"+key, ""); status != fiber.StatusOK {
			t.Fatalf("%s should remain, got %d", key, status)
		}
	}

	status, body := srv.do(t, "GET", "/-/caches/small", "")
	if status != fiber.StatusOK || !strings.Contains(body, `"size":8`) {
		t.Fatalf("diagnostics should report size 8, got %d %s", status, body)
	}
}
