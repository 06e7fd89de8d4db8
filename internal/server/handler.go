package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/diskcache/internal/diskcache"
	"github.com/any-hub/diskcache/internal/logging"
)

// Handler serves GET/HEAD/PUT/DELETE against a resolved cache instance.
type Handler struct {
	logger *logrus.Logger
}

// NewHandler constructs the cache request handler.
func NewHandler(logger *logrus.Logger) *Handler {
	return &Handler{logger: logger}
}

// Handle dispatches by method. A DELETE without key clears the whole cache.
func (h *Handler) Handle(c fiber.Ctx, inst *CacheInstance, key string) error {
	started := time.Now()
	switch c.Method() {
	case fiber.MethodGet, fiber.MethodHead:
		if key == "" {
			return h.writeError(c, fiber.StatusBadRequest, "key_required")
		}
		return h.serve(c, inst, key, started)
	case fiber.MethodPut:
		if key == "" {
			return h.writeError(c, fiber.StatusBadRequest, "key_required")
		}
		return h.store(c, inst, key, started)
	case fiber.MethodDelete:
		if key == "" {
			return h.clear(c, inst, started)
		}
		return h.remove(c, inst, key, started)
	default:
		c.Set(fiber.HeaderAllow, "GET, HEAD, PUT, DELETE")
		return h.writeError(c, fiber.StatusMethodNotAllowed, "method_not_allowed")
	}
}

func (h *Handler) serve(c fiber.Ctx, inst *CacheInstance, key string, started time.Time) error {
	method := c.Method()
	if method == fiber.MethodHead {
		if !inst.Disk.Exists(key) {
			h.logResult(c, inst, key, fiber.StatusNotFound, false, started, nil)
			return c.SendStatus(fiber.StatusNotFound)
		}
		h.logResult(c, inst, key, fiber.StatusOK, true, started, nil)
		return c.SendStatus(fiber.StatusOK)
	}

	if inst.Memory != nil {
		if data, ok := inst.Memory.Cached(key); ok {
			// 内存命中同样刷新磁盘 LRU；磁盘已淘汰的键不再从内存返回。
			if inst.Disk.Touch(key) {
				c.Set("X-Cache", "memory")
				c.Set(fiber.HeaderContentType, fiber.MIMEOctetStream)
				h.logResult(c, inst, key, fiber.StatusOK, true, started, nil)
				return c.Status(fiber.StatusOK).Send(data)
			}
			inst.Memory.Forget(key)
		}
	}

	reader, err := inst.Disk.OpenReadStream(key)
	if err != nil {
		h.logResult(c, inst, key, fiber.StatusNotFound, false, started, nil)
		return h.writeError(c, fiber.StatusNotFound, "entry_not_found")
	}
	defer reader.Close()

	size := reader.Size()
	c.Set("X-Cache", "disk")
	c.Set(fiber.HeaderContentType, fiber.MIMEOctetStream)
	c.Status(fiber.StatusOK)

	if inst.Memory != nil && size <= int64(inst.Memory.EntryLimit()) {
		data := make([]byte, size)
		if _, err := io.ReadFull(reader, data); err != nil {
			h.logResult(c, inst, key, fiber.StatusInternalServerError, true, started, err)
			return fiber.NewError(fiber.StatusInternalServerError, fmt.Sprintf("read cache failed: %v", err))
		}
		inst.Memory.Remember(key, data)
		h.logResult(c, inst, key, fiber.StatusOK, true, started, nil)
		return c.Send(data)
	}

	c.Response().Header.SetContentLength(int(size))
	buf := inst.Disk.CopyBuffer()
	defer inst.Disk.ReleaseBuffer(buf)
	_, err = io.CopyBuffer(c.Response().BodyWriter(), reader, buf)
	h.logResult(c, inst, key, fiber.StatusOK, true, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, fmt.Sprintf("read cache failed: %v", err))
	}
	return nil
}

func (h *Handler) store(c fiber.Ctx, inst *CacheInstance, key string, started time.Time) error {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	written, err := inst.Disk.Put(ctx, key, bytes.NewReader(c.Body()))
	if err != nil {
		status := fiber.StatusInternalServerError
		code := "store_failed"
		if errors.Is(err, diskcache.ErrUnavailable) {
			status = fiber.StatusServiceUnavailable
			code = "cache_unavailable"
		}
		h.logResult(c, inst, key, status, false, started, err)
		return h.writeError(c, status, code)
	}

	h.logResult(c, inst, key, fiber.StatusCreated, false, started, nil)
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"key":  key,
		"size": written,
	})
}

func (h *Handler) remove(c fiber.Ctx, inst *CacheInstance, key string, started time.Time) error {
	existed, err := inst.Disk.Remove(key)
	if err != nil {
		h.logResult(c, inst, key, fiber.StatusInternalServerError, false, started, err)
		return h.writeError(c, fiber.StatusInternalServerError, "remove_failed")
	}
	if !existed {
		h.logResult(c, inst, key, fiber.StatusNotFound, false, started, nil)
		return h.writeError(c, fiber.StatusNotFound, "entry_not_found")
	}
	h.logResult(c, inst, key, fiber.StatusNoContent, true, started, nil)
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *Handler) clear(c fiber.Ctx, inst *CacheInstance, started time.Time) error {
	if err := inst.Disk.Clear(); err != nil {
		h.logResult(c, inst, "", fiber.StatusInternalServerError, false, started, err)
		return h.writeError(c, fiber.StatusInternalServerError, "clear_failed")
	}
	h.logResult(c, inst, "", fiber.StatusNoContent, false, started, nil)
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	c fiber.Ctx,
	inst *CacheInstance,
	key string,
	status int,
	cacheHit bool,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(inst.Config.Name, c.Method(), key, status, cacheHit)
	fields["action"] = "cache_request"
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID := RequestID(c); requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("cache_request_failed")
		return
	}
	h.logger.WithFields(fields).Info("cache_request_complete")
}
