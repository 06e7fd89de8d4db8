package diskcache

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/diskcache/internal/journal"
	"github.com/any-hub/diskcache/internal/store"
)

// openHandle 根据存储上的现状构建新的一代，调用方需持有 c.mu。
func (c *Cache) openHandle() (*handle, error) {
	st, err := store.New(c.fs, c.logger)
	if err != nil {
		return nil, err
	}
	if _, err := st.SweepTemp(); err != nil {
		return nil, err
	}

	jopts := journal.Options{
		CompactThreshold: c.opts.CompactThreshold,
		Logger:           c.logger,
	}
	ix, err := journal.Open(c.fs, c.opts.Version, jopts)
	switch {
	case err == nil:
	case errors.Is(err, journal.ErrVersionMismatch):
		c.logger.WithFields(logrus.Fields{
			"action":  "open",
			"version": c.opts.Version,
		}).Info("cache version changed, wiping entries")
		if err := st.DeleteAll(); err != nil {
			return nil, err
		}
		ix, err = journal.Create(c.fs, c.opts.Version, jopts)
	case errors.Is(err, journal.ErrMissing):
		ix, err = c.rebuild(st, jopts)
	case errors.Is(err, journal.ErrCorrupt):
		c.logger.WithField("action", "open").WithError(err).Warn("journal unreadable, rebuilding from payloads")
		ix, err = c.rebuild(st, jopts)
	}
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	h := &handle{index: ix, store: st}
	if err := c.reconcile(h); err != nil {
		_ = ix.Close()
		return nil, err
	}
	if err := c.evict(h); err != nil {
		_ = ix.Close()
		return nil, err
	}
	return h, nil
}

// rebuild 以存储上的负载为准，按修改时间从旧到新排列。
func (c *Cache) rebuild(st *store.Store, jopts journal.Options) (*journal.Index, error) {
	stored, err := st.List()
	if err != nil {
		return nil, err
	}
	recovered := make([]journal.Recovered, 0, len(stored))
	for _, s := range stored {
		recovered = append(recovered, journal.Recovered{ID: s.ID, Size: s.Size})
	}
	if len(recovered) > 0 {
		c.logger.WithFields(logrus.Fields{
			"action":  "rebuild",
			"entries": len(recovered),
		}).Info("rebuilt journal from payloads")
	}
	return journal.Rebuild(c.fs, c.opts.Version, recovered, jopts)
}

// reconcile 让记录与负载一一对应：没有负载的记录被丢弃，没有记录的负载被删除，
// 负载大小与记录不一致的条目整体移除。
func (c *Cache) reconcile(h *handle) error {
	stored, err := h.store.List()
	if err != nil {
		return err
	}
	onDisk := make(map[string]int64, len(stored))
	for _, s := range stored {
		onDisk[s.ID] = s.Size
	}

	var dropped, orphans, torn int
	for _, e := range h.index.Entries() {
		size, ok := onDisk[e.ID]
		delete(onDisk, e.ID)
		switch {
		case !ok:
			if _, err := h.index.RecordRemoval(e.ID); err != nil {
				return err
			}
			dropped++
		case size != e.Size:
			if _, err := h.index.RecordRemoval(e.ID); err != nil {
				return err
			}
			if err := h.store.Remove(e.ID); err != nil {
				return err
			}
			torn++
		}
	}
	for id := range onDisk {
		if err := h.store.Remove(id); err != nil {
			return err
		}
		orphans++
	}

	if dropped+orphans+torn > 0 {
		c.logger.WithFields(logrus.Fields{
			"action":  "reconcile",
			"dropped": dropped,
			"orphans": orphans,
			"torn":    torn,
		}).Warn("journal and payloads disagreed")
	}
	return nil
}
