package diskcache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/diskcache/internal/journal"
	"github.com/any-hub/diskcache/internal/keyhash"
	"github.com/any-hub/diskcache/internal/store"
	"github.com/any-hub/diskcache/internal/testutil"
)

type recorder struct {
	mu    sync.Mutex
	paths []string
}

func (r *recorder) Notify(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, path)
}

func (r *recorder) Paths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.paths...)
}

func openTestCache(t *testing.T, fsys billy.Filesystem, maxSize int64, version int) (*Cache, *logtest.Hook) {
	t.Helper()
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	c, err := Open(Options{FS: fsys, MaxSize: maxSize, Version: version, Logger: logger})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, hook
}

func putString(t *testing.T, c *Cache, key, value string) {
	t.Helper()
	n, err := c.Put(context.Background(), key, strings.NewReader(value))
	require.NoError(t, err)
	require.Equal(t, int64(len(value)), n)
}

func getString(t *testing.T, c *Cache, key string) string {
	t.Helper()
	data, err := c.Get(key)
	require.NoError(t, err)
	return string(data)
}

func payloadPath(key string) string {
	return store.EntriesDir + "/" + keyhash.Hash(key)
}

func TestOpenValidatesOptions(t *testing.T) {
	t.Parallel()

	_, err := Open(Options{FS: memfs.New(), MaxSize: 0})
	require.Error(t, err)
	_, err = Open(Options{MaxSize: 10})
	require.Error(t, err)
}

func TestOpenCreatesDirectory(t *testing.T) {
	t.Parallel()

	dir := t.TempDir() + "/nested/cache"
	c, err := Open(Options{Dir: dir, MaxSize: 100, Version: 1})
	require.NoError(t, err)
	defer c.Close()

	putString(t, c, "k", "v")
	assert.Equal(t, "v", getString(t, c, "k"))
	assert.Equal(t, StateOpen, c.State())
}

func TestEvictsOldestWhenOverBudget(t *testing.T) {
	t.Parallel()

	c, _ := openTestCache(t, memfs.New(), 100, 1)
	putString(t, c, "a", strings.Repeat("a", 60))
	putString(t, c, "b", strings.Repeat("b", 60))

	assert.False(t, c.Exists("a"))
	assert.True(t, c.Exists("b"))
	assert.Equal(t, int64(60), c.Stats().Size)

	_, err := c.OpenReadStream("a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReadPromotesRecency(t *testing.T) {
	t.Parallel()

	c, _ := openTestCache(t, memfs.New(), 100, 1)
	for _, k := range []string{"A", "B", "C"} {
		putString(t, c, k, strings.Repeat(k, 30))
	}
	assert.Equal(t, strings.Repeat("A", 30), getString(t, c, "A"))

	putString(t, c, "D", strings.Repeat("D", 30))

	assert.False(t, c.Exists("B"))
	for _, k := range []string{"A", "C", "D"} {
		assert.True(t, c.Exists(k), k)
	}
}

func TestSizeInvariantAcrossMutations(t *testing.T) {
	t.Parallel()

	const maxSize = 50
	c, _ := openTestCache(t, memfs.New(), maxSize, 1)
	live := map[string]int{}

	check := func() {
		t.Helper()
		var sum int64
		for k := range live {
			if !c.Exists(k) {
				delete(live, k)
				continue
			}
			data, err := c.Get(k)
			require.NoError(t, err)
			require.Len(t, data, live[k])
			sum += int64(len(data))
		}
		st := c.Stats()
		assert.Equal(t, sum, st.Size)
		assert.Equal(t, len(live), st.Entries)
		assert.LessOrEqual(t, st.Size, int64(maxSize))
	}

	for i := 0; i < 40; i++ {
		key := fmt.Sprintf("k%d", i%7)
		switch i % 5 {
		case 3:
			_, err := c.Remove(key)
			require.NoError(t, err)
			delete(live, key)
		default:
			size := (i*13)%20 + 1
			putString(t, c, key, strings.Repeat("x", size))
			live[key] = size
		}
		check()
	}
}

func TestRemoveAbsentKey(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	logger, _ := logtest.NewNullLogger()
	c, err := Open(Options{FS: memfs.New(), MaxSize: 100, Logger: logger, Notifier: rec})
	require.NoError(t, err)
	defer c.Close()

	putString(t, c, "a", "12345")
	existed, err := c.Remove("missing")
	require.NoError(t, err)
	assert.False(t, existed)
	assert.Equal(t, int64(5), c.Stats().Size)

	existed, err = c.Remove("a")
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, int64(0), c.Stats().Size)
	assert.Equal(t, []string{"a", "a"}, rec.Paths())
}

func TestVersionChangeWipesEntries(t *testing.T) {
	t.Parallel()

	fsys := memfs.New()
	c, _ := openTestCache(t, fsys, 100, 1)
	putString(t, c, "a", "one")
	putString(t, c, "b", "two")
	require.NoError(t, c.Close())

	c2, _ := openTestCache(t, fsys, 100, 2)
	assert.False(t, c2.Exists("a"))
	assert.False(t, c2.Exists("b"))
	assert.Equal(t, 0, c2.Stats().Entries)
	_, err := fsys.Stat(payloadPath("a"))
	assert.Error(t, err)

	putString(t, c2, "a", "fresh")
	require.NoError(t, c2.Close())
	c3, _ := openTestCache(t, fsys, 100, 2)
	assert.Equal(t, "fresh", getString(t, c3, "a"))
}

func TestAbortedWriteKeepsPreviousContent(t *testing.T) {
	t.Parallel()

	fsys := testutil.NewFaultFS(nil)
	rec := &recorder{}
	logger, _ := logtest.NewNullLogger()
	c, err := Open(Options{FS: fsys, MaxSize: 100, Logger: logger, Notifier: rec})
	require.NoError(t, err)
	defer c.Close()
	putString(t, c, "x", "hello")

	w, err := c.OpenWriteStream("x")
	require.NoError(t, err)
	_, err = w.Write([]byte("wor"))
	require.NoError(t, err)

	fsys.FailWrites(testutil.HasSuffix(".tmp"))
	_, err = w.Write([]byte("ld"))
	require.ErrorIs(t, err, testutil.ErrInjected)
	fsys.Reset()
	require.ErrorIs(t, w.Close(), store.ErrAborted)
	require.NoError(t, w.Close())

	assert.Equal(t, "hello", getString(t, c, "x"))
	assert.Equal(t, int64(5), c.Stats().Size)
	assert.Equal(t, []string{"x"}, rec.Paths(), "an aborted write is not a mutation")
}

func TestExplicitAbort(t *testing.T) {
	t.Parallel()

	c, _ := openTestCache(t, memfs.New(), 100, 1)
	putString(t, c, "x", "hello")

	w, err := c.OpenWriteStream("x")
	require.NoError(t, err)
	_, err = w.Write([]byte("half"))
	require.NoError(t, err)
	w.Abort()
	require.ErrorIs(t, w.Close(), store.ErrAborted)

	_, err = w.Write([]byte("late"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, "hello", getString(t, c, "x"))
}

func TestInterruptedPublishKeepsPreviousContent(t *testing.T) {
	t.Parallel()

	fsys := testutil.NewFaultFS(nil)
	c, _ := openTestCache(t, fsys, 100, 1)
	putString(t, c, "x", "hello")

	fsys.FailRenames(func(from, to string) bool { return strings.HasSuffix(from, ".tmp") })
	_, err := c.Put(context.Background(), "x", strings.NewReader("hello world"))
	require.ErrorIs(t, err, testutil.ErrInjected)
	fsys.Reset()

	assert.Equal(t, "hello", getString(t, c, "x"))
	assert.Equal(t, int64(5), c.Stats().Size)
}

func TestReaderSeesSnapshotDuringWrite(t *testing.T) {
	t.Parallel()

	c, _ := openTestCache(t, memfs.New(), 100, 1)
	putString(t, c, "x", "old payload")

	r, err := c.OpenReadStream("x")
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, int64(11), r.Size())

	w, err := c.OpenWriteStream("x")
	require.NoError(t, err)
	_, err = w.Write([]byte("new payload!"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "old payload", string(data))
	assert.Equal(t, "new payload!", getString(t, c, "x"))
}

func TestCorruptJournalIsRebuilt(t *testing.T) {
	t.Parallel()

	fsys := memfs.New()
	c, _ := openTestCache(t, fsys, 100, 1)
	putString(t, c, "a", "alpha")
	putString(t, c, "b", "beta")
	require.NoError(t, c.Close())

	require.NoError(t, util.WriteFile(fsys, journal.FileName, []byte("garbage\x00\x01"), 0o644))

	c2, hook := openTestCache(t, fsys, 100, 1)
	assert.Equal(t, "alpha", getString(t, c2, "a"))
	assert.Equal(t, "beta", getString(t, c2, "b"))
	assert.Equal(t, int64(9), c2.Stats().Size)

	var warned bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Data["action"] == "open" {
			warned = true
		}
	}
	assert.True(t, warned, "rebuild must be logged")
}

func TestMissingJournalIsRebuilt(t *testing.T) {
	t.Parallel()

	fsys := memfs.New()
	c, _ := openTestCache(t, fsys, 100, 1)
	putString(t, c, "a", "alpha")
	require.NoError(t, c.Close())
	require.NoError(t, fsys.Remove(journal.FileName))

	c2, _ := openTestCache(t, fsys, 100, 1)
	assert.True(t, c2.Exists("a"))
	assert.Equal(t, "alpha", getString(t, c2, "a"))
}

func TestOpenReconcilesStorage(t *testing.T) {
	t.Parallel()

	fsys := memfs.New()
	c, _ := openTestCache(t, fsys, 100, 1)
	putString(t, c, "kept", "1234")
	putString(t, c, "lost", "5678")
	putString(t, c, "resized", "12")
	require.NoError(t, c.Close())

	require.NoError(t, fsys.Remove(payloadPath("lost")))
	require.NoError(t, util.WriteFile(fsys, payloadPath("orphan"), []byte("stray"), 0o644))
	require.NoError(t, util.WriteFile(fsys, payloadPath("resized"), []byte("123456"), 0o644))
	require.NoError(t, util.WriteFile(fsys, payloadPath("kept")+".0000.tmp", []byte("partial"), 0o644))

	c2, _ := openTestCache(t, fsys, 100, 1)
	assert.True(t, c2.Exists("kept"))
	assert.False(t, c2.Exists("lost"))
	assert.False(t, c2.Exists("orphan"))
	assert.False(t, c2.Exists("resized"), "a payload that disagrees with its record is dropped")
	assert.Equal(t, int64(4), c2.Stats().Size)

	for _, key := range []string{"orphan", "resized"} {
		_, err := fsys.Stat(payloadPath(key))
		assert.Error(t, err, key)
	}
	infos, err := fsys.ReadDir(store.EntriesDir)
	require.NoError(t, err)
	assert.Len(t, infos, 1)
}

func TestTruncatedPayloadIsNotServed(t *testing.T) {
	t.Parallel()

	fsys := memfs.New()
	c, _ := openTestCache(t, fsys, 100, 1)
	putString(t, c, "x", "hello world")
	require.NoError(t, c.Close())

	// A crash can leave the durable record pointing at a short payload.
	require.NoError(t, util.WriteFile(fsys, payloadPath("x"), []byte("hello"), 0o644))

	c2, hook := openTestCache(t, fsys, 100, 1)
	assert.False(t, c2.Exists("x"))
	_, err := c2.Get("x")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, c2.Stats().Size)

	var warned bool
	for _, e := range hook.AllEntries() {
		if e.Data["action"] == "reconcile" && e.Data["torn"] == 1 {
			warned = true
		}
	}
	assert.True(t, warned, "reconcile should report the torn entry")
}

func TestOpenEnforcesSmallerBudget(t *testing.T) {
	t.Parallel()

	fsys := memfs.New()
	c, _ := openTestCache(t, fsys, 100, 1)
	putString(t, c, "a", strings.Repeat("a", 40))
	putString(t, c, "b", strings.Repeat("b", 40))
	require.NoError(t, c.Close())

	c2, _ := openTestCache(t, fsys, 50, 1)
	assert.False(t, c2.Exists("a"))
	assert.True(t, c2.Exists("b"))
	assert.LessOrEqual(t, c2.Stats().Size, int64(50))
}

func TestOversizedEntryEvictsItself(t *testing.T) {
	t.Parallel()

	c, _ := openTestCache(t, memfs.New(), 10, 1)
	putString(t, c, "small", "123")
	putString(t, c, "big", strings.Repeat("z", 11))

	assert.False(t, c.Exists("big"))
	assert.False(t, c.Exists("small"))
	assert.Equal(t, int64(0), c.Stats().Size)
}

func TestMissingPayloadReadsAsNotFound(t *testing.T) {
	t.Parallel()

	fsys := memfs.New()
	c, _ := openTestCache(t, fsys, 100, 1)
	putString(t, c, "a", "alpha")
	require.NoError(t, fsys.Remove(payloadPath("a")))

	_, err := c.OpenReadStream("a")
	require.ErrorIs(t, err, ErrNotFound)
	assert.False(t, c.Exists("a"))
	assert.Equal(t, int64(0), c.Stats().Size)
}

func TestCloseAndReopenOnDemand(t *testing.T) {
	t.Parallel()

	c, _ := openTestCache(t, memfs.New(), 100, 1)
	putString(t, c, "a", "alpha")
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	assert.Equal(t, StateClosed, c.State())
	assert.False(t, c.Exists("a"), "Exists never reopens")
	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, "closed", c.Stats().State.String())

	assert.Equal(t, "alpha", getString(t, c, "a"))
	assert.Equal(t, StateOpen, c.State())
	assert.True(t, c.Exists("a"))
}

func TestBrokenJournalSelfHeals(t *testing.T) {
	t.Parallel()

	fsys := testutil.NewFaultFS(nil)
	c, _ := openTestCache(t, fsys, 100, 1)
	putString(t, c, "a", "alpha")

	fsys.FailWrites(testutil.HasSuffix(journal.FileName))
	fsys.FailTruncates(testutil.HasSuffix(journal.FileName))
	_, err := c.Put(context.Background(), "b", strings.NewReader("beta"))
	require.ErrorIs(t, err, journal.ErrBroken)
	assert.Equal(t, StateClosed, c.State())
	fsys.Reset()

	assert.Equal(t, "alpha", getString(t, c, "a"))
	assert.Equal(t, StateOpen, c.State())
	assert.False(t, c.Exists("b"))
	_, err = fsys.Stat(payloadPath("b"))
	assert.Error(t, err, "unrecorded payload must not survive")
}

func TestFailedJournalAppendKeepsCacheOpen(t *testing.T) {
	t.Parallel()

	fsys := testutil.NewFaultFS(nil)
	c, _ := openTestCache(t, fsys, 100, 1)
	putString(t, c, "a", "alpha")

	fsys.FailWrites(testutil.HasSuffix(journal.FileName))
	_, err := c.Put(context.Background(), "a", strings.NewReader("replacement"))
	require.ErrorIs(t, err, store.ErrNotRecorded)
	fsys.Reset()

	assert.Equal(t, StateOpen, c.State())
	_, err = c.Get("a")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, c.Exists("a"))
	assert.Equal(t, int64(0), c.Stats().Size)
}

func TestClear(t *testing.T) {
	t.Parallel()

	fsys := memfs.New()
	rec := &recorder{}
	logger, _ := logtest.NewNullLogger()
	c, err := Open(Options{FS: fsys, MaxSize: 100, Version: 3, Logger: logger, Notifier: rec})
	require.NoError(t, err)
	defer c.Close()

	putString(t, c, "a", "alpha")
	putString(t, c, "b", "beta")
	require.NoError(t, c.Clear())

	assert.False(t, c.Exists("a"))
	assert.False(t, c.Exists("b"))
	st := c.Stats()
	assert.Equal(t, 0, st.Entries)
	assert.Equal(t, 3, st.Version)
	assert.Equal(t, []string{"a", "b", ClearPath}, rec.Paths())

	putString(t, c, "c", "gamma")
	assert.Equal(t, "gamma", getString(t, c, "c"))
}

func TestClearFromClosed(t *testing.T) {
	t.Parallel()

	c, _ := openTestCache(t, memfs.New(), 100, 1)
	putString(t, c, "a", "alpha")
	require.NoError(t, c.Close())
	require.NoError(t, c.Clear())
	assert.Equal(t, StateOpen, c.State())
	assert.False(t, c.Exists("a"))
}

func TestPutHonoursContext(t *testing.T) {
	t.Parallel()

	c, _ := openTestCache(t, memfs.New(), 100, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Put(ctx, "a", strings.NewReader("alpha"))
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, c.Exists("a"))
}

func TestConcurrentWritersOfDistinctKeys(t *testing.T) {
	t.Parallel()

	c, err := Open(Options{Dir: t.TempDir(), MaxSize: 1 << 20, Version: 1, Logger: logrus.New()})
	require.NoError(t, err)
	defer c.Close()

	var g errgroup.Group
	for i := 0; i < 16; i++ {
		key := fmt.Sprintf("key-%d", i)
		g.Go(func() error {
			for j := 0; j < 5; j++ {
				body := bytes.Repeat([]byte{byte('a' + i)}, 100+j)
				if _, err := c.Put(context.Background(), key, bytes.NewReader(body)); err != nil {
					return err
				}
				if _, err := c.Get(key); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	st := c.Stats()
	assert.Equal(t, 16, st.Entries)
	assert.Equal(t, int64(16*104), st.Size)
}

func TestTouchPromotesWithoutReading(t *testing.T) {
	t.Parallel()

	c, _ := openTestCache(t, memfs.New(), 10, 1)
	putString(t, c, "a", "aaaa")
	putString(t, c, "b", "bbbb")

	assert.True(t, c.Touch("a"))
	assert.False(t, c.Touch("missing"))
	putString(t, c, "c", "cccc")

	assert.True(t, c.Exists("a"), "a touched entry is not the eviction victim")
	assert.False(t, c.Exists("b"))
	assert.False(t, c.Touch("b"))
}
