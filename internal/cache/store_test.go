package cache

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStoreLinkPoolSharesPoolAcrossTimestamps(t *testing.T) {
	store := newTestStore(t)

	a := testLocator("20240101T000000Z", "pool/main/f/foo.deb")
	b := testLocator("20240202T000000Z", "pool/main/f/foo.deb")
	require.NoError(t, store.LinkPool(a))
	require.NoError(t, store.LinkPool(b))
	// 重复调用应当幂等
	require.NoError(t, store.LinkPool(a))

	link := filepath.Join(store.BasePath(), "archive", "debian", "20240101T000000Z", PoolDir)
	target, err := os.Readlink(link)
	require.NoError(t, err)
	require.Equal(t, "../../../pool", target)

	entryA, err := store.Inspect(a)
	require.NoError(t, err)
	writeFile(t, entryA.FinalPath, "deb")

	entryB, err := store.Inspect(b)
	require.NoError(t, err)
	require.Equal(t, EntryComplete, entryB.State, "两个时间戳应解析到同一个 pool 文件")

	infoA, err := os.Stat(entryA.FinalPath)
	require.NoError(t, err)
	infoB, err := os.Stat(entryB.FinalPath)
	require.NoError(t, err)
	require.True(t, os.SameFile(infoA, infoB))

	shared, err := os.Stat(filepath.Join(store.BasePath(), "pool", "main", "f", "foo.deb"))
	require.NoError(t, err)
	require.True(t, os.SameFile(infoA, shared))
}

func TestStoreInspectStates(t *testing.T) {
	store := newTestStore(t)
	loc := testLocator("1", "dists/bookworm/Release")
	require.NoError(t, store.LinkPool(loc))

	entry, err := store.Inspect(loc)
	require.NoError(t, err)
	require.Equal(t, EntryAbsent, entry.State)
	require.Zero(t, entry.ResumeOffset())

	// 空的 .part 不算 partial
	writeFile(t, entry.PartPath, "")
	entry, err = store.Inspect(loc)
	require.NoError(t, err)
	require.Equal(t, EntryAbsent, entry.State)

	writeFile(t, entry.PartPath, "hello")
	entry, err = store.Inspect(loc)
	require.NoError(t, err)
	require.Equal(t, EntryPartial, entry.State)
	require.EqualValues(t, 5, entry.ResumeOffset())

	// 空的最终文件不算 complete
	writeFile(t, entry.FinalPath, "")
	entry, err = store.Inspect(loc)
	require.NoError(t, err)
	require.Equal(t, EntryPartial, entry.State)

	writeFile(t, entry.FinalPath, "complete")
	entry, err = store.Inspect(loc)
	require.NoError(t, err)
	require.Equal(t, EntryComplete, entry.State)
	require.EqualValues(t, 8, entry.Size)
	require.Zero(t, entry.ResumeOffset())
}

func TestStoreIgnoresForeignPartials(t *testing.T) {
	store := newTestStore(t)
	loc := testLocator("1", "dists/bookworm/Release")

	entry, err := store.Inspect(loc)
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(entry.PartPath, "Release."+strconv.Itoa(os.Getpid())+".part"))

	foreign := entry.FinalPath + "." + strconv.Itoa(os.Getpid()+1) + ".part"
	writeFile(t, foreign, "other process")

	entry, err = store.Inspect(loc)
	require.NoError(t, err)
	require.Equal(t, EntryAbsent, entry.State, "其他进程的 .part 不应被当作续传起点")
}

func TestStoreOpenPartialTruncatesToOffset(t *testing.T) {
	store := newTestStore(t)
	loc := testLocator("1", "pool/main/f/foo.deb")
	require.NoError(t, store.LinkPool(loc))

	entry, err := store.Inspect(loc)
	require.NoError(t, err)
	f, err := store.OpenPartial(entry, 0)
	require.NoError(t, err)
	_, err = f.WriteString("abcdef")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	entry, err = store.Inspect(loc)
	require.NoError(t, err)
	require.Equal(t, EntryPartial, entry.State)

	f, err = store.OpenPartial(entry, 3)
	require.NoError(t, err)
	_, err = f.WriteString("XYZ")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	data, err := os.ReadFile(entry.PartPath)
	require.NoError(t, err)
	require.Equal(t, "abcXYZ", string(data))

	_, err = store.OpenPartial(entry, 100)
	require.Error(t, err, "超过已下载大小的偏移量应被拒绝")
}

func TestStoreFinalizeRules(t *testing.T) {
	testCases := []struct {
		name     string
		received int64
		declared int64
		promoted bool
	}{
		{"complete", 4, 4, true},
		{"short", 3, 4, false},
		{"unknown length", 4, -1, false},
		{"empty", 0, 0, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			store := newTestStore(t)
			loc := testLocator("1", "dists/bookworm/Release")
			entry, err := store.Inspect(loc)
			require.NoError(t, err)
			writeFile(t, entry.PartPath, "data")

			promoted, err := store.Finalize(entry, tc.received, tc.declared)
			require.NoError(t, err)
			require.Equal(t, tc.promoted, promoted)

			_, finalErr := os.Stat(entry.FinalPath)
			_, partErr := os.Stat(entry.PartPath)
			if tc.promoted {
				require.NoError(t, finalErr)
				require.True(t, os.IsNotExist(partErr))
			} else {
				require.True(t, os.IsNotExist(finalErr))
				require.NoError(t, partErr)
			}
		})
	}
}

func TestStoreScanPartials(t *testing.T) {
	store := newTestStore(t)
	loc := testLocator("1", "pool/main/f/foo.deb")
	require.NoError(t, store.LinkPool(loc))

	writeFile(t, filepath.Join(store.BasePath(), "pool", "main", "f", "foo.deb.4242.part"), "x")
	writeFile(t, filepath.Join(store.BasePath(), "archive", "debian", "1", "dists", "Release.1.part"), "y")
	writeFile(t, filepath.Join(store.BasePath(), "archive", "debian", "1", "dists", "Release"), "z")

	found, err := store.ScanPartials()
	require.NoError(t, err)
	require.Len(t, found, 2)
}

func TestStoreCleanupEphemeral(t *testing.T) {
	store, err := NewEphemeralStore("snapproxy-test-")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(store.BasePath()) })
	require.True(t, store.Ephemeral())

	loc := testLocator("1", "pool/main/f/foo.deb")
	require.NoError(t, store.LinkPool(loc))
	entry, err := store.Inspect(loc)
	require.NoError(t, err)
	writeFile(t, entry.FinalPath, "deb")

	require.NoError(t, store.Cleanup("archive"))
	_, err = os.Stat(store.BasePath())
	require.True(t, os.IsNotExist(err), "临时缓存目录应被删除")
}

func TestStoreCleanupKeepsForeignContent(t *testing.T) {
	store, err := NewEphemeralStore("snapproxy-test-")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(store.BasePath()) })
	writeFile(t, filepath.Join(store.BasePath(), "notes.txt"), "keep")

	require.NoError(t, store.Cleanup("archive"))
	_, err = os.Stat(filepath.Join(store.BasePath(), "notes.txt"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(store.BasePath(), "pool"))
	require.True(t, os.IsNotExist(err))
}

func TestStoreCleanupPersistentIsNoop(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Cleanup("archive"))
	_, err := os.Stat(filepath.Join(store.BasePath(), "pool"))
	require.NoError(t, err, "持久缓存不应被清理")
}

func TestNewStoreCreatesSharedPool(t *testing.T) {
	persistent := newTestStore(t)
	ephemeral, err := NewEphemeralStore("snapproxy-test-")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(ephemeral.BasePath()) })

	for _, store := range []*Store{persistent, ephemeral} {
		info, err := os.Stat(filepath.Join(store.BasePath(), PoolDir))
		require.NoError(t, err)
		require.True(t, info.IsDir())

		loc := testLocator("1", "pool/main/f/foo.deb")
		require.NoError(t, store.LinkPool(loc))
		info, err = os.Stat(filepath.Join(store.BasePath(), "archive", "debian", "1", PoolDir))
		require.NoError(t, err, "pool 链接不能悬空")
		require.True(t, info.IsDir())

		entry, err := store.Inspect(loc)
		require.NoError(t, err)
		f, err := store.OpenPartial(entry, 0)
		require.NoError(t, err)
		require.NoError(t, f.Close())
	}
}

func TestNewStoreRejectsEmptyPath(t *testing.T) {
	if _, err := NewStore("  "); err == nil {
		t.Fatalf("empty cache path should fail")
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("init store: %v", err)
	}
	return store
}

func testLocator(timestamp, remainder string) Locator {
	return Locator{Root: "archive", Repo: "debian", Timestamp: timestamp, Remainder: remainder}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
