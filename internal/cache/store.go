package cache

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

const (
	// PoolDir 是所有时间戳共享的包体目录名。
	PoolDir = "pool"
	// poolLinkTarget 从 <root>/<repo>/<timestamp>/pool 回指缓存根下的 pool。
	poolLinkTarget = "../../../" + PoolDir
	partSuffix     = ".part"
)

// Store 管理快照缓存目录。磁盘布局：
//
//	<base>/pool/...                                   # 共享包体
//	<base>/<root>/<repo>/<timestamp>/pool -> ../../../pool
//	<base>/<root>/<repo>/<timestamp>/<path>           # 已完成文件
//	<base>/<root>/<repo>/<timestamp>/<path>.<pid>.part # 下载中文件
//
// Store 本身不加锁：同一进程内请求已串行化，跨进程依赖 pid 隔离的临时文件名与原子 rename。
type Store struct {
	basePath  string
	pid       int
	ephemeral bool
}

// NewStore 以 basePath 为根目录打开持久缓存，目录与共享 pool 不存在时自动创建。
func NewStore(basePath string) (*Store, error) {
	if strings.TrimSpace(basePath) == "" {
		return nil, errors.New("cache path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve cache path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create cache path: %w", err)
	}

	store := &Store{basePath: abs, pid: os.Getpid()}
	if err := store.Prepare(); err != nil {
		return nil, err
	}
	return store, nil
}

// NewEphemeralStore 在系统临时目录下创建仅属于本次运行的缓存，Cleanup 时会被清理。
func NewEphemeralStore(prefix string) (*Store, error) {
	dir, err := os.MkdirTemp("", prefix)
	if err != nil {
		return nil, fmt.Errorf("create temporary cache: %w", err)
	}
	store := &Store{basePath: dir, pid: os.Getpid(), ephemeral: true}
	if err := store.Prepare(); err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}
	return store, nil
}

// BasePath 返回缓存根目录的绝对路径。
func (s *Store) BasePath() string {
	return s.basePath
}

// Ephemeral 表示缓存目录是否由本进程临时创建。
func (s *Store) Ephemeral() bool {
	return s.ephemeral
}

// Prepare 确保共享 pool 目录存在。构造函数已调用一次，外部删除 pool 后可再次调用。
func (s *Store) Prepare() error {
	if err := os.MkdirAll(filepath.Join(s.basePath, PoolDir), 0o755); err != nil {
		return fmt.Errorf("create pool dir: %w", err)
	}
	return nil
}

// LinkPool 确保 <timestamp>/pool 指向共享 pool。链接已存在（包括其他进程并发创建）视为成功。
func (s *Store) LinkPool(loc Locator) error {
	tsDir := filepath.Join(s.basePath, filepath.FromSlash(loc.TimestampDir()))
	link := filepath.Join(tsDir, PoolDir)
	if _, err := os.Lstat(link); err == nil {
		return nil
	}
	if err := os.MkdirAll(tsDir, 0o755); err != nil {
		return fmt.Errorf("create timestamp dir: %w", err)
	}
	if err := os.Symlink(poolLinkTarget, link); err != nil && !errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("link pool: %w", err)
	}
	return nil
}

// Inspect 根据文件系统推导条目状态。只有本进程 pid 命名的 .part 文件会被视为 partial。
func (s *Store) Inspect(loc Locator) (Entry, error) {
	entry := Entry{
		Locator:   loc,
		State:     EntryAbsent,
		FinalPath: loc.fsPath(s.basePath),
	}
	entry.PartPath = s.partPath(entry.FinalPath)

	info, err := os.Stat(entry.FinalPath)
	switch {
	case err == nil:
		if info.Mode().IsRegular() && info.Size() > 0 {
			entry.State = EntryComplete
			entry.Size = info.Size()
			return entry, nil
		}
	case !errors.Is(err, fs.ErrNotExist):
		return entry, err
	}

	info, err = os.Stat(entry.PartPath)
	switch {
	case err == nil:
		if info.Mode().IsRegular() && info.Size() > 0 {
			entry.State = EntryPartial
			entry.Size = info.Size()
		}
	case !errors.Is(err, fs.ErrNotExist):
		return entry, err
	}
	return entry, nil
}

// OpenComplete 打开已完成文件供读取。
func (s *Store) OpenComplete(entry Entry) (*os.File, error) {
	if entry.State != EntryComplete {
		return nil, fmt.Errorf("entry %s is %s, not complete", entry.Locator.Path(), entry.State)
	}
	return os.Open(entry.FinalPath)
}

// OpenPartial 打开（必要时创建）本进程的 .part 文件，并把写指针放在 offset。
// offset 之后的残留字节会被截断，保证磁盘内容与已确认的字节一致。
func (s *Store) OpenPartial(entry Entry, offset int64) (*os.File, error) {
	if offset < 0 || offset > entry.ResumeOffset() {
		return nil, fmt.Errorf("offset %d outside partial size %d", offset, entry.ResumeOffset())
	}
	if err := os.MkdirAll(filepath.Dir(entry.PartPath), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(entry.PartPath, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(offset); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// OpenPartialReader 以只读方式打开 .part 文件，用于把已下载的前缀回放给客户端。
func (s *Store) OpenPartialReader(entry Entry) (*os.File, error) {
	if entry.State != EntryPartial {
		return nil, fmt.Errorf("entry %s is %s, not partial", entry.Locator.Path(), entry.State)
	}
	return os.Open(entry.PartPath)
}

// Finalize 仅在本次接收字节数与上游声明长度一致且大于 0 时把 .part 原子改名为最终文件。
// 返回 false 表示保留 .part 等待后续续传。
func (s *Store) Finalize(entry Entry, received, declared int64) (bool, error) {
	if declared <= 0 || received != declared {
		return false, nil
	}
	if err := os.Rename(entry.PartPath, entry.FinalPath); err != nil {
		return false, fmt.Errorf("finalize %s: %w", entry.Locator.Path(), err)
	}
	return true, nil
}

// ScanPartials 列出缓存目录中所有 .part 文件（不区分 pid）。它们从不会被自动删除，
// 因为可能仍属于其他正在运行的进程。
func (s *Store) ScanPartials() ([]string, error) {
	var found []string
	err := filepath.WalkDir(s.basePath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.Type().IsRegular() && strings.HasSuffix(d.Name(), partSuffix) {
			found = append(found, p)
		}
		return nil
	})
	return found, err
}

// Cleanup 仅针对临时缓存：删除共享 pool 与 repo 根目录，再尝试移除缓存根。
// 缓存根中若还有其他内容则原样保留。持久缓存调用本方法不会有任何效果。
func (s *Store) Cleanup(repoRoot string) error {
	if !s.ephemeral {
		return nil
	}
	var errs []error
	for _, name := range []string{PoolDir, repoRoot} {
		if name == "" {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.basePath, name)); err != nil {
			errs = append(errs, err)
		}
	}
	if err := os.Remove(s.basePath); err != nil && !errors.Is(err, fs.ErrNotExist) && !isNotEmpty(err) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Store) partPath(finalPath string) string {
	return fmt.Sprintf("%s.%d%s", finalPath, s.pid, partSuffix)
}

func isNotEmpty(err error) bool {
	return errors.Is(err, syscall.ENOTEMPTY) || errors.Is(err, syscall.EEXIST)
}
