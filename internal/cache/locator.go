package cache

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
)

// ErrInvalidPath 表示请求路径不符合 http://<host>/<root>/<repo>/<timestamp>/<path> 约定。
var ErrInvalidPath = errors.New("invalid request path")

// Locator 描述一次快照请求在缓存中的位置，所有字段均已 URL 解码。
type Locator struct {
	Root      string
	Repo      string
	Timestamp string
	// Remainder 是时间戳之后的相对路径，例如 pool/main/f/foo/foo_1.0.deb。
	Remainder string
}

// ParseRequestURI 校验代理风格的请求 URI 并拆分出 Locator。
// rawURI 必须以 http://<host>/ 开头，host 来自请求的 Host 头。
func ParseRequestURI(rawURI, host, root, repo string) (Locator, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return Locator{}, fmt.Errorf("%w: missing host header", ErrInvalidPath)
	}
	prefix := "http://" + host + "/"
	if !strings.HasPrefix(rawURI, prefix) {
		return Locator{}, fmt.Errorf("%w: %q is not a proxy request for %s", ErrInvalidPath, rawURI, host)
	}
	rest := rawURI[len(prefix):]
	if idx := strings.IndexAny(rest, "?#"); idx >= 0 {
		rest = rest[:idx]
	}

	decoded, err := url.PathUnescape(rest)
	if err != nil {
		return Locator{}, fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}

	parts := strings.SplitN(decoded, "/", 4)
	if len(parts) != 4 {
		return Locator{}, fmt.Errorf("%w: %q has too few segments", ErrInvalidPath, decoded)
	}
	if parts[0] != root || parts[1] != repo {
		return Locator{}, fmt.Errorf("%w: unknown repository %s/%s", ErrInvalidPath, parts[0], parts[1])
	}

	loc := Locator{
		Root:      parts[0],
		Repo:      parts[1],
		Timestamp: parts[2],
		Remainder: parts[3],
	}
	if err := checkSegments(loc.Timestamp); err != nil {
		return Locator{}, err
	}
	if err := checkSegments(loc.Remainder); err != nil {
		return Locator{}, err
	}
	return loc, nil
}

// checkSegments 拒绝空段、. 与 ..，保证解析结果不会逃出缓存根目录。
func checkSegments(p string) error {
	if p == "" {
		return fmt.Errorf("%w: empty path segment", ErrInvalidPath)
	}
	for _, segment := range strings.Split(p, "/") {
		switch segment {
		case "":
			return fmt.Errorf("%w: empty segment in %q", ErrInvalidPath, p)
		case ".", "..":
			return fmt.Errorf("%w: relative segment in %q", ErrInvalidPath, p)
		}
		if strings.ContainsRune(segment, 0) {
			return fmt.Errorf("%w: NUL byte in %q", ErrInvalidPath, p)
		}
	}
	return nil
}

// Path 返回相对缓存根目录的 URL 风格路径。
func (l Locator) Path() string {
	return path.Join(l.Root, l.Repo, l.Timestamp, l.Remainder)
}

// TimestampDir 返回时间戳目录的相对路径。
func (l Locator) TimestampDir() string {
	return path.Join(l.Root, l.Repo, l.Timestamp)
}

// RepoPath 返回 <root>/<repo>，日志字段使用。
func (l Locator) RepoPath() string {
	return l.Root + "/" + l.Repo
}

func (l Locator) fsPath(base string) string {
	return filepath.Join(base, filepath.FromSlash(l.Path()))
}
