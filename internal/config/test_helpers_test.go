package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// testConfigPath 指向 testdata 中的样例；文件可以不存在，用于覆盖缺失场景。
func testConfigPath(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join("testdata", name)
}

// writeTempConfig 把 TOML 片段写入临时文件并返回路径。
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "snapproxy.toml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(content)+"\n"), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return path
}
