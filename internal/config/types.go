package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// ByteRate 表示每秒字节数，0 代表不限速。支持 "512KiB"、"1MB" 或纯数字写法。
type ByteRate int64

// UnmarshalText 通过 humanize 解析带单位的大小写法。
func (r *ByteRate) UnmarshalText(text []byte) error {
	parsed, err := parseByteRate(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// BytesPerSecond 返回 int64 形式的速率。
func (r ByteRate) BytesPerSecond() int64 {
	return int64(r)
}

// String 输出人类可读格式，便于日志展示。
func (r ByteRate) String() string {
	if r <= 0 {
		return "unlimited"
	}
	return humanize.IBytes(uint64(r)) + "/s"
}

func parseByteRate(raw string) (ByteRate, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimSuffix(raw, "/s")
	if raw == "" || raw == "0" {
		return 0, nil
	}
	parsed, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid byte rate value: %s", raw)
	}
	return ByteRate(parsed), nil
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// 支持的日志格式。
const (
	LogFormatJSON = "json"
	LogFormatText = "text"
)

// GlobalConfig 描述代理进程的运行时行为。
type GlobalConfig struct {
	ListenAddress   string   `mapstructure:"ListenAddress"`
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFormat       string   `mapstructure:"LogFormat"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	CacheDir        string   `mapstructure:"CacheDir"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	DownloadRate    ByteRate `mapstructure:"DownloadRate"`
}

// ArchiveConfig 描述上游快照服务的路径约定。
type ArchiveConfig struct {
	// RepoRoot/RepoName 组成请求路径的固定前两段，例如 archive/debian。
	RepoRoot string `mapstructure:"RepoRoot"`
	RepoName string `mapstructure:"RepoName"`
	// RedirectPrefix 是上游唯一允许跟随的 302 目标前缀。
	RedirectPrefix string `mapstructure:"RedirectPrefix"`
	// Upstream 为空时直接连接请求 Host；非空时仅替换 scheme/host。
	Upstream string `mapstructure:"Upstream"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global  GlobalConfig  `mapstructure:",squash"`
	Archive ArchiveConfig `mapstructure:",squash"`
}

// Ephemeral 表示缓存目录是否为本次运行临时创建。
func (c *Config) Ephemeral() bool {
	return c == nil || strings.TrimSpace(c.Global.CacheDir) == ""
}

// ListenAddr 返回 host:port 形式的监听地址。
func (g GlobalConfig) ListenAddr() string {
	return net.JoinHostPort(g.ListenAddress, strconv.Itoa(g.ListenPort))
}
