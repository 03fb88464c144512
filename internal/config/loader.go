package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// EnvPrefix 是环境变量覆盖的统一前缀，例如 SNAPPROXY_CACHEDIR。
const EnvPrefix = "SNAPPROXY"

// Load 读取可选的 TOML 配置文件，注入默认值、环境变量覆盖并执行校验。
// path 为空时仅使用默认值与环境变量。
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置失败: %w", err)
		}
	}

	var cfg Config
	hooks := mapstructure.ComposeDecodeHookFunc(durationDecodeHook(), byteRateDecodeHook())
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hooks)); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyArchiveDefaults(&cfg.Archive)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := cfg.normalizeCacheDir(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 返回仅包含默认值的配置，便于测试与嵌入场景直接使用。
func Default() *Config {
	cfg := &Config{}
	applyGlobalDefaults(&cfg.Global)
	applyArchiveDefaults(&cfg.Archive)
	cfg.Global.LogLevel = "info"
	return cfg
}

// normalizeCacheDir 将持久缓存目录转换为绝对路径；临时目录保持为空。
func (c *Config) normalizeCacheDir() error {
	dir := strings.TrimSpace(c.Global.CacheDir)
	if dir == "" {
		c.Global.CacheDir = ""
		return nil
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("无法解析缓存目录: %w", err)
	}
	c.Global.CacheDir = abs
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenAddress", "127.0.0.1")
	v.SetDefault("ListenPort", 0)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFormat", LogFormatJSON)
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("CacheDir", "")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("DownloadRate", "0")
	v.SetDefault("RepoRoot", "archive")
	v.SetDefault("RepoName", "debian")
	v.SetDefault("RedirectPrefix", "/file/")
	v.SetDefault("Upstream", "")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if strings.TrimSpace(g.ListenAddress) == "" {
		g.ListenAddress = "127.0.0.1"
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	g.LogFormat = strings.ToLower(strings.TrimSpace(g.LogFormat))
	if g.LogFormat == "" {
		g.LogFormat = LogFormatJSON
	}
	if g.LogMaxSize == 0 {
		g.LogMaxSize = 100
	}
	if g.LogMaxBackups == 0 {
		g.LogMaxBackups = 10
	}
}

func applyArchiveDefaults(a *ArchiveConfig) {
	a.RepoRoot = strings.Trim(strings.TrimSpace(a.RepoRoot), "/")
	a.RepoName = strings.Trim(strings.TrimSpace(a.RepoName), "/")
	if a.RepoRoot == "" {
		a.RepoRoot = "archive"
	}
	if a.RepoName == "" {
		a.RepoName = "debian"
	}
	if strings.TrimSpace(a.RedirectPrefix) == "" {
		a.RedirectPrefix = "/file/"
	}
	a.Upstream = strings.TrimSpace(a.Upstream)
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}

func byteRateDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(ByteRate(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			rate, err := parseByteRate(v)
			if err != nil {
				return nil, fmt.Errorf("无法解析 DownloadRate 字段: %w", err)
			}
			return rate, nil
		case int:
			return ByteRate(v), nil
		case int64:
			return ByteRate(v), nil
		case float64:
			return ByteRate(int64(v)), nil
		case ByteRate:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 DownloadRate 类型: %T", v)
		}
	}
}
