package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort < 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 0-65535")
	}
	if strings.Contains(g.ListenAddress, " ") {
		return newFieldError("Global.ListenAddress", "不允许包含空格")
	}
	if !isLoopback(g.ListenAddress) {
		return newFieldError("Global.ListenAddress", "只能监听回环地址")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.DownloadRate < 0 {
		return newFieldError("Global.DownloadRate", "不能为负数")
	}
	if g.LogLevel != "" {
		if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
			return newFieldError("Global.LogLevel", "无法识别的日志级别")
		}
	}

	switch g.LogFormat {
	case "", LogFormatJSON, LogFormatText:
	default:
		return newFieldError("Global.LogFormat", "仅支持 json 或 text")
	}

	a := c.Archive
	if reason := segmentProblem(a.RepoRoot); reason != "" {
		return newFieldError(archiveField("RepoRoot"), reason)
	}
	if reason := segmentProblem(a.RepoName); reason != "" {
		return newFieldError(archiveField("RepoName"), reason)
	}
	if a.RepoRoot == "pool" {
		return newFieldError(archiveField("RepoRoot"), "不能与共享 pool 目录重名")
	}
	if !strings.HasPrefix(a.RedirectPrefix, "/") {
		return newFieldError(archiveField("RedirectPrefix"), "必须以 / 开头")
	}
	if a.Upstream != "" {
		if err := validateUpstream(a.Upstream); err != nil {
			return newFieldError(archiveField("Upstream"), err.Error())
		}
	}
	return nil
}

// segmentProblem 返回单级路径段不合法的原因，合法时返回空串。
func segmentProblem(segment string) string {
	switch {
	case segment == "":
		return "不能为空"
	case strings.Contains(segment, "/"):
		return "只能是单级路径"
	case segment == "." || segment == "..":
		return "不允许相对路径"
	}
	return ""
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func validateUpstream(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}

// UpstreamURL 返回解析后的上游覆盖地址；未配置时返回 nil。
func (a ArchiveConfig) UpstreamURL() *url.URL {
	if a.Upstream == "" {
		return nil
	}
	parsed, err := url.Parse(a.Upstream)
	if err != nil {
		return nil
	}
	return parsed
}
