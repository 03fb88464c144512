package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供快照路径与缓存状态字段，供代理请求日志复用。
func RequestFields(repo, timestamp, path, state string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"repo":        repo,
		"timestamp":   timestamp,
		"path":        path,
		"entry_state": state,
		"cache_hit":   cacheHit,
	}
}
