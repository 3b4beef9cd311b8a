package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供路径/回源地址/缓存状态字段，供代理请求日志复用。
func RequestFields(path, origin, cacheStatus string) logrus.Fields {
	return logrus.Fields{
		"path":         path,
		"origin":       origin,
		"cache_status": cacheStatus,
	}
}
