package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
)

var supportedBackends = map[string]struct{}{
	BackendFilesystem: {},
	BackendPostgres:   {},
	BackendDynamoDB:   {},
}

const supportedBackendList = "filesystem|postgres|dynamodb"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
// Origin 为空不在此处报错，由 RequireOrigin 在 serve 路径上单独检查。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("ListenPort", "必须在 1-65535")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("UpstreamTimeout", "必须大于 0")
	}
	if g.Origin != "" {
		if err := validateOrigin(g.Origin); err != nil {
			return fmt.Errorf("Origin: %w", err)
		}
	}

	if _, ok := supportedBackends[c.Cache.Backend]; !ok {
		return newFieldError("Cache.Backend", "仅支持 "+supportedBackendList)
	}
	switch c.Cache.Backend {
	case BackendFilesystem:
		if g.StoragePath == "" {
			return newFieldError("StoragePath", "不能为空")
		}
		if err := validateStoragePath(g.StoragePath); err != nil {
			return err
		}
	case BackendPostgres:
		if c.Cache.PostgresDSN == "" {
			return newFieldError("Cache.PostgresDSN", "postgres 后端必须提供 DSN")
		}
	case BackendDynamoDB:
		if c.Cache.DynamoTable == "" {
			return newFieldError("Cache.DynamoTable", "dynamodb 后端必须提供表名")
		}
	}

	return nil
}

func validateOrigin(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，origin: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("origin 缺少 Host: %s", raw)
	}
	return nil
}

// validateStoragePath 拒绝文件系统根目录与用户主目录，clear-cache 会清理该目录下的条目。
func validateStoragePath(raw string) error {
	abs, err := filepath.Abs(raw)
	if err != nil {
		return newFieldError("StoragePath", err.Error())
	}
	if filepath.Dir(abs) == abs {
		return newFieldError("StoragePath", "不能是文件系统根目录")
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		if homeAbs, err := filepath.Abs(home); err == nil && homeAbs == abs {
			return newFieldError("StoragePath", "不能是用户主目录")
		}
	}
	return nil
}
