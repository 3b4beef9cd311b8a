package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// proxyEnvKeys 列出会影响 CLI 行为的环境变量，测试开始前统一清空。
var proxyEnvKeys = []string{
	"CACHE_PROXY_CONFIG",
	"CACHE_PROXY_ORIGIN",
	"ORIGIN_URL",
	"CACHE_PROXY_PORT",
	"CACHE_PROXY_STORAGE",
	"CACHE_PROXY_BACKEND",
	"CACHE_PROXY_LOG_FILE",
	"CACHE_PROXY_LOG_LEVEL",
}

func clearProxyEnv(t *testing.T) {
	t.Helper()
	for _, key := range proxyEnvKeys {
		t.Setenv(key, "")
		_ = os.Unsetenv(key)
	}
}

// seedStorage 创建带有一个缓存条目的临时目录。
func seedStorage(t *testing.T) string {
	t.Helper()
	storage := t.TempDir()
	dir := filepath.Join(storage, "example.com")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("创建缓存目录失败: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "seed.json"), []byte(`{"seed":true}`), 0o600); err != nil {
		t.Fatalf("写入缓存条目失败: %v", err)
	}
	return storage
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(file, []byte(strings.TrimSpace(content)), 0o600); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}
	return file
}

// useBufferWriters 在测试期间把 stdOut/stdErr 换成内存缓冲，结束后恢复。
func useBufferWriters(t *testing.T) {
	t.Helper()

	prevOut, prevErr := stdOut, stdErr
	stdOut, stdErr = &bytes.Buffer{}, &bytes.Buffer{}
	t.Cleanup(func() {
		stdOut, stdErr = prevOut, prevErr
	})
}

func stdOutBuffer() *bytes.Buffer {
	buf, _ := stdOut.(*bytes.Buffer)
	return buf
}

func stdErrBuffer() *bytes.Buffer {
	buf, _ := stdErr.(*bytes.Buffer)
	return buf
}
