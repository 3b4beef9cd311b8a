package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Store 负责缓存条目的读写。磁盘布局遵循：
//
//	<StoragePath>/<Namespace>/<Hash>.json    # 原样保存的 JSON 正文
//
// 其它后端以 Key.Location() 作为主键，语义保持一致。
type Store interface {
	// Get 返回已保存的 JSON 值。条目不存在时 found=false 且 err=nil；
	// 存储层故障或正文不是合法 JSON 时返回 *StorageError。
	Get(ctx context.Context, key Key) (value json.RawMessage, found bool, err error)

	// Put 写入 JSON 值，已存在时静默覆盖。实现需保证读者不会看到写了一半的条目。
	Put(ctx context.Context, key Key, value json.RawMessage) error

	// Clear 删除全部条目并保留一个空的根。对空的或不存在的根重复调用同样成功。
	Clear(ctx context.Context) error
}

// StorageError 描述存储层失败（权限、磁盘、数据库或损坏的 JSON），不会被自动修复。
type StorageError struct {
	Op       string
	Location string
	Err      error
}

func (e *StorageError) Error() string {
	if e.Location == "" {
		return fmt.Sprintf("cache %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("cache %s %s: %v", e.Op, e.Location, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError 包装后端错误，已经是 *StorageError 的错误原样返回。
func NewStorageError(op, location string, err error) error {
	if err == nil {
		return nil
	}
	var existing *StorageError
	if errors.As(err, &existing) {
		return err
	}
	return &StorageError{Op: op, Location: location, Err: err}
}

// ErrInvalidPayload 表示待写入或已保存的正文不是合法 JSON。
var ErrInvalidPayload = errors.New("payload is not valid JSON")

// ValidatePayload 校验正文是合法 JSON，供各后端在读写两端复用。
func ValidatePayload(value []byte) error {
	if !json.Valid(value) {
		return ErrInvalidPayload
	}
	return nil
}
