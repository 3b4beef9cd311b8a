package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// NewStore 以 basePath 为根目录构建磁盘缓存，整个进程复用一份实例。
func NewStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, NewStorageError("init", abs, err)
	}

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 串行化同一 Location 的并发写入；clearMu 保证 Clear
// 不会在写入途中删掉临时文件。
type fileStore struct {
	basePath string

	clearMu sync.RWMutex

	mu    sync.Mutex
	locks map[string]*entryLock
}

// tempPrefix 标记写入中途的临时文件。
const tempPrefix = ".cache-"

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (s *fileStore) Get(ctx context.Context, key Key) (json.RawMessage, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	filePath, err := s.entryPath(key)
	if err != nil {
		return nil, false, NewStorageError("get", key.Location(), err)
	}

	info, err := os.Stat(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, NewStorageError("get", key.Location(), err)
	}
	if info.IsDir() {
		return nil, false, nil
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, NewStorageError("get", key.Location(), err)
	}
	if err := ValidatePayload(data); err != nil {
		return nil, false, NewStorageError("get", key.Location(), err)
	}

	return json.RawMessage(data), true, nil
}

func (s *fileStore) Put(ctx context.Context, key Key, value json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidatePayload(value); err != nil {
		return NewStorageError("put", key.Location(), err)
	}

	filePath, err := s.entryPath(key)
	if err != nil {
		return NewStorageError("put", key.Location(), err)
	}

	s.clearMu.RLock()
	defer s.clearMu.RUnlock()

	unlock := s.lockEntry(key)
	defer unlock()

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return NewStorageError("put", key.Location(), err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(filePath), tempPrefix+"*")
	if err != nil {
		return NewStorageError("put", key.Location(), err)
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(value)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return NewStorageError("put", key.Location(), err)
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return NewStorageError("put", key.Location(), err)
	}
	return nil
}

// Clear 只删除由本 Store 写出的 namespace 目录。根目录下出现其它内容时拒绝清理并返回
// *StorageError，且不会删除任何文件。
func (s *fileStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.clearMu.Lock()
	defer s.clearMu.Unlock()

	entries, err := os.ReadDir(s.basePath)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return NewStorageError("clear", "", err)
	}

	// 先整体检查，再删除。
	namespaces := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			return NewStorageError("clear", entry.Name(), ErrForeignContent)
		}
		dir := filepath.Join(s.basePath, entry.Name())
		if err := checkNamespaceDir(dir); err != nil {
			return NewStorageError("clear", entry.Name(), err)
		}
		namespaces = append(namespaces, dir)
	}

	for _, dir := range namespaces {
		if err := os.RemoveAll(dir); err != nil {
			return NewStorageError("clear", filepath.Base(dir), err)
		}
	}
	if err := os.MkdirAll(s.basePath, 0o755); err != nil {
		return NewStorageError("clear", "", err)
	}
	return nil
}

// ErrForeignContent 表示缓存根目录中存在非缓存条目，Clear 因此拒绝执行。
var ErrForeignContent = errors.New("storage root contains files not written by the cache")

// checkNamespaceDir 确认目录中只有普通的 *.json 条目或写入中途遗留的临时文件。
func checkNamespaceDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		name := entry.Name()
		if !entry.Type().IsRegular() {
			return fmt.Errorf("%w: %s", ErrForeignContent, name)
		}
		if !strings.HasSuffix(name, entryExt) && !strings.HasPrefix(name, tempPrefix) {
			return fmt.Errorf("%w: %s", ErrForeignContent, name)
		}
	}
	return nil
}

func (s *fileStore) lockEntry(key Key) func() {
	location := key.Location()
	s.mu.Lock()
	lock := s.locks[location]
	if lock == nil {
		lock = &entryLock{}
		s.locks[location] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, location)
		}
		s.mu.Unlock()
	}
}

func (s *fileStore) entryPath(key Key) (string, error) {
	if !validSegment(key.Namespace) {
		return "", fmt.Errorf("invalid namespace %q", key.Namespace)
	}
	if !validSegment(key.Hash) {
		return "", fmt.Errorf("invalid hash %q", key.Hash)
	}
	return filepath.Join(s.basePath, key.Namespace, key.Hash+entryExt), nil
}

func validSegment(segment string) bool {
	if segment == "" || segment == "." || segment == ".." {
		return false
	}
	return !strings.ContainsAny(segment, "/\\\x00")
}
