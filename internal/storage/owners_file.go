package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// FileOwnerStore 本地文件保存控制器 ID（单副本部署）
//
// 文件内容为 name → id 的 YAML 映射，写入时先写临时文件再改名。
type FileOwnerStore struct {
	mu   sync.Mutex
	path string
}

// NewFileOwnerStore 创建文件存储，文件不存在时在首次分配 ID 时创建
func NewFileOwnerStore(path string) *FileOwnerStore {
	return &FileOwnerStore{path: path}
}

// OwnerID 返回控制器的稳定 ID，首次调用时生成并持久化
func (s *FileOwnerStore) OwnerID(_ context.Context, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.load()
	if err != nil {
		return "", err
	}
	if id, ok := ids[name]; ok && id != "" {
		return id, nil
	}

	id := uuid.NewString()
	ids[name] = id
	if err := s.save(ids); err != nil {
		return "", err
	}
	return id, nil
}

func (s *FileOwnerStore) load() (map[string]string, error) {
	ids := make(map[string]string)
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return ids, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read owner ids: %w", err)
	}
	if err := yaml.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("parse owner ids %s: %w", s.path, err)
	}
	if ids == nil {
		ids = make(map[string]string)
	}
	return ids, nil
}

func (s *FileOwnerStore) save(ids map[string]string) error {
	data, err := yaml.Marshal(ids)
	if err != nil {
		return fmt.Errorf("marshal owner ids: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".owners-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write owner ids: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write owner ids: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace owner ids: %w", err)
	}
	return nil
}
