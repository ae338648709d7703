package programs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"rvexec/internal/coordinator"
)

// LocalStore 从本地目录读取与 CID 对应的程序镜像或参考模块。
type LocalStore struct {
	Dir string
	log coordinator.Logger
}

// NewLocalStore 创建基于本地文件的程序仓库。
func NewLocalStore(dir string, log coordinator.Logger) *LocalStore {
	if log == nil {
		log = coordinator.NewLogger(nil, "programs")
	}
	return &LocalStore{Dir: dir, log: log}
}

// FetchProgram 从磁盘加载字节；CID 必须是目录内的相对路径。
func (s *LocalStore) FetchProgram(ctx context.Context, cid string) ([]byte, error) {
	if s.Dir == "" {
		return nil, fmt.Errorf("program directory not configured")
	}
	if cid == "" {
		return nil, ErrEmptyCID
	}
	if !filepath.IsLocal(cid) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCID, cid)
	}
	path := filepath.Join(s.Dir, cid)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read program %s: %w", path, err)
	}
	s.log.Infof("loaded program %s (%d bytes)", cid, len(data))
	return data, nil
}
