package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ObjectStore 对象存储的窄接口：写入字节流，换回可公开访问的 URL。
// 聊天与会话逻辑只保存 URL，不管理上传生命周期。
type ObjectStore interface {
	Put(path string, r io.Reader, size int64) (url string, err error)
	Remove(path string) error
}

// 上传种类对应不同的大小上限
const (
	KindChatAttachment = "chat"
	KindProfile        = "profile"
)

// DiskStore 本地磁盘实现；URL 为配置的公开前缀 + 相对路径
type DiskStore struct {
	root          string
	publicBaseURL string
}

// NewDiskStore 创建磁盘对象存储
func NewDiskStore(root, publicBaseURL string) (*DiskStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &DiskStore{
		root:          root,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
	}, nil
}

// Put 写入对象并返回公开 URL
func (s *DiskStore) Put(path string, r io.Reader, size int64) (string, error) {
	clean := filepath.Clean("/" + path)
	full := filepath.Join(s.root, clean)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return "", fmt.Errorf("create object dir: %w", err)
	}

	f, err := os.Create(full)
	if err != nil {
		return "", fmt.Errorf("create object file: %w", err)
	}
	defer f.Close()

	written, err := io.Copy(f, r)
	if err != nil {
		os.Remove(full)
		return "", fmt.Errorf("write object: %w", err)
	}
	if size > 0 && written != size {
		os.Remove(full)
		return "", fmt.Errorf("short write: expected %d bytes, wrote %d", size, written)
	}

	return s.publicBaseURL + filepath.ToSlash(clean), nil
}

// Remove 删除对象（上传失败清理用）
func (s *DiskStore) Remove(path string) error {
	clean := filepath.Clean("/" + path)
	return os.Remove(filepath.Join(s.root, clean))
}

// ObjectPath 生成带日期分桶与随机名的存储路径，保留原扩展名
func ObjectPath(kind, filename string) string {
	ext := filepath.Ext(filename)
	return fmt.Sprintf("%s/%s/%s%s", kind, time.Now().Format("2006-01-02"), uuid.NewString(), ext)
}
