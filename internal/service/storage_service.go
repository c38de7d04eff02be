package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"journey_backend/internal/config"
	"journey_backend/internal/util"
	"os"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// StorageProvider 定义通用存储接口
type StorageProvider interface {
	Upload(ctx context.Context, name string, reader io.Reader, size int64, contentType string) (string, error)
	Delete(ctx context.Context, name string) error
	GetURL(name string) string
}

// LocalStorageProvider 本地存储实现
type LocalStorageProvider struct {
	Root string
}

func (p *LocalStorageProvider) path(name string) (string, error) {
	clean := filepath.Clean("/" + name)
	if strings.Contains(clean, "..") {
		return "", fmt.Errorf("invalid object name %q", name)
	}
	return filepath.Join(p.Root, clean), nil
}

func (p *LocalStorageProvider) Upload(ctx context.Context, name string, reader io.Reader, size int64, contentType string) (string, error) {
	dst, err := p.path(name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return "", err
	}

	out, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	defer out.Close()

	if _, err := io.Copy(out, reader); err != nil {
		return "", err
	}
	return p.GetURL(name), nil
}

func (p *LocalStorageProvider) Delete(ctx context.Context, name string) error {
	dst, err := p.path(name)
	if err != nil {
		return err
	}
	return os.Remove(dst)
}

func (p *LocalStorageProvider) GetURL(name string) string {
	return "/archive/" + strings.TrimPrefix(name, "/")
}

// MinioStorageProvider MinIO存储实现
type MinioStorageProvider struct {
	Bucket string
	Client *minio.Client
}

func NewMinioStorageProvider(cfg *config.StorageConfig) (*MinioStorageProvider, error) {
	client, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessID, cfg.MinioSecret, ""),
		Secure: cfg.MinioUseSSL,
	})
	if err != nil {
		return nil, err
	}
	return &MinioStorageProvider{Bucket: cfg.MinioBucket, Client: client}, nil
}

// EnsureBucket creates the bucket on first start.
func (p *MinioStorageProvider) EnsureBucket(ctx context.Context) error {
	exists, err := p.Client.BucketExists(ctx, p.Bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return p.Client.MakeBucket(ctx, p.Bucket, minio.MakeBucketOptions{})
}

func (p *MinioStorageProvider) Upload(ctx context.Context, name string, reader io.Reader, size int64, contentType string) (string, error) {
	_, err := p.Client.PutObject(ctx, p.Bucket, name, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", err
	}
	return p.GetURL(name), nil
}

func (p *MinioStorageProvider) Delete(ctx context.Context, name string) error {
	return p.Client.RemoveObject(ctx, p.Bucket, name, minio.RemoveObjectOptions{})
}

func (p *MinioStorageProvider) GetURL(name string) string {
	return "/" + p.Bucket + "/" + name
}

// ArchiveService stores generated artifacts (reports, certificate payloads).
type ArchiveService struct {
	Provider StorageProvider
}

func NewArchiveService(cfg *config.Config) (*ArchiveService, error) {
	switch cfg.Storage.Type {
	case util.StorageMinio:
		p, err := NewMinioStorageProvider(&cfg.Storage)
		if err != nil {
			return nil, err
		}
		if err := p.EnsureBucket(context.Background()); err != nil {
			return nil, err
		}
		return &ArchiveService{Provider: p}, nil
	default:
		return &ArchiveService{Provider: &LocalStorageProvider{Root: cfg.Storage.LocalPath}}, nil
	}
}

func (s *ArchiveService) Put(ctx context.Context, name string, data []byte, contentType string) (string, error) {
	return s.Provider.Upload(ctx, name, bytes.NewReader(data), int64(len(data)), contentType)
}

func reportObjectName(attemptID uint) string {
	return fmt.Sprintf("reports/attempt-%d.html", attemptID)
}

func certificateObjectName(qrCode string) string {
	return fmt.Sprintf("certificates/%s.json", qrCode)
}
