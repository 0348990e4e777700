// Package archive 将过期的链路运行记录归档到对象存储。
package archive

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	xerrors "github.com/Xeros-AGiXT/Xeros/internal/errors"
)

// Config 描述 MinIO / S3 兼容存储的连接参数。
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	Prefix    string
	UseSSL    bool
}

// Validate 校验必填字段。
func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Endpoint) == "":
		return xerrors.New(xerrors.CodeInvalidArgument, "archive endpoint 不能为空")
	case strings.TrimSpace(c.Bucket) == "":
		return xerrors.New(xerrors.CodeInvalidArgument, "archive bucket 不能为空")
	case c.AccessKey == "" || c.SecretKey == "":
		return xerrors.New(xerrors.CodeInvalidArgument, "archive 凭证不能为空")
	}
	return nil
}

type objectClient interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// MinIO 以 JSON 对象的形式保存运行记录。
type MinIO struct {
	client objectClient
	bucket string
	prefix string
}

// NewMinIO 建立客户端并确保存储桶存在。
func NewMinIO(ctx context.Context, cfg Config) (*MinIO, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建 MinIO 客户端失败")
	}
	return newMinIO(ctx, client, cfg)
}

func newMinIO(ctx context.Context, client objectClient, cfg Config) (*MinIO, error) {
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "检查归档存储桶失败")
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建归档存储桶失败")
		}
	}
	return &MinIO{client: client, bucket: cfg.Bucket, prefix: strings.Trim(cfg.Prefix, "/")}, nil
}

// Put 上传一个对象，name 会拼接在配置的前缀之后。
func (m *MinIO) Put(ctx context.Context, name string, data []byte) error {
	object := strings.TrimPrefix(name, "/")
	if m.prefix != "" {
		object = path.Join(m.prefix, object)
	}
	_, err := m.client.PutObject(ctx, m.bucket, object, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "上传归档对象失败")
	}
	return nil
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}
