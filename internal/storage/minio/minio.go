package minio

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/mvajha/talon/internal/config"
	"github.com/mvajha/talon/internal/storage"
	"github.com/mvajha/talon/internal/tracing"
	"github.com/mvajha/talon/internal/util"
)

// MinioClient wraps the MinIO SDK client.
type MinioClient struct {
	client    *minio.Client
	bucket    string
	transport *http.Transport
}

// NewMinioClient initializes the client and makes sure the artifact
// bucket exists.
func NewMinioClient(ctx context.Context, cfg *config.MinioConfig) (storage.Storage, error) {
	transport := &http.Transport{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   50,
		MaxConnsPerHost:       50,
		IdleConnTimeout:       120 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,

		DisableCompression: true,
		DisableKeepAlives:  false,
	}

	cli, err := minio.New(cfg.URL, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.ACCESS_KEY, cfg.SECRET_KEY, ""),
		Secure:    cfg.USE_SSL,
		Transport: transport,
	})
	if err != nil {
		return nil, err
	}

	exists, err := cli.BucketExists(ctx, cfg.ARTIFACT_BUCKET)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := cli.MakeBucket(ctx, cfg.ARTIFACT_BUCKET, minio.MakeBucketOptions{}); err != nil {
			return nil, err
		}
	}

	return &MinioClient{client: cli, bucket: cfg.ARTIFACT_BUCKET, transport: transport}, nil
}

func (m *MinioClient) Upload(ctx context.Context, objectPath string, data []byte, contentType string) error {
	tracer := tracing.GetTracer()
	ctx, span := tracer.Start(ctx, "MinIO/Upload")
	defer span.End()

	reader := bytes.NewReader(data)
	_, err := m.client.PutObject(ctx, m.bucket, objectPath, reader, int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}

func (m *MinioClient) Download(ctx context.Context, objectPath string) ([]byte, error) {
	tracer := tracing.GetTracer()
	ctx, span := tracer.Start(ctx, "MinIO/Download")
	defer span.End()

	object, err := m.client.GetObject(ctx, m.bucket, objectPath, minio.GetObjectOptions{})
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	defer object.Close()

	if _, err := object.Stat(); err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}

	data, err := io.ReadAll(object)
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	return data, nil
}

func (m *MinioClient) Presign(ctx context.Context, objectPath string, expiry time.Duration) (string, error) {
	u, err := m.client.PresignedGetObject(ctx, m.bucket, objectPath, expiry, nil)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

func (m *MinioClient) Close() {
	m.transport.CloseIdleConnections()
}
