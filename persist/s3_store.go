package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const ctxTimeout = 10 * time.Second

// S3Config contains the configuration required to connect to S3 (MinIO).
type S3Config struct {
	Endpoint        string `json:"endpoint"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	Bucket          string `json:"bucket"`
	KeyPrefix       string `json:"key_prefix"`
	UseSSL          bool   `json:"use_ssl"`
	Region          string `json:"region"`
}

// S3Store implements CheckpointStore against an S3-compatible backend.
// Object layout:
//
//	bucket/
//	└── [keyPrefix/]checkpoints/
//	    ├── <operation-id>.checkpoint.json
//	    └── ...
//
// S3 object puts are atomic, so a reader never observes a partial
// checkpoint.
type S3Store struct {
	client     *minio.Client
	bucketName string
	keyPrefix  string
}

// NewS3Store initializes an S3-backed checkpoint store and ensures the
// configured bucket exists.
func NewS3Store(config S3Config) (*S3Store, error) {
	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	store := &S3Store{
		client:     client,
		bucketName: config.Bucket,
		keyPrefix:  config.KeyPrefix,
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if err = store.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure bucket exists: %w", err)
	}
	return store, nil
}

// NewS3StoreFromConfig initializes an S3Store from a generic StoreConfig.
func NewS3StoreFromConfig(config StoreConfig) (*S3Store, error) {
	if config.Type != StoreTypeS3 {
		return nil, fmt.Errorf("invalid store type for S3: %s", config.Type)
	}

	configBytes, err := json.Marshal(config.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}

	var s3Config S3Config
	if err = json.Unmarshal(configBytes, &s3Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal S3 config: %w", err)
	}
	return NewS3Store(s3Config)
}

func (s3s *S3Store) ensureBucket(ctx context.Context) error {
	exists, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", s3s.bucketName, err)
	}
	if !exists {
		if err = s3s.client.MakeBucket(ctx, s3s.bucketName, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", s3s.bucketName, err)
		}
	}
	return nil
}

func (s3s *S3Store) Save(operationID string, data []byte) error {
	if err := validateOperationID(operationID); err != nil {
		return err
	}
	if len(data) == 0 {
		return fmt.Errorf("checkpoint data cannot be empty")
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	_, err := s3s.client.PutObject(
		ctx,
		s3s.bucketName,
		s3s.objectName(operationID),
		bytes.NewReader(data),
		int64(len(data)),
		minio.PutObjectOptions{
			ContentType: "application/json",
			UserMetadata: map[string]string{
				"data-type":    "reencryption-checkpoint",
				"operation-id": operationID,
				"saved-at":     time.Now().UTC().Format(time.RFC3339),
			},
		},
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint %s: %w", operationID, err)
	}
	return nil
}

func (s3s *S3Store) Load(operationID string) ([]byte, error) {
	if err := validateOperationID(operationID); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	object, err := s3s.client.GetObject(ctx, s3s.bucketName, s3s.objectName(operationID), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint %s: %w", operationID, err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		if minioErr := minio.ToErrorResponse(err); minioErr.Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read checkpoint %s: %w", operationID, err)
	}
	return data, nil
}

func (s3s *S3Store) List() ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	prefix := s3s.objectName("")
	var ids []string
	for object := range s3s.client.ListObjects(ctx, s3s.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if object.Err != nil {
			return nil, fmt.Errorf("failed to list checkpoints: %w", object.Err)
		}
		name := strings.TrimPrefix(object.Key, prefix)
		if !strings.HasSuffix(name, checkpointExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, checkpointExt))
	}
	sort.Strings(ids)
	return ids, nil
}

func (s3s *S3Store) Delete(operationID string) (bool, error) {
	if err := validateOperationID(operationID); err != nil {
		return false, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	objectName := s3s.objectName(operationID)
	if _, err := s3s.client.StatObject(ctx, s3s.bucketName, objectName, minio.StatObjectOptions{}); err != nil {
		if minioErr := minio.ToErrorResponse(err); minioErr.Code == "NoSuchKey" {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat checkpoint %s: %w", operationID, err)
	}
	if err := s3s.client.RemoveObject(ctx, s3s.bucketName, objectName, minio.RemoveObjectOptions{}); err != nil {
		return false, fmt.Errorf("failed to delete checkpoint %s: %w", operationID, err)
	}
	return true, nil
}

func (s3s *S3Store) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	exists, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	if err != nil {
		return fmt.Errorf("S3 connectivity check failed: %w", err)
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", s3s.bucketName)
	}
	return nil
}

func (s3s *S3Store) Close() error {
	return nil
}

func (s3s *S3Store) GetType() string {
	return string(StoreTypeS3)
}

func (s3s *S3Store) objectName(operationID string) string {
	name := "checkpoints/" + operationID
	if operationID != "" {
		name += checkpointExt
	}
	if s3s.keyPrefix != "" {
		name = strings.TrimSuffix(s3s.keyPrefix, "/") + "/" + name
	}
	return name
}
