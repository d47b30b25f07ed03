// Package archive copies document snapshots to object storage so history
// survives the bounded in-database version list.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Store writes snapshots to a MinIO (or S3-compatible) bucket.
type Store struct {
	client *minio.Client
	bucket string
}

// New connects to the object store and ensures the bucket exists.
func New(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Store, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
		}
	}

	return &Store{client: client, bucket: bucket}, nil
}

type snapshotObject struct {
	DocumentID string          `json:"documentId"`
	At         time.Time       `json:"at"`
	Title      string          `json:"title"`
	Content    json.RawMessage `json:"content"`
}

// ArchiveSnapshot stores one snapshot under <documentID>/<RFC3339>.json.
func (s *Store) ArchiveSnapshot(ctx context.Context, documentID string, at time.Time, title string, content json.RawMessage) error {
	payload, err := json.Marshal(snapshotObject{
		DocumentID: documentID,
		At:         at,
		Title:      title,
		Content:    content,
	})
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	objectName := fmt.Sprintf("%s/%s.json", documentID, at.UTC().Format(time.RFC3339))
	_, err = s.client.PutObject(ctx, s.bucket, objectName, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("put snapshot %s: %w", objectName, err)
	}
	return nil
}

// ListSnapshots returns the archived object names for a document, oldest
// first.
func (s *Store) ListSnapshots(ctx context.Context, documentID string) ([]string, error) {
	names := make([]string, 0)
	for object := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    documentID + "/",
		Recursive: true,
	}) {
		if object.Err != nil {
			return nil, fmt.Errorf("list snapshots: %w", object.Err)
		}
		names = append(names, object.Key)
	}
	return names, nil
}
