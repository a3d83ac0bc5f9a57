// Package snapshot implements the durability layer: periodic full
// snapshots to an S3-compatible object store and local incremental
// checkpoints.
package snapshot

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/google/uuid"
)

// ObjectStoreConfig parameterizes the S3-compatible endpoint a taskmesh
// deployment snapshots to (MinIO-compatible).
type ObjectStoreConfig struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool // required for MinIO
	Compress        bool
	KeyPrefix       string
}

// ObjectStore uploads/downloads snapshot payloads via aws-sdk-go's
// s3/s3manager client.
type ObjectStore struct {
	cfg      ObjectStoreConfig
	uploader *s3manager.Uploader
	client   *s3.S3
}

// NewObjectStore builds an ObjectStore against cfg.
func NewObjectStore(cfg ObjectStoreConfig) (*ObjectStore, error) {
	sess, err := session.NewSession(&aws.Config{
		Region:           aws.String(cfg.Region),
		Endpoint:         aws.String(cfg.Endpoint),
		Credentials:      credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		S3ForcePathStyle: aws.Bool(cfg.ForcePathStyle),
	})
	if err != nil {
		return nil, fmt.Errorf("taskmesh: open object store session: %w", err)
	}
	return &ObjectStore{
		cfg:      cfg,
		uploader: s3manager.NewUploader(sess),
		client:   s3.New(sess),
	}, nil
}

// Compressed reports whether payloads are gzip-framed before upload.
func (o *ObjectStore) Compressed() bool { return o.cfg.Compress }

// Key builds the normative snapshot object key:
// {prefix}/snapshot_{YYYYMMDD_HHMMSS}_{uuid}.json[.gz]
func (o *ObjectStore) Key(at time.Time) string {
	ext := ".json"
	if o.cfg.Compress {
		ext = ".json.gz"
	}
	return fmt.Sprintf("%s/snapshot_%s_%s%s", o.cfg.KeyPrefix, at.UTC().Format("20060102_150405"), uuid.NewString(), ext)
}

// Put uploads payload (optionally gzip-compressed) under key, returning
// the number of bytes actually written to the object store and the
// compression ratio achieved (compressed/original size; 1.0 when
// Compress is off).
func (o *ObjectStore) Put(ctx context.Context, key string, payload []byte) (int64, float64, error) {
	body := payload
	ratio := 1.0
	if o.cfg.Compress {
		var buf bytes.Buffer
		gw := gzip.NewWriter(&buf)
		if _, err := gw.Write(payload); err != nil {
			return 0, 0, fmt.Errorf("taskmesh: gzip snapshot: %w", err)
		}
		if err := gw.Close(); err != nil {
			return 0, 0, fmt.Errorf("taskmesh: gzip snapshot: %w", err)
		}
		body = buf.Bytes()
		if len(payload) > 0 {
			ratio = float64(len(body)) / float64(len(payload))
		}
	}
	_, err := o.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(o.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType(o.cfg.Compress)),
	})
	if err != nil {
		return 0, 0, fmt.Errorf("taskmesh: upload snapshot %s: %w", key, err)
	}
	return int64(len(body)), ratio, nil
}

// Get downloads and (if the key ends .gz) decompresses the object at
// key.
func (o *ObjectStore) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := o.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(o.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("taskmesh: download snapshot %s: %w", key, err)
	}
	defer out.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(out.Body); err != nil {
		return nil, err
	}
	if len(key) > 3 && key[len(key)-3:] == ".gz" {
		gr, err := gzip.NewReader(bytes.NewReader(buf.Bytes()))
		if err != nil {
			return nil, fmt.Errorf("taskmesh: gunzip snapshot: %w", err)
		}
		defer gr.Close()
		var out bytes.Buffer
		if _, err := out.ReadFrom(gr); err != nil {
			return nil, err
		}
		return out.Bytes(), nil
	}
	return buf.Bytes(), nil
}

// Delete removes the object at key, used by the retention sweep once a
// snapshot falls outside max_snapshots.
func (o *ObjectStore) Delete(ctx context.Context, key string) error {
	_, err := o.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(o.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("taskmesh: delete snapshot %s: %w", key, err)
	}
	return nil
}

func contentType(compressed bool) string {
	if compressed {
		return "application/gzip"
	}
	return "application/json"
}
