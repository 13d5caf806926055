package dlq

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/hookrelay/hookrelay/internal/domain"
)

// s3API is the client surface the store uses; *s3.Client satisfies it.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// S3Store keeps dead-letter blobs in an S3 bucket under their dlq/ keys.
// S3 lists lexicographically, so pages are re-sorted by LastModified to
// keep the newest-first contract.
type S3Store struct {
	client s3API
	bucket string
}

func NewS3Store(client *s3.Client, bucket string) *S3Store {
	return &S3Store{client: client, bucket: bucket}
}

func (s *S3Store) Put(ctx context.Context, key string, item *domain.DeadLetterItem) error {
	body, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshaling dead letter: %w", err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("writing dead letter %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) Get(ctx context.Context, key string) (*domain.DeadLetterItem, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *s3types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("dead letter %s: %w", key, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("reading dead letter %s: %w", key, err)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading dead letter body %s: %w", key, err)
	}

	var item domain.DeadLetterItem
	if err := json.Unmarshal(body, &item); err != nil {
		return nil, fmt.Errorf("decoding dead letter %s: %w", key, err)
	}
	return &item, nil
}

func (s *S3Store) List(ctx context.Context, prefix string, limit int, cursor string) ([]Entry, string, error) {
	offset, err := decodeOffset(cursor)
	if err != nil {
		return nil, "", err
	}
	if prefix == "" {
		prefix = domain.DLQKeyPrefix
	}

	type obj struct {
		key      string
		modified time.Time
	}
	var objects []obj

	var continuation *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: continuation,
		})
		if err != nil {
			return nil, "", fmt.Errorf("listing dead letters: %w", err)
		}
		for _, o := range out.Contents {
			objects = append(objects, obj{key: aws.ToString(o.Key), modified: aws.ToTime(o.LastModified)})
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		continuation = out.NextContinuationToken
	}

	sort.Slice(objects, func(i, j int) bool {
		if objects[i].modified.Equal(objects[j].modified) {
			return objects[i].key > objects[j].key
		}
		return objects[i].modified.After(objects[j].modified)
	})

	entries := []Entry{}
	for i := offset; i < len(objects) && len(entries) < limit; i++ {
		item, err := s.Get(ctx, objects[i].key)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return nil, "", err
		}
		entries = append(entries, Entry{Key: objects[i].key, LastModified: objects[i].modified, Item: item})
	}

	next := ""
	if offset+len(entries) < len(objects) {
		next = encodeOffset(offset + len(entries))
	}
	return entries, next, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("deleting dead letter %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) DeleteBatch(ctx context.Context, keys []string) (int, error) {
	if len(keys) > MaxBulkDelete {
		return 0, ErrTooManyKeys
	}
	if len(keys) == 0 {
		return 0, nil
	}

	objects := make([]s3types.ObjectIdentifier, len(keys))
	for i, k := range keys {
		objects[i] = s3types.ObjectIdentifier{Key: aws.String(k)}
	}

	out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(s.bucket),
		Delete: &s3types.Delete{Objects: objects, Quiet: aws.Bool(true)},
	})
	if err != nil {
		return 0, fmt.Errorf("bulk deleting dead letters: %w", err)
	}
	if len(out.Errors) > 0 {
		first := out.Errors[0]
		return len(keys) - len(out.Errors), fmt.Errorf("bulk delete failed for %s: %s",
			aws.ToString(first.Key), aws.ToString(first.Message))
	}
	return len(keys), nil
}

func (s *S3Store) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return fmt.Errorf("checking dlq bucket: %w", err)
	}
	return nil
}
