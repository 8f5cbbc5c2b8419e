package songstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/jamlink-dev/jamlink/pkg/song"
)

// S3Store persists song sheets as JSON objects in an S3 bucket, one
// object per song under prefix + id + ".json".
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
	logger *slog.Logger
}

// NewS3Store creates an S3-backed Store.
//
// Example:
//
//	cfg, _ := config.LoadDefaultConfig(ctx)
//	store := songstore.NewS3Store(s3.NewFromConfig(cfg), "jamlink-songs", "songs/", logger)
func NewS3Store(client *s3.Client, bucket, prefix string, logger *slog.Logger) *S3Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &S3Store{
		client: client,
		bucket: bucket,
		prefix: prefix,
		logger: logger.With("component", "songstore", "bucket", bucket),
	}
}

func (s *S3Store) key(id string) string {
	return s.prefix + id + ".json"
}

// Get implements Store.
func (s *S3Store) Get(ctx context.Context, id string) (song.Song, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return song.Song{}, ErrNotFound
		}
		return song.Song{}, fmt.Errorf("songstore: get %q: %w", id, err)
	}
	defer out.Body.Close()

	var sheet song.Song
	if err := json.NewDecoder(out.Body).Decode(&sheet); err != nil {
		return song.Song{}, fmt.Errorf("songstore: decode %q: %w", id, err)
	}
	return sheet, nil
}

// Put implements Store.
func (s *S3Store) Put(ctx context.Context, sheet song.Song) error {
	body, err := json.Marshal(sheet)
	if err != nil {
		return fmt.Errorf("songstore: encode %q: %w", sheet.ID, err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(sheet.ID)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("songstore: put %q: %w", sheet.ID, err)
	}

	s.logger.Debug("song sheet stored", "song_id", sheet.ID, "bytes", len(body))
	return nil
}

// List implements Store. Only keys are listed; references carry the ID
// alone, and clients fetch full sheets individually.
func (s *S3Store) List(ctx context.Context) ([]song.Song, error) {
	var refs []song.Song

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("songstore: list: %w", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			id := strings.TrimSuffix(strings.TrimPrefix(key, s.prefix), ".json")
			if id == "" {
				continue
			}
			refs = append(refs, song.Song{ID: id})
		}
	}

	sort.Slice(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })
	return refs, nil
}
