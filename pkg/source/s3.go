package source

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/OFFIS-RIT/kiwi/ingest/internal/storage"
	"github.com/OFFIS-RIT/kiwi/ingest/internal/util"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/common"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/logger"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/bmatcuk/doublestar/v4"
)

// S3 reads documents stored as objects under a bucket prefix, such as
// permit filings dropped by an upstream exporter.
type S3 struct {
	name    string
	bucket  *storage.Bucket
	prefix  string
	pattern string
	now     func() time.Time
}

// NewS3Params configures an S3 source. Pattern is an optional doublestar
// glob matched against the key relative to Prefix.
type NewS3Params struct {
	Name    string
	Bucket  *storage.Bucket
	Prefix  string
	Pattern string
	Now     func() time.Time
}

func NewS3(params NewS3Params) (*S3, error) {
	if params.Bucket == nil {
		return nil, errors.New("s3 source requires a bucket")
	}
	if params.Pattern != "" && !doublestar.ValidatePattern(params.Pattern) {
		return nil, fmt.Errorf("invalid pattern %q", params.Pattern)
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &S3{
		name:    params.Name,
		bucket:  params.Bucket,
		prefix:  params.Prefix,
		pattern: params.Pattern,
		now:     now,
	}, nil
}

func (s *S3) Name() string {
	return s.name
}

func (s *S3) matches(key string) bool {
	if strings.HasSuffix(key, "/") {
		return false
	}
	if s.pattern == "" {
		return true
	}
	ok, _ := doublestar.Match(s.pattern, strings.TrimPrefix(strings.TrimPrefix(key, s.prefix), "/"))
	return ok
}

func (s *S3) Fetch(ctx context.Context, req FetchRequest) iter.Seq2[common.Document, error] {
	return func(yield func(common.Document, error) bool) {
		objects, err := s.bucket.List(ctx, s.prefix)
		if err != nil {
			var noBucket *types.NoSuchBucket
			if errors.As(err, &noBucket) {
				yield(common.Document{}, err)
				return
			}
			logger.Warn("[Source] Listing objects failed, ending poll", "source", s.name, "bucket", s.bucket.Name(), "err", err)
			return
		}
		sort.Slice(objects, func(i, j int) bool {
			return objects[i].LastModified.Before(objects[j].LastModified)
		})

		for _, obj := range objects {
			if ctx.Err() != nil {
				return
			}
			if !s.matches(obj.Key) {
				continue
			}
			if !req.Since.IsZero() && !obj.LastModified.After(req.Since) {
				continue
			}

			data, err := s.bucket.Get(ctx, obj.Key)
			if err != nil {
				var noKey *types.NoSuchKey
				if errors.As(err, &noKey) {
					continue
				}
				logger.Warn("[Source] Reading object failed, ending poll", "source", s.name, "key", obj.Key, "err", err)
				return
			}

			doc := common.Document{
				ID:        obj.Key,
				Source:    s.name,
				Content:   util.SanitizeText(string(data)),
				FetchedAt: s.now().UTC(),
				SourceMetadata: map[string]string{
					"bucket":        s.bucket.Name(),
					"key":           obj.Key,
					"file_name":     path.Base(obj.Key),
					"last_modified": obj.LastModified.UTC().Format(time.RFC3339),
				},
			}
			if !yield(doc, nil) {
				return
			}
		}
	}
}
