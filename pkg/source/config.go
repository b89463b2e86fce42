package source

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/OFFIS-RIT/kiwi/ingest/internal/storage"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/common"

	"github.com/go-playground/validator"
	"gopkg.in/yaml.v3"
)

// Source kinds understood by Build.
const (
	KindWeb    = "web"
	KindS3     = "s3"
	KindFile   = "file"
	KindFeed   = "feed"
	KindStatic = "static"
)

// Config describes one source in the sources file.
//
//	sources:
//	  - name: permits
//	    kind: s3
//	    interval: 15m
//	    s3:
//	      bucket: filings
//	      prefix: permits/
type Config struct {
	Name     string        `yaml:"name" validate:"required"`
	Kind     string        `yaml:"kind" validate:"required,oneof=web s3 file feed static"`
	Interval time.Duration `yaml:"interval" validate:"gte=0"`
	Timeout  time.Duration `yaml:"timeout" validate:"gte=0"`

	Web    *WebConfig    `yaml:"web"`
	S3     *S3Config     `yaml:"s3"`
	File   *FileConfig   `yaml:"file"`
	Feed   *FeedConfig   `yaml:"feed"`
	Static *StaticConfig `yaml:"static"`
}

type WebConfig struct {
	URLs      []string `yaml:"urls" validate:"required,min=1,dive,url"`
	UserAgent string   `yaml:"userAgent"`
	MaxBytes  int64    `yaml:"maxBytes" validate:"gte=0"`
}

type S3Config struct {
	storage.S3Params `yaml:",inline"`
	Bucket           string `yaml:"bucket" validate:"required"`
	Prefix           string `yaml:"prefix"`
	Pattern          string `yaml:"pattern"`
}

type FileConfig struct {
	Dir      string   `yaml:"dir" validate:"required"`
	Patterns []string `yaml:"patterns"`
	MaxBytes int64    `yaml:"maxBytes" validate:"gte=0"`
}

type FeedConfig struct {
	URL      string            `yaml:"url" validate:"required,url"`
	Paths    FeedPaths         `yaml:"paths"`
	Headers  map[string]string `yaml:"headers"`
	MaxBytes int64             `yaml:"maxBytes" validate:"gte=0"`
}

type StaticConfig struct {
	Documents []StaticDocument `yaml:"documents"`
}

type StaticDocument struct {
	ID       string            `yaml:"id" validate:"required"`
	Content  string            `yaml:"content"`
	Metadata map[string]string `yaml:"metadata"`
}

type configFile struct {
	Sources []Config `yaml:"sources"`
}

// LoadConfig reads a YAML sources file.
func LoadConfig(path string) ([]Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sources file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes and validates a sources document.
func ParseConfig(data []byte) ([]Config, error) {
	var file configFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse sources file: %w", err)
	}

	v := validator.New()
	for i, cfg := range file.Sources {
		if err := v.Struct(cfg); err != nil {
			return nil, fmt.Errorf("source %d (%s): %w", i, cfg.Name, err)
		}
		if err := cfg.validateKind(v); err != nil {
			return nil, fmt.Errorf("source %s: %w", cfg.Name, err)
		}
	}
	return file.Sources, nil
}

// validateKind checks that the block matching Kind is present and valid.
func (c Config) validateKind(v *validator.Validate) error {
	var block any
	switch c.Kind {
	case KindWeb:
		if c.Web != nil {
			block = c.Web
		}
	case KindS3:
		if c.S3 != nil {
			block = c.S3
		}
	case KindFile:
		if c.File != nil {
			block = c.File
		}
	case KindFeed:
		if c.Feed != nil {
			block = c.Feed
		}
	case KindStatic:
		return nil
	}
	if block == nil {
		return fmt.Errorf("kind %s requires a %q block", c.Kind, c.Kind)
	}
	return v.Struct(block)
}

// BuildDeps carries shared clients for Build.
type BuildDeps struct {
	HTTPClient *http.Client
	// ObjectAPI overrides the S3 client built from each s3 block.
	ObjectAPI storage.ObjectAPI
	Now       func() time.Time
}

// Build constructs every configured source and registers it.
func Build(ctx context.Context, cfgs []Config, deps BuildDeps) (*Registry, error) {
	reg := NewRegistry()
	for _, cfg := range cfgs {
		s, err := build(ctx, cfg, deps)
		if err != nil {
			return nil, fmt.Errorf("failed to build source %s: %w", cfg.Name, err)
		}
		if err := reg.Register(s); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func build(ctx context.Context, cfg Config, deps BuildDeps) (Source, error) {
	switch cfg.Kind {
	case KindWeb:
		if cfg.Web == nil {
			return nil, fmt.Errorf("missing web block")
		}
		return NewWeb(NewWebParams{
			Name:      cfg.Name,
			URLs:      cfg.Web.URLs,
			Client:    deps.HTTPClient,
			UserAgent: cfg.Web.UserAgent,
			MaxBytes:  cfg.Web.MaxBytes,
			Now:       deps.Now,
		}), nil
	case KindS3:
		if cfg.S3 == nil {
			return nil, fmt.Errorf("missing s3 block")
		}
		api := deps.ObjectAPI
		if api == nil {
			client, err := storage.NewS3Client(ctx, cfg.S3.S3Params)
			if err != nil {
				return nil, err
			}
			api = client
		}
		return NewS3(NewS3Params{
			Name:    cfg.Name,
			Bucket:  storage.NewBucket(api, cfg.S3.Bucket),
			Prefix:  cfg.S3.Prefix,
			Pattern: cfg.S3.Pattern,
			Now:     deps.Now,
		})
	case KindFile:
		if cfg.File == nil {
			return nil, fmt.Errorf("missing file block")
		}
		return NewFile(NewFileParams{
			Name:     cfg.Name,
			Dir:      cfg.File.Dir,
			Patterns: cfg.File.Patterns,
			MaxBytes: cfg.File.MaxBytes,
			Now:      deps.Now,
		})
	case KindFeed:
		if cfg.Feed == nil {
			return nil, fmt.Errorf("missing feed block")
		}
		return NewFeed(NewFeedParams{
			Name:     cfg.Name,
			URL:      cfg.Feed.URL,
			Paths:    cfg.Feed.Paths,
			Headers:  cfg.Feed.Headers,
			Client:   deps.HTTPClient,
			MaxBytes: cfg.Feed.MaxBytes,
			Now:      deps.Now,
		})
	case KindStatic:
		var docs []common.Document
		if cfg.Static != nil {
			for _, d := range cfg.Static.Documents {
				docs = append(docs, common.Document{
					ID:             d.ID,
					Content:        d.Content,
					SourceMetadata: d.Metadata,
				})
			}
		}
		return NewStatic(cfg.Name, docs...), nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", cfg.Kind)
	}
}
