package source

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OFFIS-RIT/kiwi/ingest/internal/storage"
)

const sourcesYAML = `
sources:
  - name: news
    kind: web
    interval: 10m
    web:
      urls:
        - https://example.org/acme
  - name: permits
    kind: s3
    timeout: 2m
    s3:
      region: eu-central-1
      bucket: filings
      prefix: permits/
  - name: patents
    kind: feed
    feed:
      url: https://patents.example.org/search
      paths:
        items: results
        id: number
        content: abstract
  - name: drop
    kind: file
    file:
      dir: /var/lib/ingest/drop
      patterns: ["**/*.txt"]
  - name: replay
    kind: static
    static:
      documents:
        - id: one
          content: Acme Robotics opened an office in Bremen.
`

func TestParseConfig(t *testing.T) {
	cfgs, err := ParseConfig([]byte(sourcesYAML))
	require.NoError(t, err)
	require.Len(t, cfgs, 5)

	assert.Equal(t, KindWeb, cfgs[0].Kind)
	assert.Equal(t, 10*time.Minute, cfgs[0].Interval)
	assert.Equal(t, 2*time.Minute, cfgs[1].Timeout)
	assert.Equal(t, "eu-central-1", cfgs[1].S3.Region)
	assert.Equal(t, "filings", cfgs[1].S3.Bucket)
	assert.Equal(t, "number", cfgs[2].Feed.Paths.ID)
}

func TestParseConfig_Rejects(t *testing.T) {
	cases := map[string]string{
		"unknown kind":  "sources:\n  - name: x\n    kind: ftp\n",
		"missing name":  "sources:\n  - kind: static\n",
		"missing block": "sources:\n  - name: x\n    kind: web\n",
		"bad url":       "sources:\n  - name: x\n    kind: web\n    web:\n      urls: [\"not a url\"]\n",
		"not yaml":      "sources: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseConfig([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestBuild(t *testing.T) {
	cfgs, err := ParseConfig([]byte(sourcesYAML))
	require.NoError(t, err)

	reg, err := Build(context.Background(), cfgs, BuildDeps{ObjectAPI: storage.NewMemoryAPI()})
	require.NoError(t, err)
	assert.Equal(t, []string{"drop", "news", "patents", "permits", "replay"}, reg.Names())

	replay, err := reg.Get("replay")
	require.NoError(t, err)
	docs, err := collect(t, replay, FetchRequest{})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "replay", docs[0].Source)

	_, err = Build(context.Background(), append(cfgs, cfgs[0]), BuildDeps{ObjectAPI: storage.NewMemoryAPI()})
	assert.ErrorIs(t, err, ErrDuplicateSource)
}
