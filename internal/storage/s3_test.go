package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBucket_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	b := NewBucket(NewMemoryAPI(), "permits")

	require.NoError(t, b.Put(ctx, "filings/a.json", []byte(`{"id":"a"}`)))
	got, err := b.Get(ctx, "filings/a.json")
	require.NoError(t, err)
	assert.Equal(t, `{"id":"a"}`, string(got))

	require.NoError(t, b.Delete(ctx, "filings/a.json"))
	_, err = b.Get(ctx, "filings/a.json")
	assert.Error(t, err)
}

func TestBucket_ListFollowsContinuation(t *testing.T) {
	ctx := context.Background()
	api := NewMemoryAPI()
	api.PageSize = 2
	modified := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := range 5 {
		api.SetObject(fmt.Sprintf("filings/%d.txt", i), []byte("x"), modified)
	}
	api.SetObject("other/skip.txt", []byte("x"), modified)

	objects, err := NewBucket(api, "permits").List(ctx, "filings/")
	require.NoError(t, err)
	require.Len(t, objects, 5)
	assert.Equal(t, "filings/0.txt", objects[0].Key)
	assert.Equal(t, int64(1), objects[0].Size)
	assert.Equal(t, modified, objects[4].LastModified)
}
