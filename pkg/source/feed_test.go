package source

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const patentFeed = `{
  "meta": {"total": 3},
  "results": [
    {"number": "EP123", "abstract": "A gripper for warehouse robots.", "published": "2024-02-01", "applicant": {"name": "Acme Robotics"}},
    {"number": "EP124", "abstract": "A charging dock.", "published": "2024-05-01", "applicant": {"name": "Beta GmbH"}},
    {"number": "", "abstract": "record without number"}
  ]
}`

func feedPaths() FeedPaths {
	return FeedPaths{
		Items:    "results",
		ID:       "number",
		Content:  "abstract",
		Date:     "published",
		Metadata: map[string]string{"applicant": "applicant.name"},
	}
}

func TestFeed_MapsRecords(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(patentFeed))
	}))
	defer srv.Close()

	feed, err := NewFeed(NewFeedParams{
		Name:    "patents",
		URL:     srv.URL,
		Paths:   feedPaths(),
		Headers: map[string]string{"X-Api-Key": "secret"},
	})
	require.NoError(t, err)

	docs, err := collect(t, feed, FetchRequest{})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "EP123", docs[0].ID)
	assert.Equal(t, "patents", docs[0].Source)
	assert.Equal(t, "A gripper for warehouse robots.", docs[0].Content)
	assert.Equal(t, "Acme Robotics", docs[0].SourceMetadata["applicant"])
	assert.Equal(t, "2024-02-01T00:00:00Z", docs[0].SourceMetadata["date"])

	docs, err = collect(t, feed, FetchRequest{Since: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "EP124", docs[0].ID)
}

func TestFeed_Errors(t *testing.T) {
	status := http.StatusOK
	body := `{"results": {"not": "an array"}}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	defer srv.Close()

	feed, err := NewFeed(NewFeedParams{Name: "patents", URL: srv.URL, Paths: feedPaths()})
	require.NoError(t, err)

	_, err = collect(t, feed, FetchRequest{})
	assert.Error(t, err, "items path must be an array")

	body = `{"results": [`
	_, err = collect(t, feed, FetchRequest{})
	assert.Error(t, err, "invalid json")

	status = http.StatusBadGateway
	docs, err := collect(t, feed, FetchRequest{})
	assert.NoError(t, err, "5xx ends the poll without an error")
	assert.Empty(t, docs)

	_, err = NewFeed(NewFeedParams{Name: "patents", URL: srv.URL})
	assert.Error(t, err)
}

func TestParseFeedDate(t *testing.T) {
	for _, raw := range []string{"2024-02-01", "20240201", "2024-02-01T00:00:00Z", "2024-02-01T00:00:00"} {
		got, ok := parseFeedDate(raw)
		require.True(t, ok, raw)
		assert.Equal(t, 2024, got.Year())
		assert.Equal(t, time.February, got.Month())
	}
	_, ok := parseFeedDate("soon")
	assert.False(t, ok)
}
