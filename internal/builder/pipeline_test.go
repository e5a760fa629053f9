package builder

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pwnguard/pwnguard/internal/hibp"
	"github.com/pwnguard/pwnguard/internal/rsqf"
)

// rangeServer serves a tiny fake HIBP range API over a handful of
// shard IDs, so a build run can be exercised end-to-end without
// network access.
func rangeServer(t *testing.T, bodies map[hibp.ShardID]string) *httptest.Server {
	t.Helper()
	etags := make(map[hibp.ShardID]string)
	for id := range bodies {
		etags[id] = fmt.Sprintf("%q", "etag-"+id.Prefix())
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		prefix := r.URL.Path[len("/"):]
		id, err := hibp.ParseShardID(prefix)
		require.NoError(t, err)
		body, ok := bodies[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		etag := etags[id]
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(body))
	}))
}

func TestRunFetchesAllShardsOnFirstPass(t *testing.T) {
	bodies := map[hibp.ShardID]string{
		1: "0018A45C4D1DEF81644B54AB7F969B88D65:3\r\n",
		2: "00D4F6E8FA6EECAD2A3AA415EEC418D38EC:1\r\n",
		3: "00000000000000000000000000000000000:1\r\n",
	}
	srv := rangeServer(t, bodies)
	defer srv.Close()

	dir := t.TempDir()
	summary, err := Run(context.Background(), Options{
		BasePath: dir,
		Start:    1,
		End:      3,
		BaseURL:  srv.URL + "/",
		MaxCount: 1000,
	})
	require.NoError(t, err)
	require.Equal(t, 3, summary.Fetched)
	require.Equal(t, 0, summary.Unchanged)
	require.Empty(t, summary.Failed)
	require.EqualValues(t, 3, summary.FilterEntries)

	filt, err := rsqf.Open(filepath.Join(dir, "filter.rsqf"))
	require.NoError(t, err)
	h, err := hibp.ShardID(1).ReconstructHash("0018A45C4D1DEF81644B54AB7F969B88D65")
	require.NoError(t, err)
	require.True(t, filt.Contains(h))
}

func TestRunSecondPassReportsUnchangedAndSkipsFresh(t *testing.T) {
	bodies := map[hibp.ShardID]string{
		1: "0018A45C4D1DEF81644B54AB7F969B88D65:3\r\n",
		2: "00D4F6E8FA6EECAD2A3AA415EEC418D38EC:1\r\n",
	}
	srv := rangeServer(t, bodies)
	defer srv.Close()

	dir := t.TempDir()
	opts := Options{BasePath: dir, Start: 1, End: 2, BaseURL: srv.URL + "/", MaxCount: 1000}

	_, err := Run(context.Background(), opts)
	require.NoError(t, err)

	// Re-run immediately with no max age: nothing is "fresh" (max age 0
	// means always refetch), but the server now returns 304 for both.
	summary, err := Run(context.Background(), opts)
	require.NoError(t, err)
	require.Equal(t, 0, summary.Fetched)
	require.Equal(t, 2, summary.Unchanged)

	// Third run with a generous max age: everything is skipped without
	// hitting the network at all.
	opts.MaxAge = time.Hour
	summary, err = Run(context.Background(), opts)
	require.NoError(t, err)
	require.Equal(t, 2, summary.SkippedFresh)
	require.Equal(t, 0, summary.Fetched)
	require.Equal(t, 0, summary.Unchanged)
}

func TestRunReportsPerShardFailuresWithoutAborting(t *testing.T) {
	bodies := map[hibp.ShardID]string{
		1: "0018A45C4D1DEF81644B54AB7F969B88D65:3\r\n",
	}
	srv := rangeServer(t, bodies)
	defer srv.Close()

	dir := t.TempDir()
	summary, err := Run(context.Background(), Options{
		BasePath:   dir,
		Start:      1,
		End:        2, // shard 2 doesn't exist on the fake server -> 404
		BaseURL:    srv.URL + "/",
		MaxCount:   1000,
		MaxRetries: 1,
	})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Fetched)
	require.Len(t, summary.Failed, 1)
	_, failed := summary.Failed[2]
	require.True(t, failed)
}

func TestRunAbortsOnCapacityExceeded(t *testing.T) {
	bodies := map[hibp.ShardID]string{
		1: "0018A45C4D1DEF81644B54AB7F969B88D65:1\r\n00D4F6E8FA6EECAD2A3AA415EEC418D38EC:1\r\n",
	}
	srv := rangeServer(t, bodies)
	defer srv.Close()

	dir := t.TempDir()
	summary, err := Run(context.Background(), Options{
		BasePath: dir,
		Start:    1,
		End:      1,
		BaseURL:  srv.URL + "/",
		MaxCount: 1, // smaller than the 2 distinct hashes in shard 1
	})
	require.Error(t, err)
	require.True(t, summary.Aborted)
}

func TestDryRunPerformsNoNetworkIO(t *testing.T) {
	dir := t.TempDir()
	summary, err := Run(context.Background(), Options{
		BasePath: dir,
		Start:    1,
		End:      5,
		BaseURL:  "http://127.0.0.1:0/unreachable/",
		MaxCount: 1000,
		DryRun:   true,
	})
	require.NoError(t, err)
	require.Equal(t, 5, summary.Fetched) // "would fetch" count
	require.Equal(t, 0, summary.Unchanged)
}
