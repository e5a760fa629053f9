package shardfetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pwnguard/pwnguard/internal/hibp"
)

func TestParseShardBodySkipsMalformedLines(t *testing.T) {
	id := hibp.ShardID(0x21BD1)
	body := []byte(
		"0018A45C4D1DEF81644B54AB7F969B88D65:1\r\n" +
			"malformed-line\r\n" +
			"00D4F6E8FA6EECAD2A3AA415EEC418D38EC:2\r\n" +
			"TOOSHORT:3\r\n" +
			"\r\n",
	)
	entries := ParseShardBody(id, body)
	require.Len(t, entries, 2)
}

func TestFetchReturnsEntriesOn200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"abc123"`)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("0018A45C4D1DEF81644B54AB7F969B88D65:1\r\n"))
	}))
	defer srv.Close()

	f := New(WithBaseURL(srv.URL + "/"))
	out, err := f.Fetch(context.Background(), hibp.ShardID(0x21BD1), "")
	require.NoError(t, err)
	require.Equal(t, Modified, out.Status)
	require.Len(t, out.Entries, 1)
	require.Equal(t, `"abc123"`, out.ETag)
}

func TestFetchReturnsUnchangedOn304(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, `"prior"`, r.Header.Get("If-None-Match"))
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	f := New(WithBaseURL(srv.URL + "/"))
	out, err := f.Fetch(context.Background(), hibp.ShardID(1), `"prior"`)
	require.NoError(t, err)
	require.Equal(t, Unchanged, out.Status)
	require.Equal(t, `"prior"`, out.ETag)
}

func TestFetchDoesNotRetryOn404(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := New(WithBaseURL(srv.URL+"/"), WithMaxRetries(3))
	_, err := f.Fetch(context.Background(), hibp.ShardID(2), "")
	require.Error(t, err)
	require.EqualValues(t, 1, atomic.LoadInt32(&hits))
}

func TestFetchRetriesOn500ThenSucceeds(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&hits, 1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("00D4F6E8FA6EECAD2A3AA415EEC418D38EC:9\r\n"))
	}))
	defer srv.Close()

	f := New(WithBaseURL(srv.URL+"/"), WithMaxRetries(5))
	out, err := f.Fetch(context.Background(), hibp.ShardID(3), "")
	require.NoError(t, err)
	require.Len(t, out.Entries, 1)
	require.EqualValues(t, 3, atomic.LoadInt32(&hits))
}
