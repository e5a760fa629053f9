package queryserver

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/pwnguard/pwnguard/internal/hibp"
)

type fakeFilter struct {
	present map[hibp.Hash]bool
}

func (f *fakeFilter) Contains(h hibp.Hash) bool { return f.present[h] }

func post(t *testing.T, handler fasthttp.RequestHandler, body []byte) *fasthttp.RequestCtx {
	t.Helper()
	var ctx fasthttp.RequestCtx
	var req fasthttp.Request
	req.Header.SetMethod("POST")
	req.SetBody(body)
	ctx.Init(&req, nil, nil)
	handler(&ctx)
	return &ctx
}

func TestRejectsNonPost(t *testing.T) {
	srv := New(&fakeFilter{})
	var ctx fasthttp.RequestCtx
	var req fasthttp.Request
	req.Header.SetMethod("GET")
	ctx.Init(&req, nil, nil)
	srv.Handler()(&ctx)
	require.Equal(t, http.StatusMethodNotAllowed, ctx.Response.StatusCode())
}

func TestRejectsWrongBodyLength(t *testing.T) {
	srv := New(&fakeFilter{})
	ctx := post(t, srv.Handler(), []byte("too short"))
	require.Equal(t, http.StatusBadRequest, ctx.Response.StatusCode())
}

func TestReturns204WhenAbsent(t *testing.T) {
	srv := New(&fakeFilter{present: map[hibp.Hash]bool{}})
	var body [hibp.HashSize]byte
	ctx := post(t, srv.Handler(), body[:])
	require.Equal(t, http.StatusNoContent, ctx.Response.StatusCode())
}

func TestReturns205WhenPresent(t *testing.T) {
	var h hibp.Hash
	h[0] = 0xAA
	srv := New(&fakeFilter{present: map[hibp.Hash]bool{h: true}})
	ctx := post(t, srv.Handler(), h[:])
	require.Equal(t, http.StatusResetContent, ctx.Response.StatusCode())
}
