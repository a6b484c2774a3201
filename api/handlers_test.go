package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"terastream/downloader"
	"terastream/internal"
	"terastream/utils"
)

const testContent = "0123456789"

// testStack is a server wired to stub helper API and file host servers
type testStack struct {
	server *Server
	cache  *downloader.ResolutionCache

	infoCalls atomic.Int32
	fileCalls atomic.Int32
	rejectN   int32 // file host answers 403 to this many requests first
	infoFail  bool

	fileURL string
}

func newTestStack(t *testing.T, policy *downloader.DownloadPolicy) *testStack {
	t.Helper()
	st := &testStack{}

	fileHost := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if st.fileCalls.Add(1) <= st.rejectN {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "video/mp4")
		http.ServeContent(w, r, "", time.Time{}, bytes.NewReader([]byte(testContent)))
	}))
	t.Cleanup(fileHost.Close)
	st.fileURL = fileHost.URL + "/file/clip.mp4?sign=secret"

	helper := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/get-info":
			st.infoCalls.Add(1)
			if st.infoFail {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			fmt.Fprintf(w, `{"ok":true,"shareid":1,"uk":2,"sign":"s","timestamp":3,"list":[{"fs_id":4,"filename":"clip one.mp4","size":%d,"md5":"abc123"}]}`, len(testContent))
		case "/api/get-download":
			fmt.Fprintf(w, `{"ok":true,"downloadLink":%q}`, st.fileURL)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(helper.Close)

	httpClient := utils.NewHTTPClient()
	st.cache = downloader.NewResolutionCache(time.Minute, 0, 0)
	resolver := downloader.NewResolver(httpClient, st.cache, downloader.ResolverConfig{
		BaseURL: helper.URL,
		Timeout: 2 * time.Second,
	})

	st.server = NewServerWithOptions("127.0.0.1:0", Options{
		Resolver:   resolver,
		Opener:     downloader.NewProxy(httpClient),
		Cache:      st.cache,
		Policy:     policy,
		Copy:       downloader.CopyOptions{IdleTimeout: 5 * time.Second},
		CORSMaxAge: time.Hour,
	})
	return st
}

func (st *testStack) do(method, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for name, values := range header {
		req.Header[name] = values
	}
	rec := httptest.NewRecorder()
	st.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, sonic.Unmarshal(rec.Body.Bytes(), &body), "body: %s", rec.Body.String())
	return body
}

func TestResolve_InvalidID(t *testing.T) {
	st := newTestStack(t, nil)

	for _, target := range []string{"/resolve?id=ab", "/resolve", "/resolve?id=abc%2Fdef"} {
		rec := st.do(http.MethodGet, target, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
		assert.Equal(t, "Invalid ID", decodeBody(t, rec)["error"], target)
	}

	assert.Zero(t, st.infoCalls.Load(), "invalid ids must not reach the upstream")
}

func TestResolve_InvalidFormat(t *testing.T) {
	st := newTestStack(t, nil)

	rec := st.do(http.MethodGet, "/resolve?id=abcdef&format=xml", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid format", decodeBody(t, rec)["error"])
	assert.Zero(t, st.infoCalls.Load())
}

func TestResolve_JSON(t *testing.T) {
	st := newTestStack(t, nil)

	rec := st.do(http.MethodGet, "/resolve?id=abcdef&format=json", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decodeBody(t, rec)
	assert.Equal(t, st.fileURL, body["downloadUrl"])
	assert.Equal(t, "clip one.mp4", body["fileName"])
	assert.EqualValues(t, len(testContent), body["fileSize"])

	// second call is served from cache
	st.do(http.MethodGet, "/resolve?id=abcdef&format=json", nil)
	assert.EqualValues(t, 1, st.infoCalls.Load())
}

func TestResolve_Stream(t *testing.T) {
	st := newTestStack(t, nil)

	rec := st.do(http.MethodGet, "/resolve?id=abcdef", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, testContent, rec.Body.String())
	assert.Equal(t, "10", rec.Header().Get("Content-Length"))
	assert.Equal(t, "video/mp4", rec.Header().Get("Content-Type"))
	assert.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))
	assert.Equal(t, "public, max-age=3600", rec.Header().Get("Cache-Control"))
	assert.Equal(t, `attachment; filename="clip one.mp4"; filename*=UTF-8''clip%20one.mp4`, rec.Header().Get("Content-Disposition"))
	assert.Equal(t, "clip%20one.mp4", rec.Header().Get("X-File-Name"))
	assert.Equal(t, "10", rec.Header().Get("X-File-Size"))
	assert.Equal(t, "abc123", rec.Header().Get("X-File-Md5"))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
}

func TestResolve_StreamRange(t *testing.T) {
	st := newTestStack(t, nil)

	header := http.Header{}
	header.Set("Range", "bytes=2-5")
	rec := st.do(http.MethodGet, "/resolve?id=abcdef&format=stream", header)

	require.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "bytes 2-5/10", rec.Header().Get("Content-Range"))
	assert.Equal(t, "4", rec.Header().Get("Content-Length"))
	assert.Equal(t, "2345", rec.Body.String())
}

func TestResolve_StreamReresolvesRejectedLink(t *testing.T) {
	st := newTestStack(t, nil)
	st.rejectN = 1

	rec := st.do(http.MethodGet, "/resolve?id=abcdef", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, testContent, rec.Body.String())
	assert.EqualValues(t, 2, st.infoCalls.Load(), "expected one refresh after the 403")
	assert.EqualValues(t, 2, st.fileCalls.Load())
}

func TestResolve_StreamRetriesOnlyOnce(t *testing.T) {
	st := newTestStack(t, nil)
	st.rejectN = 100

	rec := st.do(http.MethodGet, "/resolve?id=abcdef", nil)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotEmpty(t, decodeBody(t, rec)["error"])
	assert.EqualValues(t, 2, st.fileCalls.Load())
}

func TestResolve_StreamUnsatisfiableRangeKeepsCache(t *testing.T) {
	st := newTestStack(t, nil)

	rec := st.do(http.MethodGet, "/resolve?id=abcdef&format=json", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	header := http.Header{}
	header.Set("Range", "bytes=50-60")
	rec = st.do(http.MethodGet, "/resolve?id=abcdef&format=stream", header)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.EqualValues(t, 1, st.infoCalls.Load(), "a 416 must not trigger a refresh")
	assert.EqualValues(t, 1, st.fileCalls.Load())
}

func TestLinkRejected(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{internal.NewHTTPStatusError("stream", http.StatusUnauthorized), true},
		{internal.NewHTTPStatusError("stream", http.StatusForbidden), true},
		{internal.NewHTTPStatusError("stream", http.StatusNotFound), true},
		{internal.NewHTTPStatusError("stream", http.StatusGone), true},
		{internal.NewHTTPStatusError("stream", http.StatusRequestedRangeNotSatisfiable), false},
		{internal.NewHTTPStatusError("stream", http.StatusPreconditionFailed), false},
		{internal.NewHTTPStatusError("stream", http.StatusBadGateway), false},
		{internal.NewTimeoutError("stream", nil), false},
		{fmt.Errorf("plain"), false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, linkRejected(tt.err), "%v", tt.err)
	}
}

// bareResolver returns a link without metadata
type bareResolver struct{}

func (bareResolver) Resolve(ctx context.Context, id string) (string, *internal.FileMetadata, error) {
	return "https://d.example.com/file", nil, nil
}

func (bareResolver) Refresh(ctx context.Context, id string) (string, *internal.FileMetadata, error) {
	return "https://d.example.com/file", nil, nil
}

func TestResolve_MissingMetadata(t *testing.T) {
	server := NewServerWithOptions("127.0.0.1:0", Options{Resolver: bareResolver{}})

	req := httptest.NewRequest(http.MethodGet, "/resolve?id=abcdef&format=json", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "resolution returned no file metadata", decodeBody(t, rec)["error"])

	req = httptest.NewRequest(http.MethodHead, "/resolve?id=abcdef", nil)
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestResolve_Redirect(t *testing.T) {
	tests := []struct {
		name   string
		policy *downloader.DownloadPolicy
		target string
		want   int
	}{
		{"explicit_format", nil, "/resolve?id=abcdef&format=redirect", http.StatusTemporaryRedirect},
		{"redirect_policy", &downloader.DownloadPolicy{Kind: internal.PolicyRedirect}, "/resolve?id=abcdef", http.StatusTemporaryRedirect},
		{"auto_over_threshold", &downloader.DownloadPolicy{Kind: internal.PolicyAuto, Threshold: 5}, "/resolve?id=abcdef", http.StatusTemporaryRedirect},
		{"auto_under_threshold", &downloader.DownloadPolicy{Kind: internal.PolicyAuto, Threshold: 100}, "/resolve?id=abcdef", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newTestStack(t, tt.policy)

			rec := st.do(http.MethodGet, tt.target, nil)
			require.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusTemporaryRedirect {
				assert.Equal(t, st.fileURL, rec.Header().Get("Location"))
				assert.Zero(t, st.fileCalls.Load(), "redirects must not touch the file host")
			}
		})
	}
}

func TestResolve_UpstreamFailure(t *testing.T) {
	st := newTestStack(t, nil)
	st.infoFail = true

	rec := st.do(http.MethodGet, "/resolve?id=abcdef&format=json", nil)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["error"], "500")
	assert.Zero(t, st.cache.Len())
}

func TestResolve_Head(t *testing.T) {
	st := newTestStack(t, nil)

	rec := st.do(http.MethodHead, "/resolve?id=abcdef", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "10", rec.Header().Get("X-File-Size"))
	assert.Equal(t, "10", rec.Header().Get("Content-Length"))
	assert.Equal(t, "clip%20one.mp4", rec.Header().Get("X-File-Name"))
	assert.Zero(t, rec.Body.Len())
	assert.Zero(t, st.fileCalls.Load(), "HEAD is answered from metadata")

	rec = st.do(http.MethodHead, "/resolve?id=ab", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResolve_Options(t *testing.T) {
	st := newTestStack(t, nil)

	rec := st.do(http.MethodOptions, "/resolve", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "Range")

	header := http.Header{}
	header.Set("Origin", "https://player.example.org")
	header.Set("Access-Control-Request-Method", http.MethodGet)
	header.Set("Access-Control-Request-Headers", "range")
	rec = st.do(http.MethodOptions, "/resolve", header)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Zero(t, st.infoCalls.Load())
}

func TestExtract(t *testing.T) {
	st := newTestStack(t, nil)

	tests := []struct {
		target string
		code   int
		field  string
		want   string
	}{
		{"/extract?url=https%3A%2F%2Fwww.terabox.com%2Fs%2F1AbCdEf123", http.StatusOK, "id", "AbCdEf123"},
		{"/extract?url=https%3A%2F%2Fterabox.com%2Fsharing%2Flink%3Fsurl%3Dxyz789abc", http.StatusOK, "id", "xyz789abc"},
		{"/extract?url=abcdef", http.StatusOK, "id", "abcdef"},
		{"/extract?url=not%20a%20url", http.StatusBadRequest, "error", "Invalid URL"},
		{"/extract", http.StatusBadRequest, "error", "URL cannot be empty"},
	}

	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			rec := st.do(http.MethodGet, tt.target, nil)
			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, tt.want, decodeBody(t, rec)[tt.field])
		})
	}
}

func TestExtract_Host(t *testing.T) {
	st := newTestStack(t, nil)

	tests := []struct {
		name      string
		target    string
		wantHost  interface{}
		wantKnown interface{}
	}{
		{"known_mirror", "/extract?url=https%3A%2F%2Fwww.1024terabox.com%2Fs%2F1AbCdEf123", "www.1024terabox.com", true},
		{"unknown_host", "/extract?url=https%3A%2F%2Fmirror.example%2Fs%2F1AbCdEf123", "mirror.example", false},
		{"bare_id", "/extract?url=AbCdEf123", nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := st.do(http.MethodGet, tt.target, nil)
			require.Equal(t, http.StatusOK, rec.Code)

			body := decodeBody(t, rec)
			assert.Equal(t, "AbCdEf123", body["id"])
			assert.Equal(t, "https://www.terabox.com/s/1AbCdEf123", body["shareUrl"])
			assert.Equal(t, tt.wantHost, body["host"])
			assert.Equal(t, tt.wantKnown, body["knownHost"])
		})
	}
}

func TestHealth(t *testing.T) {
	st := newTestStack(t, nil)
	st.do(http.MethodGet, "/resolve?id=abcdef&format=json", nil)

	rec := st.do(http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 1, body["cacheEntries"])
}

func TestRequestID(t *testing.T) {
	st := newTestStack(t, nil)

	header := http.Header{}
	header.Set(RequestIDHeader, "9b2c6c8e-4a4f-4f8e-9a53-0d1f6f2f2d11")
	rec := st.do(http.MethodGet, "/healthz", header)
	assert.Equal(t, "9b2c6c8e-4a4f-4f8e-9a53-0d1f6f2f2d11", rec.Header().Get(RequestIDHeader))

	header.Set(RequestIDHeader, "not-a-uuid\nInjected: 1")
	rec = st.do(http.MethodGet, "/healthz", header)
	assert.NotEqual(t, "not-a-uuid\nInjected: 1", rec.Header().Get(RequestIDHeader))
	assert.Len(t, rec.Header().Get(RequestIDHeader), 36)
}

func TestNotFound(t *testing.T) {
	st := newTestStack(t, nil)

	rec := st.do(http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), "Not found")
}
