package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"terastream/internal"
	"terastream/utils"
)

// headerRule maps an inbound client header to the header sent to the file host
type headerRule struct {
	Inbound  string
	Outbound string
}

// forwardedHeaders is the complete set of client headers passed upstream.
// Everything else the client sent is dropped.
var forwardedHeaders = []headerRule{
	{"Range", "Range"},
	{"If-Range", "If-Range"},
	{"If-Match", "If-Match"},
	{"If-None-Match", "If-None-Match"},
	{"If-Modified-Since", "If-Modified-Since"},
	{"If-Unmodified-Since", "If-Unmodified-Since"},
	{"Sec-CH-UA", "Sec-CH-UA"},
	{"Sec-CH-UA-Mobile", "Sec-CH-UA-Mobile"},
	{"Sec-CH-UA-Platform", "Sec-CH-UA-Platform"},
}

// passthroughHeaders are copied from the file host response when present.
// Validators (ETag, Last-Modified) are withheld so clients never send
// conditional requests that end in a 304.
var passthroughHeaders = []string{
	"Content-Length",
	"Content-Range",
}

// ExposedHeaders lists the response headers a browser page may read cross-origin
var ExposedHeaders = []string{
	"Content-Length",
	"Content-Range",
	"Content-Disposition",
	"Accept-Ranges",
	"X-File-Name",
	"X-File-Size",
	"X-File-Md5",
}

// Proxy opens byte streams from the file host on behalf of a client
type Proxy struct {
	httpClient *utils.HTTPClient
}

var _ internal.StreamOpener = (*Proxy)(nil)

// NewProxy creates a streaming proxy
func NewProxy(httpClient *utils.HTTPClient) *Proxy {
	return &Proxy{httpClient: httpClient}
}

// ForwardedHeaderNames lists the client headers that reach the file host
func ForwardedHeaderNames() []string {
	names := make([]string, 0, len(forwardedHeaders))
	for _, rule := range forwardedHeaders {
		names = append(names, rule.Inbound)
	}
	return names
}

// ForwardHeaders returns the allow-listed subset of client headers
func ForwardHeaders(client http.Header) http.Header {
	out := make(http.Header)
	for _, rule := range forwardedHeaders {
		if v := client.Values(rule.Inbound); len(v) > 0 {
			out[http.CanonicalHeaderKey(rule.Outbound)] = append([]string(nil), v...)
		}
	}
	// byte ranges and lengths must reach the client untouched
	out.Set("Accept-Encoding", "identity")
	return out
}

// Open issues the upstream GET and returns the stream with client-facing headers.
// Only 200 and 206 are accepted. The caller must Close the stream.
func (p *Proxy) Open(ctx context.Context, req *internal.ProxyRequest) (*internal.Stream, error) {
	if req == nil || req.DownloadURL == "" {
		return nil, internal.NewUpstreamError(0, "no download link to stream", internal.ErrNoDownloadLink)
	}

	resp, err := p.httpClient.Get(ctx, req.DownloadURL, ForwardHeaders(req.ClientHeader))
	if err != nil {
		if ctx.Err() == context.Canceled {
			return nil, internal.NewClientDisconnectError(0, err)
		}
		if internal.IsTimeout(err) {
			return nil, internal.NewTimeoutError("stream", err).WithURL(req.DownloadURL)
		}
		return nil, internal.NewUpstreamError(http.StatusBadGateway, "file host request failed", internal.ErrUpstreamHTTPStatus).
			WithURL(req.DownloadURL).
			WithCause(err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
		return nil, internal.NewHTTPStatusError("stream", resp.StatusCode).WithURL(req.DownloadURL)
	}

	header := BuildResponseHeaders(req.File, resp.Header)
	if header.Get("Content-Length") == "" && resp.ContentLength >= 0 {
		header.Set("Content-Length", strconv.FormatInt(resp.ContentLength, 10))
	}

	internal.LogDebug("Streaming %s (%d) from %s", req.File.Filename, resp.StatusCode, internal.RedactURL(req.DownloadURL))

	return &internal.Stream{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       resp.Body,
	}, nil
}

// BuildResponseHeaders builds the headers returned to the client for file.
// upstream may be nil, as for HEAD requests answered from metadata.
func BuildResponseHeaders(file internal.FileMetadata, upstream http.Header) http.Header {
	h := make(http.Header)

	contentType := ""
	if upstream != nil {
		contentType = upstream.Get("Content-Type")
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h.Set("Content-Type", contentType)
	h.Set("Content-Disposition", ContentDisposition(file.Filename))
	h.Set("Accept-Ranges", "bytes")
	h.Set("Cache-Control", "public, max-age=3600")
	h.Set("X-File-Name", EncodeRFC5987(file.Filename))
	h.Set("X-File-Size", strconv.FormatInt(file.Size, 10))
	h.Set("X-File-Md5", file.Checksum)
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Expose-Headers", strings.Join(ExposedHeaders, ", "))

	for _, name := range passthroughHeaders {
		if upstream == nil {
			break
		}
		if v := upstream.Get(name); v != "" {
			h.Set(name, v)
		}
	}

	return h
}

// ContentDisposition returns an attachment disposition with an ASCII fallback
// and the RFC 5987 encoded original name.
func ContentDisposition(filename string) string {
	if filename == "" {
		filename = "download"
	}
	return fmt.Sprintf(`attachment; filename="%s"; filename*=UTF-8''%s`, asciiFallback(filename), EncodeRFC5987(filename))
}

// EncodeRFC5987 percent-encodes every byte outside the RFC 5987 attr-char set
func EncodeRFC5987(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isAttrChar(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0f])
	}
	return b.String()
}

func isAttrChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	return strings.IndexByte("!#$&+-.^_`|~", c) >= 0
}

func asciiFallback(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r < 0x20 || r > 0x7e || r == '"' || r == '\\' {
			b.WriteByte('_')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// CopyOptions bound a proxied transfer
type CopyOptions struct {
	Limiter     internal.RateLimiter
	IdleTimeout time.Duration
	MaxDuration time.Duration
}

const (
	abortNone int32 = iota
	abortStalled
	abortTooLong
)

// CopyStream relays stream.Body to dst chunk by chunk. It never buffers more
// than one chunk. The upstream body is closed when the copy is aborted.
func CopyStream(ctx context.Context, dst io.Writer, stream *internal.Stream, opts CopyOptions) (int64, error) {
	var reason atomic.Int32
	abort := func(why int32) func() {
		return func() {
			if reason.CompareAndSwap(abortNone, why) {
				stream.Body.Close()
			}
		}
	}

	var idle *time.Timer
	if opts.IdleTimeout > 0 {
		idle = time.AfterFunc(opts.IdleTimeout, abort(abortStalled))
		defer idle.Stop()
	}
	if opts.MaxDuration > 0 {
		deadline := time.AfterFunc(opts.MaxDuration, abort(abortTooLong))
		defer deadline.Stop()
	}

	var src io.Reader = readerFunc(func(p []byte) (int, error) {
		n, err := stream.Body.Read(p)
		if n > 0 && idle != nil {
			idle.Reset(opts.IdleTimeout)
		}
		return n, err
	})
	src = utils.NewThrottledReader(ctx, src, opts.Limiter)

	buf := make([]byte, 32<<10)
	var written int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			written += int64(w)
			if werr == nil && w < n {
				werr = io.ErrShortWrite
			}
			if werr != nil {
				return written, internal.NewClientDisconnectError(written, werr)
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, classifyCopyError(ctx, reason.Load(), written, rerr, opts)
		}
	}
}

func classifyCopyError(ctx context.Context, reason int32, written int64, err error, opts CopyOptions) error {
	switch reason {
	case abortStalled:
		return internal.NewUpstreamError(0, fmt.Sprintf("no data from file host for %v", opts.IdleTimeout), internal.ErrStreamStalled).
			WithContext("bytes_written", written)
	case abortTooLong:
		return internal.NewUpstreamError(0, fmt.Sprintf("stream exceeded %v", opts.MaxDuration), internal.ErrStreamStalled).
			WithContext("bytes_written", written)
	}
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return internal.NewClientDisconnectError(written, err)
	}
	return internal.NewUpstreamError(0, fmt.Sprintf("file host stream interrupted: %v", err), internal.ErrStreamStalled).
		WithContext("bytes_written", written).
		WithCause(err)
}

type readerFunc func(p []byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }
