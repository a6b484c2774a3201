package downloader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"terastream/internal"
	"terastream/utils"
)

// maxMetadataBody bounds helper API responses; they are small JSON documents
const maxMetadataBody = 1 << 20

// flexString accepts a JSON string or number. The helper API is not
// consistent about quoting numeric ids.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := sonic.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(b)
	return nil
}

// flexInt64 accepts a JSON number or a quoted number
type flexInt64 int64

func (f *flexInt64) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(bytes.TrimSpace(b), `"`)
	if len(b) == 0 || string(b) == "null" {
		*f = 0
		return nil
	}
	var n int64
	if _, err := fmt.Sscan(string(b), &n); err != nil {
		return fmt.Errorf("invalid size %q: %w", b, err)
	}
	*f = flexInt64(n)
	return nil
}

// getInfoResponse is the body of GET /api/get-info
type getInfoResponse struct {
	OK        *bool         `json:"ok"`
	Message   string        `json:"message"`
	ShareID   flexString    `json:"shareid"`
	UK        flexString    `json:"uk"`
	Sign      string        `json:"sign"`
	Timestamp flexString    `json:"timestamp"`
	List      []getInfoFile `json:"list"`
}

type getInfoFile struct {
	FsID     flexString `json:"fs_id"`
	Filename string     `json:"filename"`
	Size     flexInt64  `json:"size"`
	MD5      string     `json:"md5"`
	Thumbs   struct {
		URL3 string `json:"url3"`
	} `json:"thumbs"`
}

// getDownloadRequest is the body of POST /api/get-download
type getDownloadRequest struct {
	ShareID   string `json:"shareid"`
	UK        string `json:"uk"`
	Sign      string `json:"sign"`
	Timestamp string `json:"timestamp"`
	FsID      string `json:"fs_id"`
}

type getDownloadResponse struct {
	OK           *bool  `json:"ok"`
	Message      string `json:"message"`
	DownloadLink string `json:"downloadLink"`
}

// ResolverConfig configures the helper API client
type ResolverConfig struct {
	BaseURL string
	Timeout time.Duration
}

// Resolver exchanges share ids for signed download links through the helper API
type Resolver struct {
	httpClient *utils.HTTPClient
	cache      *ResolutionCache
	baseURL    string
	timeout    time.Duration
}

var _ internal.LinkResolver = (*Resolver)(nil)

// NewResolver creates a resolver backed by cache
func NewResolver(httpClient *utils.HTTPClient, cache *ResolutionCache, cfg ResolverConfig) *Resolver {
	if cfg.BaseURL == "" {
		cfg.BaseURL = internal.DefaultUpstreamURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Resolver{
		httpClient: httpClient,
		cache:      cache,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		timeout:    cfg.Timeout,
	}
}

// Resolve returns the download link and metadata for shareID, from cache when
// a valid entry exists. Entries stored without metadata are resolved again.
func (r *Resolver) Resolve(ctx context.Context, shareID string) (string, *internal.FileMetadata, error) {
	if !utils.IsValidShareID(shareID) {
		return "", nil, internal.NewInvalidInputError("Invalid ID")
	}

	if entry, ok := r.cache.Get(shareID); ok && entry.Metadata != nil {
		internal.LogDebug("Cache hit for %s", shareID)
		return entry.DownloadLink, copyMetadata(entry.Metadata), nil
	}

	return r.Refresh(ctx, shareID)
}

// Refresh resolves shareID against the helper API, bypassing and then
// overwriting the cache. Used when a cached link was rejected by the file host.
func (r *Resolver) Refresh(ctx context.Context, shareID string) (string, *internal.FileMetadata, error) {
	if !utils.IsValidShareID(shareID) {
		return "", nil, internal.NewInvalidInputError("Invalid ID")
	}

	start := time.Now()

	share, err := r.getInfo(ctx, shareID)
	if err != nil {
		return "", nil, err
	}

	file := share.Files[0]
	link, err := r.getDownload(ctx, share, file)
	if err != nil {
		return "", nil, err
	}

	r.cache.Put(shareID, link, &file)
	internal.LogInfo("Resolved %s (%s) in %v", shareID, file.Filename, time.Since(start).Round(time.Millisecond))

	return link, copyMetadata(&file), nil
}

// getInfo fetches the share listing and signing material
func (r *Resolver) getInfo(ctx context.Context, shareID string) (*internal.ShareMetadata, error) {
	params := url.Values{}
	params.Set("shorturl", shareID)
	params.Set("pwd", "")
	fullURL := fmt.Sprintf("%s/api/get-info?%s", r.baseURL, params.Encode())

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	body, err := r.call(ctx, "get-info", func() (*http.Response, error) {
		return r.httpClient.Get(ctx, fullURL, http.Header{"Accept": {"application/json"}})
	})
	if err != nil {
		return nil, err
	}

	var apiResp getInfoResponse
	if err := sonic.Unmarshal(body, &apiResp); err != nil {
		return nil, internal.NewUpstreamError(0, fmt.Sprintf("failed to parse get-info response: %v", err), internal.ErrInvalidMetadata).
			WithContext("share_id", shareID)
	}

	if apiResp.OK != nil && !*apiResp.OK {
		msg := apiResp.Message
		if msg == "" {
			msg = "helper API reported failure"
		}
		return nil, internal.NewUpstreamError(0, msg, internal.ErrInvalidMetadata).
			WithContext("share_id", shareID)
	}

	if len(apiResp.List) == 0 {
		return nil, internal.NewUpstreamError(0, "share contains no files", internal.ErrInvalidMetadata).
			WithContext("share_id", shareID)
	}
	if apiResp.List[0].FsID == "" {
		return nil, internal.NewUpstreamError(0, "first file has no fs_id", internal.ErrInvalidMetadata).
			WithContext("share_id", shareID)
	}

	share := &internal.ShareMetadata{
		ShareID:   string(apiResp.ShareID),
		UK:        string(apiResp.UK),
		Sign:      apiResp.Sign,
		Timestamp: string(apiResp.Timestamp),
		Files:     make([]internal.FileMetadata, 0, len(apiResp.List)),
	}
	for _, f := range apiResp.List {
		share.Files = append(share.Files, internal.FileMetadata{
			FsID:      string(f.FsID),
			Filename:  f.Filename,
			Size:      int64(f.Size),
			Checksum:  f.MD5,
			Thumbnail: f.Thumbs.URL3,
		})
	}

	internal.LogDebug("get-info for %s listed %d file(s)", shareID, len(share.Files))
	return share, nil
}

// getDownload exchanges the signing material for a time-limited link
func (r *Resolver) getDownload(ctx context.Context, share *internal.ShareMetadata, file internal.FileMetadata) (string, error) {
	payload, err := sonic.Marshal(getDownloadRequest{
		ShareID:   share.ShareID,
		UK:        share.UK,
		Sign:      share.Sign,
		Timestamp: share.Timestamp,
		FsID:      file.FsID,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode get-download request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	fullURL := r.baseURL + "/api/get-download"
	body, err := r.call(ctx, "get-download", func() (*http.Response, error) {
		return r.httpClient.PostJSON(ctx, fullURL, payload)
	})
	if err != nil {
		return "", err
	}

	var apiResp getDownloadResponse
	if err := sonic.Unmarshal(body, &apiResp); err != nil {
		return "", internal.NewUpstreamError(0, fmt.Sprintf("failed to parse get-download response: %v", err), internal.ErrNoDownloadLink)
	}

	if apiResp.DownloadLink == "" {
		msg := "no download link in response"
		if apiResp.OK != nil && !*apiResp.OK && apiResp.Message != "" {
			msg = apiResp.Message
		}
		return "", internal.NewUpstreamError(0, msg, internal.ErrNoDownloadLink).
			WithContext("fs_id", file.FsID)
	}

	return apiResp.DownloadLink, nil
}

// call performs one helper API request and normalizes transport and status failures
func (r *Resolver) call(ctx context.Context, operation string, do func() (*http.Response, error)) ([]byte, error) {
	resp, err := do()
	if err != nil {
		return nil, r.classifyTransportError(ctx, operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxMetadataBody))
		return nil, internal.NewHTTPStatusError(operation, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataBody))
	if err != nil {
		return nil, r.classifyTransportError(ctx, operation, err)
	}
	return body, nil
}

func (r *Resolver) classifyTransportError(ctx context.Context, operation string, err error) error {
	if internal.IsTimeout(err) || ctx.Err() == context.DeadlineExceeded {
		return internal.NewTimeoutError(operation, err)
	}
	if ctx.Err() == context.Canceled {
		return internal.NewClientDisconnectError(0, err)
	}
	return internal.NewUpstreamError(http.StatusBadGateway, operation+" request failed", internal.ErrUpstreamHTTPStatus).
		WithContext("operation", operation).
		WithCause(err)
}

func copyMetadata(meta *internal.FileMetadata) *internal.FileMetadata {
	if meta == nil {
		return nil
	}
	m := *meta
	return &m
}
