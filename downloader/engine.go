package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"

	"terastream/internal"
	"terastream/utils"
)

// FetchResult describes a completed fetch
type FetchResult struct {
	ShareID    string
	OutputPath string
	File       internal.FileMetadata
	Resumed    bool
	Summary    *utils.DownloadSummary
}

// FetchEngine downloads a share through a running terastream server, resuming
// partial downloads when the sidecar says it is safe to do so.
type FetchEngine struct {
	httpClient *utils.HTTPClient
	fileOps    *utils.FileOperations
	planner    *DownloadPlanner

	maxRetries int
	retryDelay time.Duration
}

// NewFetchEngine creates a fetch engine
func NewFetchEngine(httpClient *utils.HTTPClient, fileOps *utils.FileOperations) *FetchEngine {
	if httpClient == nil {
		httpClient = utils.NewHTTPClient()
	}
	if fileOps == nil {
		fileOps = utils.NewFileOperations(nil)
	}
	return &FetchEngine{
		httpClient: httpClient,
		fileOps:    fileOps,
		planner:    NewDownloadPlanner(fileOps),
		maxRetries: 3,
		retryDelay: time.Second,
	}
}

// Fetch downloads the file behind input, a share URL or bare id
func (e *FetchEngine) Fetch(ctx context.Context, input string, config *internal.FetchConfig) (*FetchResult, error) {
	if config == nil {
		return nil, fmt.Errorf("fetch config cannot be nil")
	}
	if config.ServerURL == "" {
		return nil, internal.NewValidationError("server", "server URL is required")
	}

	shareID, err := utils.ShareIDFromInput(input)
	if err != nil {
		return nil, err
	}

	meta, err := e.Inspect(ctx, config.ServerURL, shareID)
	if err != nil {
		return nil, err
	}

	outputPath := e.outputPath(config.OutputPath, meta.Filename)
	if err := e.fileOps.EnsureDir(outputPath); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	internal.LogInfo("Fetching %s (%s) to %s", meta.Filename, humanize.IBytes(uint64(meta.Size)), outputPath)

	var limiter internal.RateLimiter
	if config.RateLimit > 0 {
		limiter = utils.NewBandwidthLimiter(config.RateLimit)
	}

	progress := utils.NewProgressTracker(meta.Size, config.Quiet)
	progress.SetFilename(meta.Filename)

	result := &FetchResult{ShareID: shareID, OutputPath: outputPath, File: *meta}

	operation := func() error {
		resumed, err := e.attempt(ctx, config.ServerURL, shareID, meta, outputPath, limiter, progress)
		if resumed {
			result.Resumed = true
		}
		if err != nil && !e.isRecoverableError(ctx, err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, next time.Duration) {
		internal.LogWarn("Fetch attempt failed: %v, retrying in %v", err, next)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.retryDelay
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(e.maxRetries)), ctx)

	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		progress.Stop()
		return nil, fmt.Errorf("download failed: %w", err)
	}

	partPath := outputPath + utils.PartSuffix
	if meta.Size > 0 {
		if err := e.verifyFileIntegrity(partPath, meta.Size); err != nil {
			progress.Stop()
			return nil, fmt.Errorf("file integrity verification failed: %w", err)
		}
	}

	if err := e.fileOps.AtomicRename(partPath, outputPath); err != nil {
		progress.Stop()
		return nil, fmt.Errorf("failed to finalize download: %w", err)
	}

	if err := e.planner.CleanupResumeMetadata(outputPath); err != nil {
		internal.LogWarn("Failed to cleanup resume metadata: %v", err)
	}

	result.Summary = progress.Finish()
	return result, nil
}

// Inspect asks the server for the file metadata with HEAD /resolve
func (e *FetchEngine) Inspect(ctx context.Context, serverURL, shareID string) (*internal.FileMetadata, error) {
	endpoint := resolveEndpoint(serverURL, shareID, "")

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		if internal.IsTimeout(err) {
			return nil, internal.NewTimeoutError("resolve", err)
		}
		return nil, fmt.Errorf("failed to reach server: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusBadRequest {
			return nil, internal.NewInvalidInputError("Invalid ID").WithContext("share_id", shareID)
		}
		return nil, internal.NewHTTPStatusError("resolve", resp.StatusCode)
	}

	return fileMetadataFromHeaders(resp.Header)
}

// attempt runs one download pass. It reports whether the pass continued an
// existing partial file.
func (e *FetchEngine) attempt(ctx context.Context, serverURL, shareID string, meta *internal.FileMetadata, outputPath string, limiter internal.RateLimiter, progress *utils.ProgressTracker) (bool, error) {
	plan, err := e.planner.Plan(outputPath, shareID, meta)
	if err != nil {
		return false, err
	}

	if plan.Resume && meta.Size > 0 && plan.Offset >= meta.Size {
		progress.Resume(plan.Offset)
		return true, nil
	}

	header := http.Header{}
	if plan.Resume {
		header.Set("Range", fmt.Sprintf("bytes=%d-", plan.Offset))
	}

	resp, err := e.httpClient.Get(ctx, resolveEndpoint(serverURL, shareID, "stream"), header)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	resume := plan.Resume
	switch {
	case resp.StatusCode == http.StatusPartialContent && resume:
		if err := checkContentRange(resp.Header.Get("Content-Range"), plan.Offset); err != nil {
			return false, err
		}
		internal.LogInfo("Resuming download at %s", humanize.IBytes(uint64(plan.Offset)))
		progress.Resume(plan.Offset)
	case resp.StatusCode == http.StatusOK:
		if resume {
			internal.LogWarn("Server ignored the range request, restarting download")
			resume = false
		}
		progress.Resume(0)
	default:
		return false, e.statusError(resp)
	}

	file, err := e.fileOps.OpenPartialFile(outputPath+utils.PartSuffix, resume)
	if err != nil {
		return resume, err
	}
	defer file.Close()

	src := utils.NewThrottledReader(ctx, resp.Body, limiter)
	if _, err := io.Copy(file, io.TeeReader(src, progress)); err != nil {
		return resume, fmt.Errorf("transfer interrupted: %w", err)
	}

	return resume, nil
}

// statusError turns an error answer from the server into an error, using the
// JSON error message when there is one.
func (e *FetchEngine) statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var apiErr struct {
		Error string `json:"error"`
	}
	msg := ""
	if err := sonic.Unmarshal(body, &apiErr); err == nil {
		msg = apiErr.Error
	}

	if resp.StatusCode == http.StatusBadRequest {
		if msg == "" {
			msg = "Invalid ID"
		}
		return internal.NewInvalidInputError(msg)
	}

	statusErr := internal.NewHTTPStatusError("stream", resp.StatusCode)
	if msg != "" {
		statusErr.WithContext("server_error", msg)
	}
	return statusErr
}

// verifyFileIntegrity checks if the downloaded file matches expected size
func (e *FetchEngine) verifyFileIntegrity(filePath string, expectedSize int64) error {
	actualSize, err := e.fileOps.GetFileSize(filePath)
	if err != nil {
		return fmt.Errorf("failed to get file size: %w", err)
	}

	if actualSize != expectedSize {
		return fmt.Errorf("file size mismatch: expected %d bytes, got %d bytes", expectedSize, actualSize)
	}

	return nil
}

// isRecoverableError determines if an error is recoverable through retry
func (e *FetchEngine) isRecoverableError(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil {
		return false
	}

	var upstreamErr *internal.UpstreamError
	if errors.As(err, &upstreamErr) {
		return upstreamErr.IsRetryable()
	}

	if internal.IsTimeout(err) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection reset",
		"connection refused",
		"broken pipe",
		"transfer interrupted",
	} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

// outputPath picks the destination file. A directory (or a path ending in a
// separator) receives the server-provided file name.
func (e *FetchEngine) outputPath(requested, filename string) string {
	name := filepath.Base(filepath.Clean("/" + filename))
	if name == "/" || name == "." || name == "" {
		name = "download"
	}

	if requested == "" {
		return name
	}
	if strings.HasSuffix(requested, "/") || strings.HasSuffix(requested, string(filepath.Separator)) {
		return filepath.Join(requested, name)
	}
	if isDir, err := afero.IsDir(e.fileOps.Fs(), requested); err == nil && isDir {
		return filepath.Join(requested, name)
	}
	return requested
}

func resolveEndpoint(serverURL, shareID, format string) string {
	params := url.Values{}
	params.Set("id", shareID)
	if format != "" {
		params.Set("format", format)
	}
	return strings.TrimRight(serverURL, "/") + "/resolve?" + params.Encode()
}

// fileMetadataFromHeaders reads the X-File-* headers set by the server
func fileMetadataFromHeaders(h http.Header) (*internal.FileMetadata, error) {
	name := h.Get("X-File-Name")
	if decoded, err := url.PathUnescape(name); err == nil {
		name = decoded
	}

	size := int64(0)
	if raw := h.Get("X-File-Size"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			return nil, internal.NewUpstreamError(0, fmt.Sprintf("invalid X-File-Size %q", raw), internal.ErrInvalidMetadata)
		}
		size = n
	}

	return &internal.FileMetadata{
		Filename: name,
		Size:     size,
		Checksum: h.Get("X-File-Md5"),
	}, nil
}

// checkContentRange verifies a 206 answer starts where the part file ends
func checkContentRange(contentRange string, offset int64) error {
	if contentRange == "" {
		return nil
	}
	want := fmt.Sprintf("bytes %d-", offset)
	if !strings.HasPrefix(contentRange, want) {
		return fmt.Errorf("unexpected Content-Range %q, want start %d", contentRange, offset)
	}
	return nil
}
