package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"terastream/downloader"
	"terastream/internal"
	"terastream/utils"
)

// resolveResponse is the body of GET /resolve?format=json
type resolveResponse struct {
	DownloadURL string `json:"downloadUrl"`
	FileName    string `json:"fileName"`
	FileSize    int64  `json:"fileSize"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// handleResolve serves GET /resolve?id=&format=
func (s *Server) handleResolve(c *gin.Context) {
	id := c.Query("id")
	if !utils.IsValidShareID(id) {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "Invalid ID"})
		return
	}

	format := c.Query("format")
	if _, _, err := downloader.ParseFormat(format); err != nil {
		s.writeError(c, err)
		return
	}

	link, meta, err := s.resolve(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}

	mode, err := s.opts.Policy.Decide(format, meta.Size)
	if err != nil {
		s.writeError(c, err)
		return
	}

	switch mode {
	case downloader.ModeJSON:
		c.JSON(http.StatusOK, resolveResponse{
			DownloadURL: link,
			FileName:    meta.Filename,
			FileSize:    meta.Size,
		})
	case downloader.ModeRedirect:
		// signed links expire
		c.Header("Cache-Control", "no-store")
		c.Redirect(http.StatusTemporaryRedirect, link)
	default:
		s.stream(c, id, link, meta)
	}
}

// resolve is Resolver.Resolve with a guarantee of non-nil metadata on success
func (s *Server) resolve(ctx context.Context, id string) (string, *internal.FileMetadata, error) {
	link, meta, err := s.opts.Resolver.Resolve(ctx, id)
	if err == nil && meta == nil {
		err = internal.NewUpstreamError(0, "resolution returned no file metadata", internal.ErrInvalidMetadata)
	}
	return link, meta, err
}

// stream relays the file to the client. A file host 401/403/404/410 before
// any byte was sent usually means the cached link expired, so the link is
// re-resolved and the open retried once.
func (s *Server) stream(c *gin.Context, id, link string, meta *internal.FileMetadata) {
	ctx := c.Request.Context()

	req := &internal.ProxyRequest{
		DownloadURL:  link,
		ClientHeader: c.Request.Header,
		File:         *meta,
	}

	stream, err := s.opts.Opener.Open(ctx, req)
	if linkRejected(err) {
		internal.LogInfo("File host rejected link for %s (%v), re-resolving", id, err)

		link, meta, err = s.opts.Resolver.Refresh(ctx, id)
		if err == nil && meta == nil {
			err = internal.NewUpstreamError(0, "resolution returned no file metadata", internal.ErrInvalidMetadata)
		}
		if err == nil {
			req.DownloadURL = link
			req.File = *meta
			stream, err = s.opts.Opener.Open(ctx, req)
		}
	}
	if err != nil {
		s.writeError(c, err)
		return
	}
	defer stream.Close()

	header := c.Writer.Header()
	for name, values := range stream.Header {
		header[name] = values
	}
	c.Status(stream.StatusCode)
	c.Writer.WriteHeaderNow()

	written, err := downloader.CopyStream(ctx, c.Writer, stream, s.opts.Copy)
	if err != nil {
		if upstreamErr, ok := internal.AsUpstreamError(err); ok {
			internal.LogUpstreamError(upstreamErr.WithContext("share_id", id))
		} else {
			internal.LogError("Stream for %s failed: %v", id, err)
		}
		// the status line is out; a short body is all the client can be told
		c.Abort()
		return
	}

	internal.LogDebug("Streamed %d bytes of %s for %s", written, meta.Filename, id)
}

// handleResolveHead serves HEAD /resolve?id= from metadata alone
func (s *Server) handleResolveHead(c *gin.Context) {
	id := c.Query("id")
	if !utils.IsValidShareID(id) {
		c.Status(http.StatusBadRequest)
		return
	}

	_, meta, err := s.resolve(c.Request.Context(), id)
	if err != nil {
		s.logError(err)
		c.Status(statusFor(err))
		return
	}

	header := c.Writer.Header()
	for name, values := range downloader.BuildResponseHeaders(*meta, nil) {
		header[name] = values
	}
	header.Set("Content-Length", strconv.FormatInt(meta.Size, 10))
	c.Status(http.StatusOK)
}

// handlePreflight answers OPTIONS /resolve for clients that send no Origin.
// Browser preflights are answered by the CORS middleware.
func (s *Server) handlePreflight(c *gin.Context) {
	c.Header("Access-Control-Allow-Origin", "*")
	c.Header("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
	c.Header("Access-Control-Allow-Headers", strings.Join(append([]string{"Content-Type"}, downloader.ForwardedHeaderNames()...), ", "))
	if s.opts.CORSMaxAge > 0 {
		c.Header("Access-Control-Max-Age", strconv.Itoa(int(s.opts.CORSMaxAge.Seconds())))
	}
	c.Status(http.StatusNoContent)
}

// extractResponse is the body of GET /extract
type extractResponse struct {
	ID        string `json:"id"`
	ShareURL  string `json:"shareUrl"`
	Host      string `json:"host,omitempty"`
	KnownHost *bool  `json:"knownHost,omitempty"`
}

// handleExtract serves GET /extract?url=. Links on hosts that are not known
// mirrors are still accepted but logged.
func (s *Server) handleExtract(c *gin.Context) {
	input := strings.TrimSpace(c.Query("url"))
	id, err := utils.ShareIDFromInput(input)
	if err != nil {
		s.writeError(c, err)
		return
	}

	resp := extractResponse{ID: id, ShareURL: utils.ShareURL(id)}
	if info, err := s.validator.ParseURL(input); err == nil {
		known := info.KnownHost
		resp.Host = info.Domain
		resp.KnownHost = &known
		if !known {
			internal.LogWarn("Share link on unrecognised host: %s", info)
		}
	}
	c.JSON(http.StatusOK, resp)
}

// handleHealth serves GET /healthz
func (s *Server) handleHealth(c *gin.Context) {
	entries := 0
	if s.opts.Cache != nil {
		entries = s.opts.Cache.Len()
	}
	c.JSON(http.StatusOK, gin.H{
		"status":       "ok",
		"cacheEntries": entries,
	})
}

// writeError maps err to the JSON error body. A client that already went
// away gets nothing.
func (s *Server) writeError(c *gin.Context, err error) {
	s.logError(err)

	if upstreamErr, ok := internal.AsUpstreamError(err); ok && upstreamErr.Kind == internal.ErrClientDisconnect {
		c.Abort()
		return
	}

	c.JSON(statusFor(err), errorResponse{Error: messageFor(err)})
}

func (s *Server) logError(err error) {
	if upstreamErr, ok := internal.AsUpstreamError(err); ok {
		internal.LogUpstreamError(upstreamErr)
		return
	}
	if validationErr, ok := err.(*internal.ValidationError); ok {
		internal.LogValidationError(validationErr)
		return
	}
	internal.LogError("%v", err)
}

// linkRejected reports whether the file host refused the signed link itself,
// as it does once the link expires. Range and precondition failures (416, 412)
// are not link expiry.
func linkRejected(err error) bool {
	upstreamErr, ok := internal.AsUpstreamError(err)
	if !ok || !upstreamErr.IsClientError() {
		return false
	}
	switch upstreamErr.Code {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusGone:
		return true
	}
	return false
}

func statusFor(err error) int {
	if upstreamErr, ok := internal.AsUpstreamError(err); ok {
		return upstreamErr.HTTPStatus()
	}
	if _, ok := err.(*internal.ValidationError); ok {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func messageFor(err error) string {
	if upstreamErr, ok := internal.AsUpstreamError(err); ok {
		return upstreamErr.Message
	}
	if validationErr, ok := err.(*internal.ValidationError); ok {
		return validationErr.Message
	}
	return err.Error()
}
