package internal

import (
	"io"
	"net/http"
	"time"
)

// FileMetadata describes one file of a share as reported by the upstream helper API
type FileMetadata struct {
	FsID      string `json:"fs_id"`
	Filename  string `json:"filename"`
	Size      int64  `json:"size"`
	Checksum  string `json:"md5,omitempty"`
	Thumbnail string `json:"thumbnail,omitempty"`
}

// ShareMetadata carries the signing material needed for the download link exchange.
// It is only kept for the duration of a single resolution.
type ShareMetadata struct {
	ShareID   string
	UK        string
	Sign      string
	Timestamp string
	Files     []FileMetadata
}

// CacheEntry is a resolved download link together with the file it points at
type CacheEntry struct {
	DownloadLink string        `json:"download_link"`
	Expiry       time.Time     `json:"expiry"`
	Metadata     *FileMetadata `json:"metadata,omitempty"`
}

// Valid reports whether the entry may still be served at the given instant
func (e CacheEntry) Valid(now time.Time) bool {
	return now.Before(e.Expiry)
}

// ProxyRequest is everything the streaming proxy needs to fetch a file on behalf of a client
type ProxyRequest struct {
	DownloadURL  string
	ClientHeader http.Header
	File         FileMetadata
}

// Stream is an open upstream response ready to be relayed to the client
type Stream struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Close releases the upstream connection
func (s *Stream) Close() error {
	if s == nil || s.Body == nil {
		return nil
	}
	return s.Body.Close()
}

// FetchConfig contains configuration for the fetch command
type FetchConfig struct {
	ServerURL  string
	OutputPath string
	RateLimit  int64 // bytes per second
	Quiet      bool
}

// ResumeMetadata is the sidecar written next to a partial download
type ResumeMetadata struct {
	ShareID    string       `json:"share_id"`
	File       FileMetadata `json:"file"`
	CreatedAt  time.Time    `json:"created_at"`
	LastUpdate time.Time    `json:"last_update"`
}
