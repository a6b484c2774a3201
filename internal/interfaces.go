package internal

import "context"

// LinkResolver exchanges a share id for a signed download link
type LinkResolver interface {
	Resolve(ctx context.Context, shareID string) (string, *FileMetadata, error)
	Refresh(ctx context.Context, shareID string) (string, *FileMetadata, error)
}

// StreamOpener opens an upstream byte stream for a resolved link
type StreamOpener interface {
	Open(ctx context.Context, req *ProxyRequest) (*Stream, error)
}

// RateLimiter controls bandwidth usage
type RateLimiter interface {
	Wait(ctx context.Context, n int) error
	SetRate(bytesPerSecond int64)
}
