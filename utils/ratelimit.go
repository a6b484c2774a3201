package utils

import (
	"context"
	"io"
	"sync"

	"golang.org/x/time/rate"

	"terastream/internal"
)

// minBurst keeps a single read from a typical 32 KiB copy buffer within one token request
const minBurst = 64 << 10

// BandwidthLimiter caps throughput in bytes per second. A rate of zero or less disables it.
type BandwidthLimiter struct {
	mu      sync.RWMutex
	limiter *rate.Limiter
	rate    int64
}

// NewBandwidthLimiter creates a limiter for bytesPerSecond
func NewBandwidthLimiter(bytesPerSecond int64) *BandwidthLimiter {
	l := &BandwidthLimiter{}
	l.SetRate(bytesPerSecond)
	return l
}

var _ internal.RateLimiter = (*BandwidthLimiter)(nil)

// Wait blocks until n bytes may be consumed or ctx is done
func (l *BandwidthLimiter) Wait(ctx context.Context, n int) error {
	l.mu.RLock()
	limiter := l.limiter
	l.mu.RUnlock()

	if limiter == nil {
		return ctx.Err()
	}

	burst := limiter.Burst()
	for n > 0 {
		chunk := n
		if chunk > burst {
			chunk = burst
		}
		if err := limiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// SetRate changes the limit; zero or less removes it
func (l *BandwidthLimiter) SetRate(bytesPerSecond int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rate = bytesPerSecond
	if bytesPerSecond <= 0 {
		l.limiter = nil
		return
	}

	burst := int(bytesPerSecond)
	if burst < minBurst {
		burst = minBurst
	}
	if l.limiter == nil {
		l.limiter = rate.NewLimiter(rate.Limit(bytesPerSecond), burst)
		return
	}
	l.limiter.SetLimit(rate.Limit(bytesPerSecond))
	l.limiter.SetBurst(burst)
}

// Rate returns the configured bytes per second
func (l *BandwidthLimiter) Rate() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.rate
}

// ThrottledReader wraps an io.Reader and charges every read against a limiter
type ThrottledReader struct {
	ctx     context.Context
	reader  io.Reader
	limiter internal.RateLimiter
}

// NewThrottledReader returns r unchanged when limiter is nil
func NewThrottledReader(ctx context.Context, r io.Reader, limiter internal.RateLimiter) io.Reader {
	if limiter == nil {
		return r
	}
	return &ThrottledReader{ctx: ctx, reader: r, limiter: limiter}
}

func (t *ThrottledReader) Read(p []byte) (int, error) {
	n, err := t.reader.Read(p)
	if n > 0 {
		if werr := t.limiter.Wait(t.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

// ParseRateLimit parses rate limit strings like "500K", "1M", "2MB"
func ParseRateLimit(rateStr string) (int64, error) {
	n, err := internal.ParseByteSize(rateStr)
	if err != nil {
		return 0, internal.NewValidationErrorWithValue("rate_limit", err.Error(), rateStr).
			WithSuggestion("Use values like 500K, 5M or 1G")
	}
	return n, nil
}
