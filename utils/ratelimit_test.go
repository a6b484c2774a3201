package utils

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"
)

func TestBandwidthLimiter_Unlimited(t *testing.T) {
	limiter := NewBandwidthLimiter(0)

	start := time.Now()
	for i := 0; i < 100; i++ {
		if err := limiter.Wait(context.Background(), 1<<20); err != nil {
			t.Fatalf("Wait failed: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("unlimited limiter should not block, took %v", elapsed)
	}
}

func TestBandwidthLimiter_Throttles(t *testing.T) {
	// the bucket starts full at 128 KiB; the extra 64 KiB costs about 0.5 s
	limiter := NewBandwidthLimiter(128 << 10)

	start := time.Now()
	if err := limiter.Wait(context.Background(), 64<<10); err != nil {
		t.Fatal(err)
	}
	if err := limiter.Wait(context.Background(), 128<<10); err != nil {
		t.Fatal(err)
	}
	elapsed := time.Since(start)

	if elapsed < 450*time.Millisecond {
		t.Errorf("expected throttling, finished in %v", elapsed)
	}
}

func TestBandwidthLimiter_ContextCancel(t *testing.T) {
	limiter := NewBandwidthLimiter(1024)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := limiter.Wait(ctx, 1<<20); err == nil {
		t.Error("Wait should fail on a canceled context")
	}
}

func TestBandwidthLimiter_SetRate(t *testing.T) {
	limiter := NewBandwidthLimiter(1024)
	if limiter.Rate() != 1024 {
		t.Errorf("Rate() = %d", limiter.Rate())
	}

	limiter.SetRate(0)
	if limiter.Rate() != 0 {
		t.Errorf("Rate() = %d after disable", limiter.Rate())
	}
	if err := limiter.Wait(context.Background(), 10<<20); err != nil {
		t.Errorf("disabled limiter should not fail: %v", err)
	}

	limiter.SetRate(2048)
	if limiter.Rate() != 2048 {
		t.Errorf("Rate() = %d after re-enable", limiter.Rate())
	}
}

func TestThrottledReader_PassesBytesThrough(t *testing.T) {
	data := bytes.Repeat([]byte("terastream"), 1000)
	r := NewThrottledReader(context.Background(), bytes.NewReader(data), NewBandwidthLimiter(10<<20))

	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("throttled reader altered the data")
	}
}

func TestThrottledReader_NilLimiter(t *testing.T) {
	src := strings.NewReader("abc")
	if r := NewThrottledReader(context.Background(), src, nil); r != src {
		t.Error("nil limiter should return the original reader")
	}
}

func TestParseRateLimit(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
		hasError bool
	}{
		{"", 0, false},
		{"1024", 1024, false},
		{"500K", 500_000, false},
		{"5M", 5_000_000, false},
		{"2MB", 2_000_000, false},
		{"1MiB", 1 << 20, false},
		{"1G", 1_000_000_000, false},
		{"invalid", 0, true},
		{"M", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result, err := ParseRateLimit(tt.input)
			if tt.hasError {
				if err == nil {
					t.Errorf("ParseRateLimit(%q) expected error", tt.input)
				}
				return
			}
			if err != nil {
				t.Errorf("ParseRateLimit(%q) unexpected error: %v", tt.input, err)
				return
			}
			if result != tt.expected {
				t.Errorf("ParseRateLimit(%q) = %d, want %d", tt.input, result, tt.expected)
			}
		})
	}
}
