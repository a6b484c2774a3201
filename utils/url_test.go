package utils

import (
	"testing"

	"terastream/internal"
)

func TestExtractShareID(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		want   string
		wantOK bool
	}{
		{
			name:   "surl_query_parameter",
			raw:    "https://www.terabox.com/sharing/link?surl=AbC123xyz",
			want:   "AbC123xyz",
			wantOK: true,
		},
		{
			name:   "surl_wins_over_path",
			raw:    "https://www.terabox.com/s/1ZZZZZZ?surl=FromQuery",
			want:   "FromQuery",
			wantOK: true,
		},
		{
			name:   "share_path_with_leading_one",
			raw:    "https://terabox.com/s/1AbCdEf",
			want:   "AbCdEf",
			wantOK: true,
		},
		{
			name:   "share_path_without_leading_one",
			raw:    "https://terabox.com/s/XXXSXXX",
			want:   "XXXSXXX",
			wantOK: true,
		},
		{
			name:   "only_one_leading_one_is_stripped",
			raw:    "https://terabox.com/s/11AbCdE",
			want:   "1AbCdE",
			wantOK: true,
		},
		{
			name:   "share_path_with_trailing_slash",
			raw:    "https://1024terabox.com/s/1AbCdEf/",
			want:   "AbCdEf",
			wantOK: true,
		},
		{
			name:   "share_path_with_unrelated_query",
			raw:    "https://terabox.app/s/1AbCdEf?lang=en",
			want:   "AbCdEf",
			wantOK: true,
		},
		{
			name:   "fallback_to_last_segment",
			raw:    "https://mirror.example.com/wap/share/filelist/Qwerty12",
			want:   "Qwerty12",
			wantOK: true,
		},
		{
			name:   "not_a_url",
			raw:    "not a url",
			wantOK: false,
		},
		{
			name:   "unparsable",
			raw:    "http://[::1",
			wantOK: false,
		},
		{
			name:   "host_without_path",
			raw:    "https://terabox.com",
			wantOK: false,
		},
		{
			name:   "empty",
			raw:    "",
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractShareID(tt.raw)
			if ok != tt.wantOK {
				t.Fatalf("ExtractShareID(%q) ok = %v, want %v", tt.raw, ok, tt.wantOK)
			}
			if got != tt.want {
				t.Errorf("ExtractShareID(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestExtractShareID_Idempotent(t *testing.T) {
	inputs := []string{
		"https://terabox.com/s/1AbCdEf",
		"https://www.terabox.com/sharing/link?surl=AbC123xyz",
		"not a url",
	}

	for _, in := range inputs {
		first, ok1 := ExtractShareID(in)
		second, ok2 := ExtractShareID(in)
		if first != second || ok1 != ok2 {
			t.Errorf("ExtractShareID(%q) is not deterministic: (%q,%v) vs (%q,%v)", in, first, ok1, second, ok2)
		}
	}
}

func TestIsValidShareID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"AbCdEf", true},
		{"abc_DEF-123", true},
		{"ab", false},
		{"abcde", false},
		{"abc def", false},
		{"abc/def", false},
		{"", false},
		{"ünïcödé", false},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			if got := IsValidShareID(tt.id); got != tt.want {
				t.Errorf("IsValidShareID(%q) = %v, want %v", tt.id, got, tt.want)
			}
		})
	}
}

func TestShareIDFromInput(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"bare_id", "AbCdEf12", "AbCdEf12", false},
		{"share_link", "https://terabox.com/s/1AbCdEf12", "AbCdEf12", false},
		{"padded", "  AbCdEf12  ", "AbCdEf12", false},
		{"empty", "", "", true},
		{"too_short_id_in_link", "https://terabox.com/s/1ab", "", true},
		{"garbage", "not a url", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ShareIDFromInput(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error for %q", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ShareIDFromInput(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestURLValidator_ParseURL(t *testing.T) {
	validator := NewURLValidator()

	tests := []struct {
		name      string
		url       string
		wantID    string
		wantKnown bool
		wantErr   bool
		// validation errors come back as *internal.ValidationError,
		// extraction failures as an InvalidInput UpstreamError
		validation bool
	}{
		{
			name:      "known_host",
			url:       "https://www.terabox.com/s/1AbCdEf",
			wantID:    "AbCdEf",
			wantKnown: true,
		},
		{
			name:      "mirror_host",
			url:       "https://www.1024terabox.com/sharing/link?surl=AbCdEf",
			wantID:    "AbCdEf",
			wantKnown: true,
		},
		{
			name:      "unknown_host_accepted",
			url:       "https://example.com/s/1AbCdEf",
			wantID:    "AbCdEf",
			wantKnown: false,
		},
		{
			name:       "empty",
			url:        "",
			wantErr:    true,
			validation: true,
		},
		{
			name:       "ftp_scheme",
			url:        "ftp://terabox.com/s/1AbCdEf",
			wantErr:    true,
			validation: true,
		},
		{
			name:    "id_too_short",
			url:     "https://terabox.com/s/1abc",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := validator.ParseURL(tt.url)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if tt.validation {
					if _, ok := err.(*internal.ValidationError); !ok {
						t.Errorf("expected validation error, got %T: %v", err, err)
					}
					return
				}
				ue, ok := internal.AsUpstreamError(err)
				if !ok || ue.Kind != internal.ErrInvalidInput {
					t.Errorf("expected InvalidInput, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if info.ShareID != tt.wantID {
				t.Errorf("ShareID = %q, want %q", info.ShareID, tt.wantID)
			}
			if info.KnownHost != tt.wantKnown {
				t.Errorf("KnownHost = %v, want %v", info.KnownHost, tt.wantKnown)
			}
		})
	}
}

func TestShareURL_RoundTrip(t *testing.T) {
	for _, id := range []string{"AbCdEf", "1StartsWithOne"} {
		got, ok := ExtractShareID(ShareURL(id))
		if !ok || got != id {
			t.Errorf("ExtractShareID(ShareURL(%q)) = %q, %v", id, got, ok)
		}
	}
}
