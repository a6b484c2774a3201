package utils

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"terastream/internal"
)

var shareIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{6,}$`)

// URLInfo contains parsed information from a share link
type URLInfo struct {
	OriginalURL string
	Domain      string
	ShareID     string
	KnownHost   bool
}

// URLValidator extracts share ids from user supplied links
type URLValidator struct {
	knownDomains []string
}

// NewURLValidator creates a new URL validator with the hosts the helper API is known to serve
func NewURLValidator() *URLValidator {
	return &URLValidator{
		knownDomains: []string{
			"terabox.com",
			"www.terabox.com",
			"terabox.app",
			"www.terabox.app",
			"1024terabox.com",
			"www.1024terabox.com",
			"teraboxapp.com",
			"www.teraboxapp.com",
			"terasharelink.com",
			"freeterabox.com",
			"4funbox.com",
			"www.4funbox.com",
			"mirrobox.com",
			"nephobox.com",
			"momerybox.com",
			"tibibox.com",
		},
	}
}

// ExtractShareID derives the share id from a raw link.
//
// Order of precedence: the surl query parameter, a /s/<token> path with one
// leading "1" removed, then the last non-empty path segment. Strings that do
// not parse as an absolute URL yield false.
func ExtractShareID(raw string) (string, bool) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || parsed.Host == "" {
		return "", false
	}

	if surl := parsed.Query().Get("surl"); surl != "" {
		return surl, true
	}

	var segments []string
	for _, s := range strings.Split(parsed.Path, "/") {
		if s != "" {
			segments = append(segments, s)
		}
	}

	if len(segments) == 2 && segments[0] == "s" {
		token := strings.TrimPrefix(segments[1], "1")
		if token != "" {
			return token, true
		}
	}

	if len(segments) > 0 {
		return segments[len(segments)-1], true
	}

	return "", false
}

// IsValidShareID reports whether id satisfies ^[A-Za-z0-9_-]{6,}$
func IsValidShareID(id string) bool {
	return shareIDPattern.MatchString(id)
}

// ShareIDFromInput accepts either a bare share id or a share link
func ShareIDFromInput(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", internal.NewValidationError("url", "URL cannot be empty")
	}

	if IsValidShareID(input) {
		return input, nil
	}

	id, ok := ExtractShareID(input)
	if !ok {
		return "", internal.NewInvalidInputError("Invalid URL").
			WithContext("input", input)
	}
	if !IsValidShareID(id) {
		return "", internal.NewInvalidInputError("Invalid ID").
			WithContext("id", id)
	}
	return id, nil
}

// ParseURL extracts the share id and notes whether the host is one we recognise.
// Unknown hosts are still accepted; mirrors of the service change frequently.
func (v *URLValidator) ParseURL(rawURL string) (*URLInfo, error) {
	if rawURL == "" {
		return nil, internal.NewValidationError("url", "URL cannot be empty")
	}

	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return nil, internal.NewValidationError("url", fmt.Sprintf("invalid URL format: %v", err))
	}

	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return nil, internal.NewValidationError("url", "URL must use http or https protocol")
	}

	id, ok := ExtractShareID(rawURL)
	if !ok || !IsValidShareID(id) {
		return nil, internal.NewInvalidInputError("unable to extract a share id from URL").
			WithURL(rawURL)
	}

	domain := strings.ToLower(parsedURL.Hostname())
	return &URLInfo{
		OriginalURL: rawURL,
		Domain:      domain,
		ShareID:     id,
		KnownHost:   v.IsKnownHost(domain),
	}, nil
}

// IsKnownHost reports whether host belongs to the share service or one of its mirrors
func (v *URLValidator) IsKnownHost(host string) bool {
	host = strings.ToLower(host)
	for _, d := range v.knownDomains {
		if host == d {
			return true
		}
	}
	return false
}

// ShareURL builds the canonical share link for id
func ShareURL(id string) string {
	return fmt.Sprintf("https://www.terabox.com/s/1%s", id)
}

// String returns a string representation of the URLInfo
func (urlInfo *URLInfo) String() string {
	return fmt.Sprintf("URLInfo{Domain: %s, ShareID: %s, KnownHost: %t}",
		urlInfo.Domain, urlInfo.ShareID, urlInfo.KnownHost)
}
