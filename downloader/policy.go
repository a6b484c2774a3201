package downloader

import (
	"terastream/internal"
)

// DeliveryMode is how GET /resolve answers a request
type DeliveryMode int

const (
	ModeJSON DeliveryMode = iota
	ModeStream
	ModeRedirect
)

// String returns the query parameter spelling of the mode
func (m DeliveryMode) String() string {
	switch m {
	case ModeJSON:
		return "json"
	case ModeStream:
		return "stream"
	case ModeRedirect:
		return "redirect"
	default:
		return "unknown"
	}
}

// DownloadPolicy picks the delivery mode when the client does not ask for one
type DownloadPolicy struct {
	Kind      string
	Threshold int64 // bytes, used by the auto policy
}

// NewDownloadPolicy validates kind against the known policies
func NewDownloadPolicy(kind string, threshold int64) (*DownloadPolicy, error) {
	switch kind {
	case "":
		kind = internal.PolicyStream
	case internal.PolicyStream, internal.PolicyRedirect, internal.PolicyAuto:
	default:
		return nil, internal.NewValidationErrorWithValue("download_policy", "unknown policy", kind).
			WithSuggestion("Use stream, redirect or auto")
	}
	if threshold < 0 {
		return nil, internal.NewValidationErrorWithValue("redirect_threshold", "must be >= 0", threshold)
	}
	return &DownloadPolicy{Kind: kind, Threshold: threshold}, nil
}

// ParseFormat maps the format query parameter to a mode. explicit is false
// when format is empty.
func ParseFormat(format string) (mode DeliveryMode, explicit bool, err error) {
	switch format {
	case "":
		return ModeStream, false, nil
	case "json":
		return ModeJSON, true, nil
	case "stream":
		return ModeStream, true, nil
	case "redirect":
		return ModeRedirect, true, nil
	default:
		return 0, false, internal.NewInvalidInputError("Invalid format").
			WithContext("format", format)
	}
}

// Decide returns the mode for a request with the given format and file size.
// An explicit format always wins.
func (p *DownloadPolicy) Decide(format string, fileSize int64) (DeliveryMode, error) {
	mode, explicit, err := ParseFormat(format)
	if err != nil || explicit {
		return mode, err
	}

	switch p.Kind {
	case internal.PolicyRedirect:
		return ModeRedirect, nil
	case internal.PolicyAuto:
		if p.Threshold > 0 && fileSize > p.Threshold {
			return ModeRedirect, nil
		}
		return ModeStream, nil
	default:
		return ModeStream, nil
	}
}
