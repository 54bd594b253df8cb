package article

import (
	"errors"
	"fmt"
)

// Stable error kinds. Every failure surfaced to callers matches exactly one of
// these via errors.Is.
var (
	ErrInvalidCredential = errors.New("invalid credential")
	ErrQuotaExceeded     = errors.New("quota exceeded")
	ErrNotFound          = errors.New("article not found")
	ErrTimeout           = errors.New("upstream timeout")
	ErrUnreachable       = errors.New("upstream unreachable")
	ErrHTTPStatus        = errors.New("upstream http status")
	ErrParse             = errors.New("unrecognized page structure")
	ErrSectionNotFound   = errors.New("section not found")
	ErrInvalidSlug       = errors.New("invalid slug")
)

// FetchError describes a failed upstream fetch.
type FetchError struct {
	Kind       error
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("fetch %s: %v (status %d)", e.URL, e.Kind, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("fetch %s: %v: %v", e.URL, e.Kind, e.Err)
	default:
		return fmt.Sprintf("fetch %s: %v", e.URL, e.Kind)
	}
}

// Unwrap exposes both the kind and the underlying cause.
func (e *FetchError) Unwrap() []error {
	errs := []error{e.Kind}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// ParseError reports a page whose structure matched no recognized pattern.
type ParseError struct {
	Slug   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %q: %s", e.Slug, e.Reason)
}

// Is lets errors.Is(err, ErrParse) match any *ParseError.
func (e *ParseError) Is(target error) bool {
	return target == ErrParse
}

var kindCodes = []struct {
	kind error
	code string
}{
	{ErrInvalidCredential, "invalid_credential"},
	{ErrQuotaExceeded, "quota_exceeded"},
	{ErrInvalidSlug, "invalid_slug"},
	{ErrSectionNotFound, "section_not_found"},
	{ErrNotFound, "not_found"},
	{ErrParse, "parse_error"},
	{ErrTimeout, "timeout"},
	{ErrUnreachable, "unreachable"},
	{ErrHTTPStatus, "upstream_status"},
}

// KindOf maps err to its stable code, or "internal" when it matches no kind.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	for _, kc := range kindCodes {
		if errors.Is(err, kc.kind) {
			return kc.code
		}
	}
	return "internal"
}

// IsTransient reports whether a retry could plausibly succeed.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnreachable)
}
