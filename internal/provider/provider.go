// Package provider defines the image generation capability and its
// implementations. Failures are classified so the orchestrator can decide
// between retrying, skipping and aborting.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
)

// Image is one accepted provider response.
type Image struct {
	Bytes  []byte
	Width  int
	Height int
	Model  string
	Cost   float64
}

// ImageProvider generates one image per call.
type ImageProvider interface {
	Generate(ctx context.Context, prompt string) (*Image, error)
	Name() string
	Model() string
}

// FailKind classifies a provider failure.
type FailKind int

const (
	// Transient failures are retryable: rate limits, 5xx, timeouts, network.
	Transient FailKind = iota
	// Permanent failures are not retried: 4xx other than rate limit, policy
	// refusals, malformed requests or responses.
	Permanent
	// Cancelled means the caller aborted the call.
	Cancelled
)

func (k FailKind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// Error wraps a provider failure with its classification.
type Error struct {
	Kind FailKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider %s failure: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Fail builds a classified provider error.
func Fail(kind FailKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Failf builds a classified provider error from a format string.
func Failf(kind FailKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf classifies an arbitrary error from a Generate call. Unclassified
// errors default to Permanent so they are surfaced rather than retried
// forever.
func KindOf(err error) FailKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return Transient
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return Transient
	}
	return Permanent
}

// ClassifyStatus maps an HTTP status code to a failure kind.
// 408/425/429 and the retryable 5xx family are transient; everything else
// non-2xx is permanent.
func ClassifyStatus(status int) FailKind {
	switch status {
	case 408, 425, 429, 500, 502, 503, 504:
		return Transient
	default:
		return Permanent
	}
}
