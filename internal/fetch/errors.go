package fetch

import (
	"errors"
	"fmt"
)

// Kind classifies fetch failures. The worker retries Network failures at
// the task level; TooLarge and Protocol failures are recorded per item and
// never retried.
type Kind int

// Fetch failure classes.
const (
	KindNetwork Kind = iota
	KindTooLarge
	KindProtocol
)

// Error is a classified fetch failure.
type Error struct {
	Kind Kind
	URL  string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("fetch %s: %s: %v", TruncateURL(e.URL), e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindTooLarge:
		return "too large"
	case KindProtocol:
		return "protocol"
	default:
		return "unknown"
	}
}

// IsTooLarge reports whether err is a byte-cap violation.
func IsTooLarge(err error) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == KindTooLarge
}

// IsNetwork reports whether err is a network or timeout failure.
func IsNetwork(err error) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == KindNetwork
}

// TruncateURL caps a URL at 200 characters for logs and error strings;
// tracking-parameter-laden board URLs can run to kilobytes.
func TruncateURL(url string) string {
	if len(url) > 200 {
		return url[:200]
	}
	return url
}
