// Package validation checks identifiers supplied by control API callers
// before they reach the object store or the job store.
package validation

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	maxKeyLength   = 1024
	maxJobIDLength = 128
)

var ErrInvalid = errors.New("invalid input")

// ValidateMediaKey accepts object-store keys such as "sessions/2024/abc.m4a".
// Keys with control characters, backslashes, parent segments or invalid UTF-8
// are rejected since they end up in local cache paths and log lines.
func ValidateMediaKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: media key is empty", ErrInvalid)
	}
	if len(key) > maxKeyLength {
		return fmt.Errorf("%w: media key longer than %d bytes", ErrInvalid, maxKeyLength)
	}
	if !utf8.ValidString(key) {
		return fmt.Errorf("%w: media key is not valid UTF-8", ErrInvalid)
	}
	for _, r := range key {
		if r < 32 || r == 127 || r == '\\' {
			return fmt.Errorf("%w: media key contains %q", ErrInvalid, r)
		}
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." {
			return fmt.Errorf("%w: media key contains a parent segment", ErrInvalid)
		}
	}
	if strings.HasSuffix(key, "/") {
		return fmt.Errorf("%w: media key names a prefix", ErrInvalid)
	}
	return nil
}

// ValidateJobID accepts caller-chosen ids made of letters, digits, '-', '_'
// and '.'.
func ValidateJobID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: job id is empty", ErrInvalid)
	}
	if len(id) > maxJobIDLength {
		return fmt.Errorf("%w: job id longer than %d bytes", ErrInvalid, maxJobIDLength)
	}
	if id == "." || id == ".." {
		return fmt.Errorf("%w: job id %q", ErrInvalid, id)
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
		default:
			return fmt.Errorf("%w: job id contains %q", ErrInvalid, r)
		}
	}
	return nil
}
