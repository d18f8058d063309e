// ABOUTME: Opaque page cursor codec for offset-based event search pagination
// ABOUTME: Cursors are versioned so future formats can coexist behind the same string contract

package store

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// cursorVersion prefixes every cursor this build emits.
const cursorVersion = "v1"

// EncodeCursor returns the opaque cursor for the given non-negative offset.
// Format is base64url("v1:<offset>").
func EncodeCursor(offset int) string {
	return base64.RawURLEncoding.EncodeToString([]byte(cursorVersion + ":" + strconv.Itoa(offset)))
}

// DecodeCursor parses a cursor back into an offset. An empty cursor means
// offset 0. Unversioned cursors (base64 of a bare decimal) are still accepted.
func DecodeCursor(cursor string) (int, error) {
	if cursor == "" {
		return 0, nil
	}

	raw, err := decodeBase64(cursor)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid cursor encoding", ErrInvalidArgument)
	}

	text := string(raw)
	if version, rest, ok := strings.Cut(text, ":"); ok {
		if version != cursorVersion {
			return 0, fmt.Errorf("%w: unsupported cursor version %q", ErrInvalidArgument, version)
		}
		text = rest
	}

	offset, err := strconv.Atoi(text)
	if err != nil || offset < 0 {
		return 0, fmt.Errorf("%w: invalid cursor offset", ErrInvalidArgument)
	}
	return offset, nil
}

// decodeBase64 accepts both the raw URL alphabet we emit and padded standard
// base64 produced by older clients.
func decodeBase64(s string) ([]byte, error) {
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.StdEncoding.DecodeString(s)
}
