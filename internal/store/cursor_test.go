package store

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursor_RoundTrip(t *testing.T) {
	for _, offset := range []int{0, 1, 100, 123456} {
		got, err := DecodeCursor(EncodeCursor(offset))
		require.NoError(t, err)
		assert.Equal(t, offset, got)
	}
}

func TestCursor_EmptyMeansStart(t *testing.T) {
	got, err := DecodeCursor("")
	require.NoError(t, err)
	assert.Zero(t, got)
}

func TestCursor_AcceptsUnversioned(t *testing.T) {
	legacy := base64.StdEncoding.EncodeToString([]byte("40"))

	got, err := DecodeCursor(legacy)
	require.NoError(t, err)
	assert.Equal(t, 40, got)
}

func TestCursor_Malformed(t *testing.T) {
	tests := map[string]string{
		"not base64":      "%%%",
		"not a number":    base64.RawURLEncoding.EncodeToString([]byte("v1:abc")),
		"negative":        base64.RawURLEncoding.EncodeToString([]byte("v1:-5")),
		"unknown version": base64.RawURLEncoding.EncodeToString([]byte("v9:5")),
	}

	for name, cursor := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeCursor(cursor)
			assert.ErrorIs(t, err, ErrInvalidArgument)
		})
	}
}
