package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestUTF16(t *testing.T) {
	tests := []struct {
		s    string
		size int
	}{
		{"", 0},
		{"share", 10},
		{"données", 14},
		{"𝄞clef", 12},
	}
	for _, tt := range tests {
		bs := EncodeStringToBytes(tt.s)
		assert.Len(t, bs, tt.size, tt.s)
		assert.Equal(t, tt.size, EncodedStringLen(tt.s), tt.s)
		assert.Equal(t, tt.s, DecodeToString(bs), tt.s)
	}

	assert.Equal(t, "IPC$", DecodeToString(append(EncodeStringToBytes("IPC$"), 0, 0)))
	assert.Equal(t, "a", DecodeToString([]byte{'a', 0, 'b'}))
}

func TestFiletime(t *testing.T) {
	assert.Equal(t, uint64(116444736000000000), UnixToFiletime(time.Unix(0, 0)))
	assert.True(t, FiletimeToUnix(0).IsZero())

	now := time.Unix(1760000000, 123456700)
	assert.True(t, now.Equal(FiletimeToUnix(UnixToFiletime(now))))
}

func TestRounding(t *testing.T) {
	assert.Equal(t, 8, Roundup(1, 8))
	assert.Equal(t, 8, Roundup(8, 8))
	assert.Equal(t, 0, Ceil(0, 4))
	assert.Equal(t, 3, Ceil(9, 4))
}
