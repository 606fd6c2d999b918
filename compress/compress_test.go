package compress

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/mike76-dev/smbprobe/smb2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// message builds an SMB2 message whose body is body.
func message(body []byte) []byte {
	return append(smb2.NewHeader(smb2.SMB2_WRITE), body...)
}

func TestCompressorLZ4(t *testing.T) {
	src := bytes.Repeat([]byte("the quick brown fox "), 500)
	c := New(smb2.COMPRESSION_LZ4)

	dst, err := c.Compress(src)
	require.NoError(t, err)
	assert.Less(t, len(dst), len(src))

	out, err := c.Decompress(dst, len(src))
	require.NoError(t, err)
	assert.Equal(t, src, out)

	_, err = c.Decompress(dst, len(src)/2)
	assert.Error(t, err)

	_, err = c.Compress([]byte("abcdefgh"))
	assert.ErrorIs(t, err, ErrIncompressible)
}

func TestCompressorUnsupported(t *testing.T) {
	_, err := New(smb2.COMPRESSION_LZNT1).Compress([]byte("x"))
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
	_, err = New(smb2.COMPRESSION_LZ77).Decompress([]byte("x"), 10)
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
}

func TestScanForDataPatternsV1(t *testing.T) {
	tests := []struct {
		name     string
		buf      []byte
		forward  uint32
		backward uint32
	}{
		{"short runs", append(bytes.Repeat([]byte{1}, 10), 2, 3), 0, 0},
		{"leading run", append(bytes.Repeat([]byte{0}, 100), 1, 2, 3), 100, 0},
		{"trailing run", append([]byte{1, 2, 3}, bytes.Repeat([]byte{0xff}, 70)...), 0, 70},
		{"both", append(append(bytes.Repeat([]byte{7}, 64), 'x'), bytes.Repeat([]byte{8}, 80)...), 64, 80},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fwd, bck := ScanForDataPatternsV1(tt.buf)
			require.NotNil(t, fwd)
			require.NotNil(t, bck)
			assert.Equal(t, tt.forward, fwd.Repetitions)
			assert.Equal(t, tt.backward, bck.Repetitions)
		})
	}

	fwd, bck := ScanForDataPatternsV1(bytes.Repeat([]byte{9}, 128))
	assert.EqualValues(t, 128, fwd.Repetitions)
	assert.Nil(t, bck)
	assert.Equal(t, bytes.Repeat([]byte{9}, 128), Expand(*fwd))
}

func TestTransformRoundTrip(t *testing.T) {
	random := make([]byte, 4096)
	_, err := rand.Read(random)
	require.NoError(t, err)

	bodies := map[string][]byte{
		"text":   bytes.Repeat([]byte("compress me please "), 300),
		"zeros":  make([]byte, 8192),
		"padded": append(append(make([]byte, 2048), bytes.Repeat([]byte("abc"), 400)...), make([]byte, 2048)...),
		"mixed":  append(bytes.Repeat([]byte{0xaa}, 1000), random[:1000]...),
		"random": random,
		"tiny":   []byte("tiny"),
	}
	transforms := map[string]Transform{
		"unchained":       {Algorithms: []uint16{smb2.COMPRESSION_LZ4}},
		"chained":         {Algorithms: []uint16{smb2.COMPRESSION_LZ4}, Chained: true},
		"chained pattern": {Algorithms: []uint16{smb2.COMPRESSION_LZ4, smb2.COMPRESSION_PATTERN_V1}, Chained: true},
	}
	for tname, tr := range transforms {
		for bname, body := range bodies {
			t.Run(tname+"/"+bname, func(t *testing.T) {
				msg := message(body)
				frame := tr.Compress(bytes.Clone(msg))
				if len(frame) >= len(msg) {
					assert.Equal(t, msg, frame)
					return
				}
				require.EqualValues(t, smb2.PROTOCOL_SMB2_COMPRESSED, smb2.Header(frame).ProtocolID())
				out, err := tr.Decompress(frame, len(msg))
				require.NoError(t, err)
				assert.Equal(t, msg, out)
			})
		}
	}
}

func TestTransformDisabled(t *testing.T) {
	msg := message(make([]byte, 4096))
	var tr Transform
	assert.False(t, tr.Enabled())
	assert.Equal(t, msg, tr.Compress(msg))
}

func TestDecompressLimits(t *testing.T) {
	tr := Transform{Algorithms: []uint16{smb2.COMPRESSION_LZ4}}
	msg := message(make([]byte, 8192))
	frame := tr.Compress(bytes.Clone(msg))
	require.Less(t, len(frame), len(msg))

	_, err := tr.Decompress(frame, 1024)
	assert.Error(t, err)
	_, err = tr.Decompress(frame[:8], len(msg))
	assert.Error(t, err)

	other := Transform{Algorithms: []uint16{smb2.COMPRESSION_PATTERN_V1}}
	_, err = other.Decompress(frame, len(msg))
	assert.ErrorIs(t, err, smb2.ErrInvalidParameter)
}
