// Package compress implements SMB2 message compression: the LZ4 block codec
// and Pattern_V1 runs, framed unchained or chained.
package compress

import (
	"errors"
	"fmt"

	"github.com/mike76-dev/smbprobe/smb2"
	"github.com/pierrec/lz4/v4"
)

var (
	ErrUnsupportedAlgorithm = errors.New("unsupported compression algorithm")
	ErrIncompressible       = errors.New("data is incompressible")
)

// Codec compresses and decompresses single payloads of one algorithm.
type Codec interface {
	Compress(src []byte) ([]byte, error)
	Decompress(src []byte, limit int) ([]byte, error)
}

// New returns the codec of algo. Algorithms this package does not implement
// yield a codec whose every call fails with ErrUnsupportedAlgorithm.
func New(algo uint16) Codec {
	switch algo {
	case smb2.COMPRESSION_LZ4:
		return lz4Codec{}
	default:
		return unsupported(algo)
	}
}

type lz4Codec struct{}

func (lz4Codec) Compress(src []byte) ([]byte, error) {
	var c lz4.Compressor
	dst := make([]byte, lz4.CompressBlockBound(len(src)))
	n, err := c.CompressBlock(src, dst)
	if err != nil {
		return nil, err
	}
	if n == 0 || n >= len(src) {
		return nil, ErrIncompressible
	}
	return dst[:n], nil
}

func (lz4Codec) Decompress(src []byte, limit int) ([]byte, error) {
	dst := make([]byte, limit)
	n, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return nil, fmt.Errorf("lz4: %w", err)
	}
	return dst[:n], nil
}

type unsupported uint16

func (u unsupported) Compress([]byte) ([]byte, error) {
	return nil, fmt.Errorf("%w: %#04x", ErrUnsupportedAlgorithm, uint16(u))
}

func (u unsupported) Decompress([]byte, int) ([]byte, error) {
	return nil, fmt.Errorf("%w: %#04x", ErrUnsupportedAlgorithm, uint16(u))
}
