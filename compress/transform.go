package compress

import (
	"encoding/binary"
	"slices"

	"github.com/mike76-dev/smbprobe/smb2"
)

// minCompressSize is the smallest message worth compressing.
const minCompressSize = 1024

// Transform applies the SMB2 compression transform with the algorithms
// negotiated on a connection.
type Transform struct {
	Algorithms []uint16
	Chained    bool
}

// Enabled reports whether any algorithm was negotiated.
func (t Transform) Enabled() bool {
	return len(t.Algorithms) > 0
}

func (t Transform) blockAlgorithm() uint16 {
	for _, id := range t.Algorithms {
		if id != smb2.COMPRESSION_PATTERN_V1 && id != smb2.COMPRESSION_NONE {
			return id
		}
	}
	return smb2.COMPRESSION_NONE
}

func payloadHeader(algo, flags uint16, length int) []byte {
	ph := make([]byte, smb2.SMB2CompressionPayloadHeaderSize)
	binary.LittleEndian.PutUint16(ph[:2], algo)
	binary.LittleEndian.PutUint16(ph[2:4], flags)
	binary.LittleEndian.PutUint32(ph[4:8], uint32(length))
	return ph
}

// Compress wraps msg into a compression transform if that makes it smaller,
// otherwise msg is returned as is.
func (t Transform) Compress(msg []byte) []byte {
	if !t.Enabled() || len(msg) < minCompressSize {
		return msg
	}

	if !t.Chained {
		algo := t.blockAlgorithm()
		if algo == smb2.COMPRESSION_NONE {
			return msg
		}
		output, err := New(algo).Compress(msg)
		if err != nil || len(output)+smb2.SMB2CompressionTransformHeaderSize >= len(msg) {
			return msg
		}
		return append(smb2.NewUnchainedCompressionHeader(uint32(len(msg)), algo, 0), output...)
	}

	var output []byte
	flags := uint16(smb2.COMPRESSION_CAPABILITIES_FLAG_CHAINED)
	appendPayload := func(algo uint16, data []byte) {
		output = append(output, payloadHeader(algo, flags, len(data))...)
		output = append(output, data...)
		flags = smb2.COMPRESSION_CAPABILITIES_FLAG_NONE
	}

	start, end := 0, len(msg)
	var bck *smb2.PatternV1
	if slices.Contains(t.Algorithms, smb2.COMPRESSION_PATTERN_V1) {
		var fwd *smb2.PatternV1
		fwd, bck = ScanForDataPatternsV1(msg)
		if fwd.Repetitions > 0 {
			appendPayload(smb2.COMPRESSION_PATTERN_V1, fwd.Marshal())
			start += int(fwd.Repetitions)
		}
		if bck != nil && bck.Repetitions > 0 {
			end -= int(bck.Repetitions)
		}
	}

	if start < end {
		middle := msg[start:end]
		algo := t.blockAlgorithm()
		var compressed []byte
		if algo != smb2.COMPRESSION_NONE && len(middle) >= minCompressSize {
			compressed, _ = New(algo).Compress(middle)
		}
		if len(compressed) > 0 && len(compressed)+4 < len(middle) {
			data := binary.LittleEndian.AppendUint32(nil, uint32(len(middle)))
			appendPayload(algo, append(data, compressed...))
		} else {
			appendPayload(smb2.COMPRESSION_NONE, middle)
		}
	}

	if bck != nil && bck.Repetitions > 0 {
		appendPayload(smb2.COMPRESSION_PATTERN_V1, bck.Marshal())
	}

	if len(output)+smb2.SMB2CompressionPayloadHeaderOffset >= len(msg) {
		return msg
	}

	h := make([]byte, smb2.SMB2CompressionPayloadHeaderOffset, smb2.SMB2CompressionPayloadHeaderOffset+len(output))
	binary.LittleEndian.PutUint32(h[:4], smb2.PROTOCOL_SMB2_COMPRESSED)
	binary.LittleEndian.PutUint32(h[4:8], uint32(len(msg)))
	return append(h, output...)
}

// Decompress reverses the compression transform. limit bounds the size of
// the decompressed message.
func (t Transform) Decompress(msg []byte, limit int) ([]byte, error) {
	if len(msg) < smb2.SMB2CompressionTransformHeaderSize {
		return nil, smb2.ErrWrongLength
	}

	ch := smb2.CompressionHeader(msg)
	ocss := ch.OriginalCompressedSegmentSize()
	if int(ocss) > limit {
		return nil, smb2.ErrInvalidParameter
	}

	var output []byte
	start := 0
	if ch.Flags() == smb2.COMPRESSION_CAPABILITIES_FLAG_CHAINED {
		offset := smb2.SMB2CompressionPayloadHeaderOffset
		for offset < len(msg) {
			if offset+smb2.SMB2CompressionPayloadHeaderSize > len(msg) {
				return nil, smb2.ErrWrongFormat
			}

			ph := smb2.PayloadHeader(msg[offset:])
			algo := ph.CompressionAlgorithm()
			if algo != smb2.COMPRESSION_NONE && !slices.Contains(t.Algorithms, algo) {
				return nil, smb2.ErrInvalidParameter
			}

			dataStart := offset + smb2.SMB2CompressionPayloadHeaderSize
			dataEnd := dataStart + int(ph.Length())
			if dataEnd > len(msg) {
				return nil, smb2.ErrInvalidParameter
			}
			data := msg[dataStart:dataEnd]

			switch algo {
			case smb2.COMPRESSION_NONE:
				output = append(output, data...)

			case smb2.COMPRESSION_PATTERN_V1:
				var v1 smb2.PatternV1
				if err := v1.Unmarshal(data); err != nil {
					return nil, err
				}
				if v1.Repetitions > ocss {
					return nil, smb2.ErrInvalidParameter
				}
				output = append(output, Expand(v1)...)

			default:
				if len(data) < 4 {
					return nil, smb2.ErrWrongFormat
				}
				ops := binary.LittleEndian.Uint32(data[:4])
				if ops > ocss {
					return nil, smb2.ErrInvalidParameter
				}
				chunk, err := New(algo).Decompress(data[4:], int(ops))
				if err != nil {
					return nil, err
				}
				if uint32(len(chunk)) != ops {
					return nil, smb2.ErrWrongLength
				}
				output = append(output, chunk...)
			}

			if len(output) > int(ocss) {
				return nil, smb2.ErrWrongLength
			}
			offset = dataEnd
		}
	} else {
		start = int(ch.Offset())
		if smb2.SMB2CompressionTransformHeaderSize+start > len(msg) {
			return nil, smb2.ErrInvalidParameter
		}
		output = append(output, msg[smb2.SMB2CompressionTransformHeaderSize:smb2.SMB2CompressionTransformHeaderSize+start]...)

		algo := ch.CompressionAlgorithm()
		if !slices.Contains(t.Algorithms, algo) {
			return nil, smb2.ErrInvalidParameter
		}

		rest := msg[smb2.SMB2CompressionTransformHeaderSize+start:]
		switch algo {
		case smb2.COMPRESSION_PATTERN_V1:
			var v1 smb2.PatternV1
			if err := v1.Unmarshal(rest); err != nil {
				return nil, err
			}
			if v1.Repetitions > ocss {
				return nil, smb2.ErrInvalidParameter
			}
			output = append(output, Expand(v1)...)

		default:
			buf, err := New(algo).Decompress(rest, int(ocss))
			if err != nil {
				return nil, err
			}
			output = append(output, buf...)
		}
	}

	if len(output)-start != int(ocss) {
		return nil, smb2.ErrWrongLength
	}

	if err := smb2.Header(output).Validate(); err != nil {
		return nil, err
	}

	return output, nil
}
