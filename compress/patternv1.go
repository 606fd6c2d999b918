package compress

import "github.com/mike76-dev/smbprobe/smb2"

// minPatternRun is the shortest run worth a Pattern_V1 payload.
const minPatternRun = 64

// ScanForDataPatternsV1 scans the buffer for leading and trailing series
// of equal bytes. A run shorter than minPatternRun is reported with zero
// repetitions.
func ScanForDataPatternsV1(buf []byte) (forward, backward *smb2.PatternV1) {
	if len(buf) == 0 {
		return
	}

	forward = &smb2.PatternV1{Pattern: buf[0], Repetitions: 1}
	for i := 1; i < len(buf) && buf[i] == forward.Pattern; i++ {
		forward.Repetitions++
	}

	if forward.Repetitions < minPatternRun {
		forward.Repetitions = 0
	}

	if forward.Repetitions == uint32(len(buf)) {
		return
	}

	backward = &smb2.PatternV1{Pattern: buf[len(buf)-1], Repetitions: 1}
	for i := len(buf) - 2; i >= int(forward.Repetitions) && buf[i] == backward.Pattern; i-- {
		backward.Repetitions++
	}

	if backward.Repetitions < minPatternRun {
		backward.Repetitions = 0
	}

	return
}

// Expand returns the bytes a Pattern_V1 payload stands for.
func Expand(p smb2.PatternV1) []byte {
	buf := make([]byte, p.Repetitions)
	for i := range buf {
		buf[i] = p.Pattern
	}
	return buf
}
