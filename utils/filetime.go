package utils

import "time"

// epochDelta is the number of 100ns ticks between 1601-01-01 and 1970-01-01.
const epochDelta = 116444736000000000

// UnixToFiletime converts t to a FILETIME.
func UnixToFiletime(t time.Time) uint64 {
	return uint64(t.UnixNano()/100 + epochDelta)
}

// FiletimeToUnix converts a FILETIME to time.Time. Zero maps to the zero
// time.
func FiletimeToUnix(ft uint64) time.Time {
	if ft == 0 {
		return time.Time{}
	}
	return time.Unix(0, (int64(ft)-epochDelta)*100)
}
