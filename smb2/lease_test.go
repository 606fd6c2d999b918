package smb2

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGrantLease(t *testing.T) {
	tests := []struct {
		name      string
		requested LeaseState
		held      []LeaseState
		want      LeaseState
	}{
		{"sole requester gets everything", LEASE_RWH, nil, LEASE_RWH},
		{"handle without read is nothing", LEASE_HANDLE_CACHING, nil, LEASE_NONE},
		{"unknown bits dropped", LEASE_RW | 0x10, nil, LEASE_RW},
		{"other holder strips write", LEASE_RWH, []LeaseState{LEASE_READ_CACHING}, LEASE_RH},
		{"holders with nothing do not count", LEASE_RWH, []LeaseState{LEASE_NONE, LEASE_NONE}, LEASE_RWH},
		{"read only stays read", LEASE_READ_CACHING, []LeaseState{LEASE_RWH}, LEASE_READ_CACHING},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GrantLease(tt.requested, tt.held)
			assert.Equal(t, tt.want, got)
			assert.True(t, got.Valid(), "granted %s", got)
		})
	}
}

func TestBreakLease(t *testing.T) {
	tests := []struct {
		held  LeaseState
		cause BreakCause
		want  LeaseState
	}{
		{LEASE_RWH, BreakOpen, LEASE_RH},
		{LEASE_RW, BreakOpen, LEASE_READ_CACHING},
		{LEASE_RH, BreakOpen, LEASE_RH},
		{LEASE_RWH, BreakSharingViolation, LEASE_READ_CACHING},
		{LEASE_RH, BreakSharingViolation, LEASE_READ_CACHING},
		{LEASE_RWH, BreakWrite, LEASE_NONE},
		{LEASE_READ_CACHING, BreakWrite, LEASE_NONE},
		{LEASE_NONE, BreakOpen, LEASE_NONE},
	}
	for _, tt := range tests {
		got := BreakLease(tt.held, tt.cause)
		assert.Equal(t, tt.want, got, "%s broken by %d", tt.held, tt.cause)
		assert.True(t, tt.held.Contains(got), "%s is not a subset of %s", got, tt.held)
	}
}

func TestGrantOplock(t *testing.T) {
	tests := []struct {
		requested  uint8
		othersOpen bool
		want       uint8
	}{
		{OPLOCK_LEVEL_BATCH, false, OPLOCK_LEVEL_BATCH},
		{OPLOCK_LEVEL_EXCLUSIVE, false, OPLOCK_LEVEL_EXCLUSIVE},
		{OPLOCK_LEVEL_BATCH, true, OPLOCK_LEVEL_II},
		{OPLOCK_LEVEL_II, true, OPLOCK_LEVEL_II},
		{OPLOCK_LEVEL_NONE, true, OPLOCK_LEVEL_NONE},
		{OPLOCK_LEVEL_LEASE, false, OPLOCK_LEVEL_NONE},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, GrantOplock(tt.requested, tt.othersOpen), "requested %#x, others %v", tt.requested, tt.othersOpen)
	}
}

func TestBreakOplock(t *testing.T) {
	tests := []struct {
		held  uint8
		cause BreakCause
		want  uint8
	}{
		{OPLOCK_LEVEL_BATCH, BreakOpen, OPLOCK_LEVEL_II},
		{OPLOCK_LEVEL_EXCLUSIVE, BreakOpen, OPLOCK_LEVEL_II},
		{OPLOCK_LEVEL_II, BreakOpen, OPLOCK_LEVEL_II},
		{OPLOCK_LEVEL_BATCH, BreakWrite, OPLOCK_LEVEL_NONE},
		{OPLOCK_LEVEL_II, BreakWrite, OPLOCK_LEVEL_NONE},
		{OPLOCK_LEVEL_BATCH, BreakSharingViolation, OPLOCK_LEVEL_NONE},
	}
	for _, tt := range tests {
		got := BreakOplock(tt.held, tt.cause)
		assert.Equal(t, tt.want, got, "held %#x, cause %d", tt.held, tt.cause)
		assert.LessOrEqual(t, OplockRank(got), OplockRank(tt.held))
	}
}

func TestOplockRank(t *testing.T) {
	levels := []uint8{OPLOCK_LEVEL_NONE, OPLOCK_LEVEL_II, OPLOCK_LEVEL_EXCLUSIVE, OPLOCK_LEVEL_BATCH}
	for i := 1; i < len(levels); i++ {
		assert.Less(t, OplockRank(levels[i-1]), OplockRank(levels[i]))
	}
	assert.Zero(t, OplockRank(OPLOCK_LEVEL_LEASE))
}
