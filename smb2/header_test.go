package smb2

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderFields(t *testing.T) {
	h := NewHeader(SMB2_CREATE)
	require.NoError(t, h.Validate())
	assert.EqualValues(t, SMB2_CREATE, h.Command())
	assert.False(t, h.IsResponse())

	h.SetMessageID(7)
	h.SetCreditCharge(3)
	h.SetChannelSequence(0x1234)
	assert.EqualValues(t, 0x1234, h.ChannelSequence())

	// Responses reuse the channel sequence bytes for the status.
	h.SetFlag(FLAGS_SERVER_TO_REDIR | FLAGS_ASYNC_COMMAND)
	h.SetAsyncID(99)
	h.SetStatus(STATUS_PENDING)

	assert.EqualValues(t, 7, h.MessageID())
	assert.EqualValues(t, 3, h.CreditCharge())
	assert.True(t, h.IsResponse())
	assert.True(t, h.IsAsync())
	assert.True(t, h.IsInterim())
	assert.EqualValues(t, 99, h.AsyncID())

	h.ClearFlag(FLAGS_ASYNC_COMMAND)
	assert.False(t, h.IsAsync())

	assert.ErrorIs(t, Header(h[:10]).Validate(), ErrWrongLength)
	bad := append(Header(nil), h...)
	bad[0] = 0xff
	assert.ErrorIs(t, bad.Validate(), ErrWrongProtocol)
}

func TestChainSplit(t *testing.T) {
	a := append(NewHeader(SMB2_CREATE), make([]byte, 13)...)
	b := append(NewHeader(SMB2_WRITE), make([]byte, 5)...)
	c := NewHeader(SMB2_CLOSE)

	compound := Chain([][]byte{a, b, c})
	msgs, err := Split(compound)
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	assert.Len(t, msgs[0], 80)
	assert.Len(t, msgs[1], 72)
	assert.Equal(t, []byte(c), msgs[2])
	assert.EqualValues(t, 80, Header(msgs[0]).NextCommand())
	assert.Zero(t, Header(msgs[2]).NextCommand())
	assert.EqualValues(t, SMB2_WRITE, Header(msgs[1]).Command())

	Header(compound).SetNextCommand(65)
	_, err = Split(compound)
	assert.ErrorIs(t, err, ErrWrongFormat)
}

func TestFileNotifyInformation(t *testing.T) {
	entries := []FileNotifyInformation{
		{Action: FILE_ACTION_ADDED, FileName: "a.txt"},
		{Action: FILE_ACTION_RENAMED_OLD_NAME, FileName: "old"},
		{Action: FILE_ACTION_RENAMED_NEW_NAME, FileName: "verzeichnis\\neu.txt"},
	}
	buf := EncodeFileNotifyInformation(entries)
	// The first entry is 12 + 10 bytes, padded to 24.
	assert.EqualValues(t, 24, buf[0])

	got, err := DecodeFileNotifyInformation(buf)
	require.NoError(t, err)
	assert.Equal(t, entries, got)

	_, err = DecodeFileNotifyInformation(buf[:20])
	assert.ErrorIs(t, err, ErrWrongLength)
}
