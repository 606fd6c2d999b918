package smb2

import (
	"encoding/binary"

	"github.com/mike76-dev/smbprobe/utils"
)

const (
	SMB2TreeConnectRequestMinSize       = 8
	SMB2TreeConnectRequestStructureSize = 9

	SMB2TreeConnectResponseMinSize       = 16
	SMB2TreeConnectResponseStructureSize = 16
)

const (
	// Share types.
	SHARE_TYPE_DISK  = 0x01
	SHARE_TYPE_PIPE  = 0x02
	SHARE_TYPE_PRINT = 0x03
)

const (
	// Share flags.
	SHAREFLAG_MANUAL_CACHING              = 0x00000000
	SHAREFLAG_AUTO_CACHING                = 0x00000010
	SHAREFLAG_VDO_CACHING                 = 0x00000020
	SHAREFLAG_NO_CACHING                  = 0x00000030
	SHAREFLAG_DFS                         = 0x00000001
	SHAREFLAG_DFS_ROOT                    = 0x00000002
	SHAREFLAG_RESTRICT_EXCLUSIVE_OPENS    = 0x00000100
	SHAREFLAG_FORCE_SHARED_DELETE         = 0x00000200
	SHAREFLAG_ALLOW_NAMESPACE_CACHING     = 0x00000400
	SHAREFLAG_ACCESS_BASED_DIRECTORY_ENUM = 0x00000800
	SHAREFLAG_FORCE_LEVELII_OPLOCK        = 0x00001000
	SHAREFLAG_ENABLE_HASH_V1              = 0x00002000
	SHAREFLAG_ENABLE_HASH_V2              = 0x00004000
	SHAREFLAG_ENCRYPT_DATA                = 0x00008000
	SHAREFLAG_IDENTITY_REMOTING           = 0x00040000
	SHAREFLAG_COMPRESS_DATA               = 0x00100000
)

const (
	// Share capabilities.
	SHARE_CAP_DFS                     = 0x00000008
	SHARE_CAP_CONTINUOUS_AVAILABILITY = 0x00000010
	SHARE_CAP_SCALEOUT                = 0x00000020
	SHARE_CAP_CLUSTER                 = 0x00000040
	SHARE_CAP_ASYMMETRIC              = 0x00000080
	SHARE_CAP_REDIRECT_TO_OWNER       = 0x00000100
)

// TreeConnectRequest represents an SMB2_TREE_CONNECT request.
type TreeConnectRequest struct {
	Flags uint16
	Path  string
}

// Command implements Request interface.
func (tcr *TreeConnectRequest) Command() uint16 { return SMB2_TREE_CONNECT }

// PayloadSize implements Request interface.
func (tcr *TreeConnectRequest) PayloadSize() int { return 0 }

// Encode implements Encoder interface.
func (tcr *TreeConnectRequest) Encode() []byte {
	path := utils.EncodeStringToBytes(tcr.Path)
	body := make([]byte, SMB2TreeConnectRequestMinSize, SMB2TreeConnectRequestMinSize+len(path))
	binary.LittleEndian.PutUint16(body[:2], SMB2TreeConnectRequestStructureSize)
	binary.LittleEndian.PutUint16(body[2:4], tcr.Flags)
	binary.LittleEndian.PutUint16(body[4:6], SMB2HeaderSize+SMB2TreeConnectRequestMinSize)
	binary.LittleEndian.PutUint16(body[6:8], uint16(len(path)))
	return append(body, path...)
}

// Decode implements Decoder interface.
func (tcr *TreeConnectRequest) Decode(body []byte) error {
	if err := structureSize(body, SMB2TreeConnectRequestStructureSize, SMB2TreeConnectRequestMinSize); err != nil {
		return err
	}

	tcr.Flags = binary.LittleEndian.Uint16(body[2:4])
	path, err := buffer(body, uint32(binary.LittleEndian.Uint16(body[4:6])), uint32(binary.LittleEndian.Uint16(body[6:8])))
	if err != nil {
		return err
	}
	tcr.Path = utils.DecodeToString(path)
	return nil
}

// TreeConnectResponse represents an SMB2_TREE_CONNECT response.
type TreeConnectResponse struct {
	ShareType     uint8
	ShareFlags    uint32
	Capabilities  uint32
	MaximalAccess uint32
}

// Encode implements Encoder interface.
func (tcr *TreeConnectResponse) Encode() []byte {
	body := make([]byte, SMB2TreeConnectResponseMinSize)
	binary.LittleEndian.PutUint16(body[:2], SMB2TreeConnectResponseStructureSize)
	body[2] = tcr.ShareType
	binary.LittleEndian.PutUint32(body[4:8], tcr.ShareFlags)
	binary.LittleEndian.PutUint32(body[8:12], tcr.Capabilities)
	binary.LittleEndian.PutUint32(body[12:16], tcr.MaximalAccess)
	return body
}

// Decode implements Decoder interface.
func (tcr *TreeConnectResponse) Decode(body []byte) error {
	if err := structureSize(body, SMB2TreeConnectResponseStructureSize, SMB2TreeConnectResponseMinSize); err != nil {
		return err
	}

	tcr.ShareType = body[2]
	tcr.ShareFlags = binary.LittleEndian.Uint32(body[4:8])
	tcr.Capabilities = binary.LittleEndian.Uint32(body[8:12])
	tcr.MaximalAccess = binary.LittleEndian.Uint32(body[12:16])
	return nil
}

// TreeDisconnectRequest represents an SMB2_TREE_DISCONNECT request.
type TreeDisconnectRequest struct{}

// Command implements Request interface.
func (TreeDisconnectRequest) Command() uint16 { return SMB2_TREE_DISCONNECT }

// PayloadSize implements Request interface.
func (TreeDisconnectRequest) PayloadSize() int { return 0 }

// Encode implements Encoder interface.
func (TreeDisconnectRequest) Encode() []byte { return encodeEmpty() }

// Decode implements Decoder interface.
func (TreeDisconnectRequest) Decode(body []byte) error { return decodeEmpty(body) }
