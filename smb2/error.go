package smb2

import (
	"encoding/binary"
	"fmt"
)

const (
	SMB2ErrorResponseMinSize       = 8
	SMB2ErrorResponseStructureSize = 9
)

const (
	STATUS_OK                            = 0x00000000
	STATUS_PENDING                       = 0x00000103
	STATUS_NOTIFY_ENUM_DIR               = 0x0000010c
	STATUS_BUFFER_OVERFLOW               = 0x80000005
	STATUS_NO_MORE_FILES                 = 0x80000006
	STATUS_INVALID_HANDLE                = 0xc0000008
	STATUS_INVALID_PARAMETER             = 0xc000000d
	STATUS_END_OF_FILE                   = 0xc0000011
	STATUS_MORE_PROCESSING_REQUIRED      = 0xc0000016
	STATUS_ACCESS_DENIED                 = 0xc0000022
	STATUS_BUFFER_TOO_SMALL              = 0xc0000023
	STATUS_OBJECT_NAME_INVALID           = 0xc0000033
	STATUS_OBJECT_NAME_NOT_FOUND         = 0xc0000034
	STATUS_OBJECT_NAME_COLLISION         = 0xc0000035
	STATUS_OBJECT_PATH_NOT_FOUND         = 0xc000003a
	STATUS_SHARING_VIOLATION             = 0xc0000043
	STATUS_EAS_NOT_SUPPORTED             = 0xc000004f
	STATUS_LOCK_NOT_GRANTED              = 0xc0000055
	STATUS_FILE_LOCK_CONFLICT            = 0xc0000054
	STATUS_LOGON_FAILURE                 = 0xc000006d
	STATUS_NO_SUCH_USER                  = 0xc0000064
	STATUS_INSUFFICIENT_RESOURCES        = 0xc000009a
	STATUS_IO_TIMEOUT                    = 0xc00000b5
	STATUS_FILE_IS_A_DIRECTORY           = 0xc00000ba
	STATUS_NOT_SUPPORTED                 = 0xc00000bb
	STATUS_NETWORK_NAME_DELETED          = 0xc00000c9
	STATUS_NETWORK_ACCESS_DENIED         = 0xc00000ca
	STATUS_BAD_NETWORK_NAME              = 0xc00000cc
	STATUS_REQUEST_NOT_ACCEPTED          = 0xc00000d0
	STATUS_NOT_SAME_DEVICE               = 0xc00000d4
	STATUS_FILE_RENAMED                  = 0xc00000d5
	STATUS_CANCELLED                     = 0xc0000120
	STATUS_FILE_CLOSED                   = 0xc0000128
	STATUS_INVALID_DEVICE_REQUEST        = 0xc0000010
	STATUS_RANGE_NOT_LOCKED              = 0xc000007e
	STATUS_INVALID_LOCK_RANGE            = 0xc00001a1
	STATUS_USER_SESSION_DELETED          = 0xc0000203
	STATUS_NOT_FOUND                     = 0xc0000225
	STATUS_DUPLICATE_OBJECTID            = 0xc000022a
	STATUS_NETWORK_SESSION_EXPIRED       = 0xc000035c
	STATUS_FILE_NOT_AVAILABLE            = 0xc0000467
	STATUS_INVALID_OPLOCK_PROTOCOL       = 0xc00000e3
	STATUS_DELETE_PENDING                = 0xc0000056
	STATUS_STOPPED_ON_SYMLINK            = 0x8000002d
	STATUS_REQUEST_OUT_OF_SEQUENCE       = 0xc000042a
	STATUS_SMB_BAD_CLUSTER_DIALECT       = 0xc05d0001
	STATUS_SMB_GUEST_LOGON_BLOCKED       = 0xc05d0002
	STATUS_DISK_FULL                     = 0xc000007f
	STATUS_OBJECT_NAME_EXISTS            = 0x40000000
	STATUS_INVALID_INFO_CLASS            = 0xc0000003
	STATUS_INFO_LENGTH_MISMATCH          = 0xc0000004
	STATUS_INVALID_NETWORK_RESPONSE      = 0xc00000c3
	STATUS_INVALID_DEVICE_STATE          = 0xc0000184
	STATUS_PIPE_BROKEN                   = 0xc000014b
	STATUS_NOT_A_DIRECTORY               = 0xc0000103
	STATUS_UNEXPECTED_NETWORK_ERROR      = 0xc00000c4
	STATUS_ENCRYPTION_REQUIRED           = 0xc00000fe
	STATUS_HANDLE_NOT_CLOSABLE           = 0xc0000235
	STATUS_INVALID_LOCK_SEQUENCE         = 0xc000001e
	STATUS_OPLOCK_NOT_GRANTED            = 0xc00000e2
	STATUS_ILLEGAL_FUNCTION              = 0xc00000af
	STATUS_INVALID_SYSTEM_SERVICE        = 0xc000001c
	STATUS_WRONG_PASSWORD                = 0xc000006a
	STATUS_PASSWORD_EXPIRED              = 0xc0000071
	STATUS_ACCOUNT_DISABLED              = 0xc0000072
	STATUS_NONE_MAPPED                   = 0xc0000073
	STATUS_DIRECTORY_NOT_EMPTY           = 0xc0000101
	STATUS_SERVER_UNAVAILABLE            = 0xc0000466
	STATUS_FS_DRIVER_REQUIRED            = 0xc000019c
	STATUS_PATH_NOT_COVERED              = 0xc0000257
	STATUS_OBJECTID_NOT_FOUND            = 0xc00002f0
	STATUS_NOTIFY_CLEANUP                = 0x0000010b
	STATUS_SESSION_TIMEOUT_NOT_SUPPORTED = 0xc0000460
)

var statusNames = map[uint32]string{
	STATUS_OK:                       "STATUS_SUCCESS",
	STATUS_PENDING:                  "STATUS_PENDING",
	STATUS_NOTIFY_ENUM_DIR:          "STATUS_NOTIFY_ENUM_DIR",
	STATUS_NOTIFY_CLEANUP:           "STATUS_NOTIFY_CLEANUP",
	STATUS_BUFFER_OVERFLOW:          "STATUS_BUFFER_OVERFLOW",
	STATUS_NO_MORE_FILES:            "STATUS_NO_MORE_FILES",
	STATUS_INVALID_HANDLE:           "STATUS_INVALID_HANDLE",
	STATUS_INVALID_PARAMETER:        "STATUS_INVALID_PARAMETER",
	STATUS_END_OF_FILE:              "STATUS_END_OF_FILE",
	STATUS_MORE_PROCESSING_REQUIRED: "STATUS_MORE_PROCESSING_REQUIRED",
	STATUS_ACCESS_DENIED:            "STATUS_ACCESS_DENIED",
	STATUS_BUFFER_TOO_SMALL:         "STATUS_BUFFER_TOO_SMALL",
	STATUS_OBJECT_NAME_INVALID:      "STATUS_OBJECT_NAME_INVALID",
	STATUS_OBJECT_NAME_NOT_FOUND:    "STATUS_OBJECT_NAME_NOT_FOUND",
	STATUS_OBJECT_NAME_COLLISION:    "STATUS_OBJECT_NAME_COLLISION",
	STATUS_OBJECT_PATH_NOT_FOUND:    "STATUS_OBJECT_PATH_NOT_FOUND",
	STATUS_SHARING_VIOLATION:        "STATUS_SHARING_VIOLATION",
	STATUS_LOCK_NOT_GRANTED:         "STATUS_LOCK_NOT_GRANTED",
	STATUS_FILE_LOCK_CONFLICT:       "STATUS_FILE_LOCK_CONFLICT",
	STATUS_LOGON_FAILURE:            "STATUS_LOGON_FAILURE",
	STATUS_NOT_SUPPORTED:            "STATUS_NOT_SUPPORTED",
	STATUS_NETWORK_NAME_DELETED:     "STATUS_NETWORK_NAME_DELETED",
	STATUS_BAD_NETWORK_NAME:         "STATUS_BAD_NETWORK_NAME",
	STATUS_REQUEST_NOT_ACCEPTED:     "STATUS_REQUEST_NOT_ACCEPTED",
	STATUS_CANCELLED:                "STATUS_CANCELLED",
	STATUS_FILE_CLOSED:              "STATUS_FILE_CLOSED",
	STATUS_INVALID_DEVICE_REQUEST:   "STATUS_INVALID_DEVICE_REQUEST",
	STATUS_RANGE_NOT_LOCKED:         "STATUS_RANGE_NOT_LOCKED",
	STATUS_INVALID_LOCK_RANGE:       "STATUS_INVALID_LOCK_RANGE",
	STATUS_USER_SESSION_DELETED:     "STATUS_USER_SESSION_DELETED",
	STATUS_NOT_FOUND:                "STATUS_NOT_FOUND",
	STATUS_NETWORK_SESSION_EXPIRED:  "STATUS_NETWORK_SESSION_EXPIRED",
	STATUS_FILE_NOT_AVAILABLE:       "STATUS_FILE_NOT_AVAILABLE",
	STATUS_INVALID_OPLOCK_PROTOCOL:  "STATUS_INVALID_OPLOCK_PROTOCOL",
	STATUS_DELETE_PENDING:           "STATUS_DELETE_PENDING",
	STATUS_REQUEST_OUT_OF_SEQUENCE:  "STATUS_REQUEST_OUT_OF_SEQUENCE",
	STATUS_DISK_FULL:                "STATUS_DISK_FULL",
	STATUS_INVALID_INFO_CLASS:       "STATUS_INVALID_INFO_CLASS",
	STATUS_INFO_LENGTH_MISMATCH:     "STATUS_INFO_LENGTH_MISMATCH",
	STATUS_ENCRYPTION_REQUIRED:      "STATUS_ENCRYPTION_REQUIRED",
	STATUS_INVALID_LOCK_SEQUENCE:    "STATUS_INVALID_LOCK_SEQUENCE",
	STATUS_WRONG_PASSWORD:           "STATUS_WRONG_PASSWORD",
	STATUS_DIRECTORY_NOT_EMPTY:      "STATUS_DIRECTORY_NOT_EMPTY",
	STATUS_SERVER_UNAVAILABLE:       "STATUS_SERVER_UNAVAILABLE",
	STATUS_PATH_NOT_COVERED:         "STATUS_PATH_NOT_COVERED",
}

// StatusName returns the symbolic name of an NTSTATUS code.
func StatusName(status uint32) string {
	if name, ok := statusNames[status]; ok {
		return name
	}
	return fmt.Sprintf("STATUS_0x%08x", status)
}

// IsSuccess reports whether the status is a success or informational code.
func IsSuccess(status uint32) bool {
	return status>>30 == 0 || status>>30 == 1
}

// ErrorResponse represents an SMB2 ERROR response body.
type ErrorResponse struct {
	ErrorContextCount uint8
	ErrorData         []byte
}

// Decode parses an SMB2 ERROR response body.
func (er *ErrorResponse) Decode(body []byte) error {
	if len(body) < SMB2ErrorResponseMinSize {
		return ErrWrongLength
	}

	if binary.LittleEndian.Uint16(body[:2]) != SMB2ErrorResponseStructureSize {
		return ErrWrongFormat
	}

	er.ErrorContextCount = body[2]
	count := binary.LittleEndian.Uint32(body[4:8])
	if int(count) > len(body)-SMB2ErrorResponseMinSize {
		return ErrWrongLength
	}

	er.ErrorData = body[SMB2ErrorResponseMinSize : SMB2ErrorResponseMinSize+count]
	return nil
}

// Encode implements Encoder interface.
func (er *ErrorResponse) Encode() []byte {
	body := make([]byte, SMB2ErrorResponseMinSize, SMB2ErrorResponseMinSize+max(1, len(er.ErrorData)))
	binary.LittleEndian.PutUint16(body[:2], SMB2ErrorResponseStructureSize)
	body[2] = er.ErrorContextCount
	binary.LittleEndian.PutUint32(body[4:8], uint32(len(er.ErrorData)))
	if len(er.ErrorData) == 0 {
		return append(body, 0)
	}
	return append(body, er.ErrorData...)
}
