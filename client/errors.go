package client

import (
	"errors"
	"fmt"

	"github.com/mike76-dev/smbprobe/smb2"
)

var (
	// ErrDisconnected is returned for every request pending on a connection
	// that went away, and for any request submitted after that.
	ErrDisconnected = errors.New("connection closed")

	// ErrInsufficientCredit is returned by a non-blocking reservation when
	// the balance does not cover the charge.
	ErrInsufficientCredit = errors.New("insufficient credit")

	// ErrCreditLimit is returned when a charge exceeds everything the server
	// has granted, so waiting could never satisfy it.
	ErrCreditLimit = errors.New("credit charge exceeds granted window")

	// ErrStaleChannelSequence is returned when a write-class request was
	// built under a channel sequence the session has since advanced past.
	ErrStaleChannelSequence = errors.New("stale channel sequence")

	ErrNoSession                = errors.New("no session")
	ErrSessionClosed            = errors.New("session closed")
	ErrTreeDisconnected         = errors.New("tree disconnected")
	ErrOpenClosed               = errors.New("open already closed")
	ErrOpenInvalidated          = errors.New("open invalidated by disconnect")
	ErrNotMultichannel          = errors.New("multichannel not negotiated")
	ErrDialectMismatch          = errors.New("dialect mismatch")
	ErrEmptyBatch               = errors.New("empty batch")
	ErrBatchSubmitted           = errors.New("batch already submitted")
	ErrBadRelatedIndex          = errors.New("related open must refer to an earlier create in the same batch")
	ErrNotContinuouslyAvailable = errors.New("share is not continuously available")
	ErrBadSignature             = errors.New("bad message signature")
	ErrNotDurable               = errors.New("open is not durable")

	ErrHandleExpired    = errors.New("durable handle expired")
	ErrIdentityMismatch = errors.New("durable handle owned by another client")
	ErrHandleNotFound   = errors.New("durable handle not found")
)

// StatusError is a non-success status returned by the server.
type StatusError struct {
	Command uint16
	Status  uint32
	Data    []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("command 0x%04x failed: %s", e.Command, smb2.StatusName(e.Status))
}

// IsStatus reports whether err carries the given server status.
func IsStatus(err error, status uint32) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == status
}

// ReconnectError is returned when a durable handle could not be reclaimed.
// Reason is one of ErrHandleExpired, ErrIdentityMismatch and
// ErrHandleNotFound; Err is the underlying status error.
type ReconnectError struct {
	Reason error
	Err    error
}

func (e *ReconnectError) Error() string {
	return fmt.Sprintf("reconnect: %v: %v", e.Reason, e.Err)
}

// Unwrap exposes both the reason and the status error. An expired handle is
// also of the not-found class.
func (e *ReconnectError) Unwrap() []error {
	errs := []error{e.Reason, e.Err}
	if e.Reason == ErrHandleExpired {
		errs = append(errs, ErrHandleNotFound)
	}
	return errs
}

func reconnectError(se *StatusError, expired bool) error {
	var reason error
	switch {
	case expired && se.Status == smb2.STATUS_OBJECT_NAME_NOT_FOUND:
		reason = ErrHandleExpired
	case se.Status == smb2.STATUS_ACCESS_DENIED:
		reason = ErrIdentityMismatch
	case se.Status == smb2.STATUS_OBJECT_NAME_NOT_FOUND, se.Status == smb2.STATUS_INVALID_PARAMETER:
		reason = ErrHandleNotFound
	default:
		return se
	}
	return &ReconnectError{Reason: reason, Err: se}
}
